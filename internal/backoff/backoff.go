// Package backoff computes retry delays for failed deliveries
package backoff

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy is exponential backoff with equal jitter:
// attempt n waits between half and all of Base*2^(n-1), never more than Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// Jitter returns a value in [0, d]. Defaults to a uniform random draw.
	Jitter func(d time.Duration) time.Duration
}

func New(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max}
}

// Delay returns the wait after the given number of completed attempts
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}

	half := d / 2
	return half + p.jitter(d-half)
}

// Next picks the wait before the next attempt. A server supplied Retry-After
// wins when it is longer than the computed backoff, still capped at Max.
func (p Policy) Next(attempts int, retryAfter time.Duration) time.Duration {
	d := p.Delay(attempts)
	if retryAfter > d {
		d = retryAfter
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(d)
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// ParseRetryAfterHeader parses the Retry-After header value
// Retry-After can be either a number of seconds or an HTTP date
func ParseRetryAfterHeader(retryAfter string, now time.Time) (time.Duration, bool) {
	retryAfter = strings.TrimSpace(retryAfter)
	if retryAfter == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	at, err := http.ParseTime(retryAfter)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
