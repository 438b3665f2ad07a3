package dispatcher

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/marminbh/hook-svc/internal/backoff"
	"github.com/marminbh/hook-svc/internal/models"
)

// decision is the state a log moves to after an attempt
type decision struct {
	Status     models.LogStatus
	Message    string
	RetryAfter time.Duration
}

// Retryable reports whether a response status is worth another attempt:
// timeouts, rate limiting and server errors.
func Retryable(statusCode int) bool {
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

// classify maps a delivery result to the next status. tries counts the
// attempt being classified.
func classify(result *deliveryResult, tries, maxRetries int, now time.Time) decision {
	exhausted := tries >= maxRetries

	if result.Err != nil {
		msg := result.Err.Error()
		if result.Permanent {
			return decision{Status: models.StatusFailed, Message: msg}
		}
		if exhausted {
			return decision{Status: models.StatusFailed, Message: fmt.Sprintf("max retries reached: %s", msg)}
		}
		return decision{Status: models.StatusRetrying, Message: msg}
	}

	if result.StatusCode == nil {
		if exhausted {
			return decision{Status: models.StatusFailed, Message: "max retries reached: no HTTP status code"}
		}
		return decision{Status: models.StatusRetrying, Message: "no HTTP status code received"}
	}

	code := *result.StatusCode
	summary := responseSummary(code, result)

	switch {
	case code >= 200 && code < 300:
		return decision{Status: models.StatusSuccess, Message: summary}

	case Retryable(code):
		if exhausted {
			return decision{Status: models.StatusFailed, Message: "max retries reached: " + summary}
		}
		d := decision{Status: models.StatusRetrying, Message: summary}
		if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
			if wait, ok := backoff.ParseRetryAfterHeader(result.RetryAfter, now); ok {
				d.RetryAfter = wait
			}
		}
		return d

	default:
		return decision{Status: models.StatusFailed, Message: summary}
	}
}

func responseSummary(code int, result *deliveryResult) string {
	summary := fmt.Sprintf("HTTP %d", code)
	if text := http.StatusText(code); text != "" {
		summary += " " + text
	}
	if body := strings.TrimSpace(result.ResponseBody); body != "" {
		summary += ": " + body
	}
	if result.Truncated {
		summary += " (response truncated)"
	}
	return summary
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "..."
	if max <= len(marker) {
		return s[:max]
	}
	cut := max - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
