package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/models"
	"github.com/marminbh/hook-svc/internal/payload"
)

// deliveryResult is what came back from one POST
type deliveryResult struct {
	StatusCode   *int
	Latency      time.Duration
	ResponseBody string
	Truncated    bool
	RetryAfter   string
	Err          error
	// Permanent marks an Err that no retry can fix, such as a malformed endpoint
	Permanent bool
}

// deliver posts the payload to the hook endpoint. Basic credentials are set on
// the request only and never appear in the result.
func (d *Dispatcher) deliver(ctx context.Context, hook models.Hook, log models.HookLog, p payload.Payload) *deliveryResult {
	result := &deliveryResult{}

	if err := checkEndpoint(hook.Endpoint); err != nil {
		result.Err = err
		result.Permanent = true
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.Endpoint, bytes.NewReader(p.Body))
	if err != nil {
		result.Err = fmt.Errorf("failed to create HTTP request: %w", err)
		result.Permanent = true
		return result
	}

	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Hook-Id", hook.ID.String())
	req.Header.Set("X-Hook-Delivery", log.ID.String())
	req.Header.Set("X-Hook-Submission", log.SubmissionUUID)

	if hook.AuthMode == models.AuthBasic {
		req.SetBasicAuth(hook.AuthUsername, hook.AuthPassword)
	}
	if hook.SigningSecret != "" {
		signature, err := Sign(p.Body, hook.SigningSecret)
		if err != nil {
			result.Err = fmt.Errorf("failed to sign payload: %w", err)
			result.Permanent = true
			return result
		}
		req.Header.Set(SignatureHeader, signature)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("HTTP request failed: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = &resp.StatusCode
	result.RetryAfter = resp.Header.Get("Retry-After")

	limit := int64(d.cfg.MaxResponseBodySize)
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if int64(len(body)) > limit {
		body = body[:limit]
		result.Truncated = true
	}
	result.ResponseBody = string(body)
	if readErr != nil {
		d.logger.Warn("Failed to read response body",
			zap.String("hook_id", hook.ID.String()),
			zap.Error(readErr),
		)
	}

	// drain a little more so the connection can be reused
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	return result
}

// checkEndpoint rejects endpoints the HTTP client could never reach
func checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint URL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid endpoint URL: missing host")
	}
	return nil
}
