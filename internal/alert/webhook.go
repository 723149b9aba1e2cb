package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	// sendBudget bounds one background delivery including retries.
	sendBudget = 30 * time.Second
)

var (
	httpClient   = &http.Client{Timeout: requestTimeout}
	retryBackoff = time.Second
)

// Send posts an alert to one webhook. 5xx and 429 responses are retried
// with doubling backoff; other 4xx responses fail immediately.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	wait := retryBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled after %d attempts: %w", attempt-1, ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
		}

		status, err := post(ctx, cfg, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("webhook unavailable: HTTP %d", status)
		default:
			return fmt.Errorf("webhook rejected: HTTP %d", status)
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func post(ctx context.Context, cfg AlertConfig, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp.StatusCode, nil
}
