package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy retries transient HTTP failures (network errors, 5xx, 429)
// with quadratic backoff and jitter.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetry = retryPolicy{maxRetries: 3, baseDelay: time.Second, maxDelay: 30 * time.Second}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func (p retryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.maxDelay)
	}
	base := time.Duration(attempt*attempt) * p.baseDelay
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return min(base+jitter, p.maxDelay)
}

// do executes the request built by buildReq until it gets a non-transient
// response or runs out of attempts. buildReq is called once per attempt so
// request bodies can be replayed.
func (p retryPolicy) do(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr    error
		retryAfter time.Duration
	)
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt, retryAfter)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn("request failed", "attempt", attempt+1, "err", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			logger.Warn("server error", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", p.maxRetries+1, lastErr)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
