// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	fetchRetries  = 3
	fetchBaseWait = 500 * time.Millisecond
)

// newFetchClient creates a fresh HTTP client with disabled connection
// reuse. This avoids EOF errors that can occur with connection pooling on
// CI artifact hosts.
func newFetchClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// drainBody drains and closes an HTTP response body to prevent HTTP/2
// GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func drainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// isRetryableError checks if an error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// EOF errors are often transient connection issues
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	// Connection reset/refused are also transient
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

// FetchArtifact downloads a firmware artifact over HTTP, retrying
// transient transport failures with exponential backoff. Non-2xx statuses
// fail immediately.
func FetchArtifact(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 500ms, 1s
			waitTime := fetchBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("simctl: fetch %s: %w", url, err)
		}

		resp, err := newFetchClient().Do(request)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return nil, fmt.Errorf("simctl: fetch %s: %w", url, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			drainBody(resp.Body)
			return nil, fmt.Errorf("simctl: fetch %s: received status code %d", url, resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		drainBody(resp.Body)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return nil, fmt.Errorf("simctl: fetch %s: %w", url, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("simctl: fetch %s failed after %d attempts: %w", url, fetchRetries, lastErr)
}
