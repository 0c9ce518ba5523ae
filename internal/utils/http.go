package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leofalp/relay/observability"
)

// maxErrorBodySize caps how much of an upstream error body is read back for
// diagnostics.
const maxErrorBodySize int64 = 1 * 1024 * 1024

// DoPost performs a unary HTTP POST with a pre-serialized JSON body and
// returns the raw response bytes. The response body is always closed before
// returning. Non-2xx statuses are returned as errors carrying the upstream
// body text.
func DoPost(ctx context.Context, client *http.Client, url string, headers http.Header, body []byte) ([]byte, *http.Response, error) {
	observer := observability.FromContext(ctx)

	httpClient := client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, headers)

	requestStart := time.Now()
	res, err := httpClient.Do(req)
	if err != nil {
		observer.Trace(ctx, "upstream request failed",
			observability.String(observability.AttrEndpoint, url),
			observability.Error(err),
		)
		return nil, res, fmt.Errorf("error sending request: %w", err)
	}
	defer CloseWithLog(ctx, res.Body)

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res, fmt.Errorf("error reading response body: %w", err)
	}

	observer.Trace(ctx, "upstream response received",
		observability.String(observability.AttrEndpoint, url),
		observability.Int("http.status", res.StatusCode),
		observability.Int("http.body_size", len(respBody)),
		observability.Duration("http.duration", time.Since(requestStart)),
	)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return respBody, res, fmt.Errorf("non-2xx status %d: %s", res.StatusCode, TruncateString(string(respBody), 500))
	}

	return respBody, res, nil
}

// DoPostStream performs an HTTP POST and returns the response with its body
// left open for SSE reading. The caller owns the body and must close it on
// every exit path. On error paths the body is consumed and closed here.
func DoPostStream(ctx context.Context, client *http.Client, url string, headers http.Header, body []byte) (*http.Response, error) {
	observer := observability.FromContext(ctx)

	httpClient := client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req, headers)

	requestStart := time.Now()
	res, err := httpClient.Do(req)
	if err != nil {
		observer.Trace(ctx, "upstream stream request failed",
			observability.String(observability.AttrEndpoint, url),
			observability.Error(err),
		)
		return res, fmt.Errorf("error sending stream request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer CloseWithLog(ctx, res.Body)
		errorBody, readErr := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		if readErr != nil {
			return res, fmt.Errorf("non-2xx status %d (failed to read body: %v)", res.StatusCode, readErr)
		}
		return res, fmt.Errorf("non-2xx status %d: %s", res.StatusCode, TruncateString(string(errorBody), 500))
	}

	observer.Trace(ctx, "upstream stream opened",
		observability.String(observability.AttrEndpoint, url),
		observability.Int("http.status", res.StatusCode),
		observability.Duration("http.duration", time.Since(requestStart)),
	)

	return res, nil
}

// CloseWithLog closes c and reports a close failure through the context
// observer instead of returning it; close errors must never override the
// primary error of the calling path.
func CloseWithLog(ctx context.Context, c io.Closer) {
	if err := c.Close(); err != nil {
		observability.FromContext(ctx).Warn(ctx, "failed to close response body", observability.Error(err))
	}
}

func applyHeaders(req *http.Request, headers http.Header) {
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}
}
