package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"position-ledger/internal/observability"
)

// retryTransport spaces and retries JSON-RPC HTTP requests.
// Retries cover transport failures, 429 and 5xx. Any other response,
// including a JSON-RPC error object, is returned as is.
type retryTransport struct {
	base        http.RoundTripper
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	minInterval time.Duration

	throttleMu sync.Mutex
	nextSlot   time.Time
}

func newRetryTransport(opts ...ClientOption) *retryTransport {
	t := &retryTransport{
		base:        http.DefaultTransport,
		timeout:     DefaultTimeout,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// retryableStatus reports whether the status is transient (429 or 5xx).
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// rpcMethod extracts the method name of a request body for metrics.
func rpcMethod(body []byte) string {
	var msg struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.Method == "" {
		return "batch"
	}
	return msg.Method
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		body = b
	}
	method := rpcMethod(body)

	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(method, time.Since(start).Seconds())
	}()

	delay := t.retryDelay
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			observability.RecordRPCRetry(method)
			timer := time.NewTimer(withJitter(delay))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * t.backoffMult)
			if delay > t.maxDelay {
				delay = t.maxDelay
			}
		}

		if err := t.throttle(ctx); err != nil {
			return nil, err
		}

		resp, err := t.attempt(req, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, lastResp = err, nil
			continue
		}
		if retryableStatus(resp.StatusCode) {
			lastErr, lastResp = nil, resp
			continue
		}
		return resp, nil
	}

	// The last transient status goes back to the rpc client, which turns it into rpc.HTTPError.
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

// attempt sends one copy of req and buffers the response body so the
// per-attempt deadline can be released before the caller reads it.
func (t *retryTransport) attempt(req *http.Request, body []byte) (*http.Response, error) {
	ctx := req.Context()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	r := req.Clone(ctx)
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }

	resp, err := t.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp, nil
}

// throttle blocks until the next request slot is free.
func (t *retryTransport) throttle(ctx context.Context) error {
	if t.minInterval <= 0 {
		return nil
	}

	t.throttleMu.Lock()
	now := time.Now()
	slot := t.nextSlot
	if slot.Before(now) {
		slot = now
	}
	t.nextSlot = slot.Add(t.minInterval)
	t.throttleMu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withJitter adds up to half of d as random jitter.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d/2+1)
}
