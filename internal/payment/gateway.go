package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
)

// CheckoutResult never carries a transport error. The reconciler decides what
// each kind means for the caller.
type CheckoutResult struct {
	Success     bool
	CheckoutURL string
	RetryAfter  time.Duration
	ErrorKind   ErrorKind
	Message     string
}

// CheckoutGateway creates a hosted checkout for a signed parameter set.
type CheckoutGateway interface {
	Checkout(ctx context.Context, params map[string]string) CheckoutResult
}

type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type checkoutResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	CheckoutURL string `json:"checkoutUrl"`
}

func (g *HTTPGateway) Checkout(ctx context.Context, params map[string]string) CheckoutResult {
	body, err := json.Marshal(params)
	if err != nil {
		return CheckoutResult{ErrorKind: KindRejected, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return CheckoutResult{ErrorKind: KindUnavailable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return CheckoutResult{ErrorKind: KindTimeout, Message: err.Error()}
		}
		return CheckoutResult{ErrorKind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return CheckoutResult{ErrorKind: KindRateLimited, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return CheckoutResult{ErrorKind: KindUnavailable, RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Message: resp.Status}
	}

	var out checkoutResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return CheckoutResult{ErrorKind: KindUnavailable, Message: fmt.Sprintf("decode checkout response: %v", err)}
	}
	if resp.StatusCode >= 400 || out.Code != "00" || out.CheckoutURL == "" {
		return CheckoutResult{ErrorKind: KindRejected, Message: out.Message}
	}

	return CheckoutResult{Success: true, CheckoutURL: out.CheckoutURL}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// retryAfter accepts delta-seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
