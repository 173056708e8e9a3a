package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	// _attemptTimeout bounds each individual upstream attempt.
	_attemptTimeout = 10 * time.Second

	// _initialBackoff is doubled after each retry.
	_initialBackoff = 500 * time.Millisecond

	// _maxRetries caps retries, so a request is attempted at most
	// _maxRetries+1 times.
	_maxRetries = 1

	// _maxResponseBytes bounds how much of an upstream response we'll buffer.
	_maxResponseBytes = int64(10 << 20)
)

// NewUpstream creates an http.Client for talking to the upstream catalog:
// requests are pinned to host, throttled to stay inside the upstream's
// budget, retried on transient failure, and 4xx/5xx responses are surfaced
// as statusErr.
func NewUpstream(host string, reg *prometheus.Registry) *http.Client {
	return &http.Client{
		Transport: throttledTransport{
			Limiter: rate.NewLimiter(rate.Every(time.Second/3), 1),
			RoundTripper: retryTransport{
				metrics: newUpstreamMetrics(reg),
				RoundTripper: ScopedTransport{
					Host: host,
					RoundTripper: &HeaderTransport{
						Key:   "Accept",
						Value: "application/json",
						RoundTripper: errorProxyTransport{
							RoundTripper: http.DefaultTransport,
						},
					},
				},
			},
		},
	}
}

// throttledTransport rate limits outbound requests.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport restricts requests to a particular host.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects
// can't send us elsewhere.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Best used with a
// ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip always sets the header on the request.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so callers can map upstream failures by status.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

// retryTransport retries transient failures with doubling backoff. Only
// transport failures and server errors (status >= 500) are retried; client
// errors are returned immediately for the caller to interpret. Each attempt
// carries its own timeout. On exhaustion the final failure is surfaced.
type retryTransport struct {
	http.RoundTripper
	metrics *upstreamMetrics
}

func (t retryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	backoff := _initialBackoff

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= _maxRetries; attempt++ {
		if attempt > 0 {
			t.metrics.retryInc()
			select {
			case <-time.After(backoff):
			case <-r.Context().Done():
				return nil, r.Context().Err()
			}
			backoff *= 2
		}

		req, rerr := replayable(r)
		if rerr != nil {
			return nil, rerr
		}

		t.metrics.attemptInc()
		resp, err = t.attempt(req)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || r.Context().Err() != nil {
			return nil, err
		}
		Log(r.Context()).Warn("retrying upstream request", "attempt", attempt+1, "err", err)
	}

	return resp, err
}

// attempt performs one round trip under _attemptTimeout. The body is
// buffered before the timeout is released so callers never read from a
// cancelled response.
func (t retryTransport) attempt(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), _attemptTimeout)
	defer cancel()

	resp, err := t.RoundTripper.RoundTrip(r.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, _maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// replayable clones the request with a fresh body so it can be re-sent.
func replayable(r *http.Request) (*http.Request, error) {
	req := r.Clone(r.Context())
	if r.Body == nil || r.GetBody == nil {
		return req, nil
	}
	body, err := r.GetBody()
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// retryable reports whether an attempt's failure warrants another try.
// Server errors and transport failures do; anything carrying a 4xx status
// does not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if status, ok := upstreamStatus(err); ok {
		return status >= 500
	}
	return true
}
