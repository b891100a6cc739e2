// Package transport provides the per-provider HTTP client that enforces a
// request cadence and retries throttled or failed calls with backoff.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"hvcollector/config"
	"hvcollector/logger"
	"hvcollector/models"
)

// Policy configures cadence, per-request timeout and the two retry budgets.
type Policy struct {
	MinInterval         time.Duration
	Timeout             time.Duration
	MaxRateLimitRetries int
	MaxTransportRetries int
	BaseDelay           time.Duration
	RateLimitDelay      time.Duration
	MaxDelay            time.Duration
}

// PolicyFrom maps a provider's config section onto a Policy.
func PolicyFrom(cfg config.ProviderConfig) Policy {
	return Policy{
		MinInterval:         cfg.MinInterval,
		Timeout:             cfg.Timeout,
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
		MaxTransportRetries: cfg.Retry.MaxTransportRetries,
		BaseDelay:           cfg.Retry.BaseDelay,
		RateLimitDelay:      cfg.Retry.RateLimitDelay,
		MaxDelay:            cfg.Retry.MaxDelay,
	}
}

// Observer receives one call per HTTP attempt.
type Observer interface {
	ObserveAttempt(provider models.Provider, outcome string, elapsed time.Duration)
}

// Response is a fully buffered HTTP response plus attempt diagnostics.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Elapsed    time.Duration
}

// Stats is a snapshot of one transport's counters.
type Stats struct {
	Requests  int64
	Attempts  int64
	Throttled int64
	Failures  int64
}

// Transport is shared by every worker talking to one provider. Its limiter
// is the only point of serialization for that provider.
type Transport struct {
	provider models.Provider
	policy   Policy
	client   *http.Client
	limiter  *rate.Limiter
	detect   Detector
	observer Observer
	log      *logger.Log

	requests  int64
	attempts  int64
	throttled int64
	failures  int64
}

type Option func(*Transport)

// WithHTTPClient replaces the client used for the actual network calls.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

func WithDetector(d Detector) Option {
	return func(t *Transport) { t.detect = d }
}

func WithObserver(o Observer) Option {
	return func(t *Transport) { t.observer = o }
}

func WithLogger(l *logger.Log) Option {
	return func(t *Transport) { t.log = l }
}

// New creates the transport for one provider.
func New(provider models.Provider, policy Policy, opts ...Option) *Transport {
	limit := rate.Inf
	if policy.MinInterval > 0 {
		limit = rate.Every(policy.MinInterval)
	}
	t := &Transport{
		provider: provider,
		policy:   policy,
		client:   &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		limiter:  rate.NewLimiter(limit, 1),
		detect:   DetectorFor(provider),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log.WithComponent("transport").WithFields(logger.Fields{
		"provider":               provider,
		"min_interval":           policy.MinInterval.String(),
		"max_rate_limit_retries": policy.MaxRateLimitRetries,
		"max_transport_retries":  policy.MaxTransportRetries,
	}).Debug("transport initialized")
	return t
}

func (t *Transport) Provider() models.Provider { return t.provider }

// Stats returns the counters of this instance.
func (t *Transport) Stats() Stats {
	return Stats{
		Requests:  atomic.LoadInt64(&t.requests),
		Attempts:  atomic.LoadInt64(&t.attempts),
		Throttled: atomic.LoadInt64(&t.throttled),
		Failures:  atomic.LoadInt64(&t.failures),
	}
}

// Client returns an *http.Client whose round trips go through t, for SDKs
// that build their own requests.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// Get issues a GET request for url with the given extra headers.
func (t *Transport) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.NewError(models.KindBadRequest, t.provider, "", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return t.Fetch(req)
}

// Fetch performs req under the limiter and retry policy. Non-throttle 4xx
// responses fail immediately with a BadRequest error; the buffered response
// is still returned so callers can inspect the body.
func (t *Transport) Fetch(req *http.Request) (*Response, error) {
	return t.do(req)
}

// RoundTrip implements http.RoundTripper. Client errors are handed back as
// ordinary responses so SDKs can decode their own error payloads.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.do(req)
	if err != nil {
		var fe *models.FetchError
		if res != nil && errors.As(err, &fe) && fe.Kind == models.KindBadRequest {
			return res.toHTTP(req), nil
		}
		return nil, err
	}
	return res.toHTTP(req), nil
}

func (r *Response) toHTTP(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

func (t *Transport) do(req *http.Request) (*Response, error) {
	ctx := req.Context()
	start := time.Now()
	atomic.AddInt64(&t.requests, 1)

	log := t.log.WithComponent("transport").WithFields(logger.Fields{
		"provider": t.provider,
		"path":     req.URL.Path,
	})

	var throttles, failures int
	for attempt := 1; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, t.fail(models.KindTransport, 0, attempt-1, fmt.Errorf("limiter wait: %w", err))
		}

		atomic.AddInt64(&t.attempts, 1)
		res, err := t.attempt(req)
		if err != nil {
			if ctx.Err() != nil {
				t.observe("cancelled", start)
				return nil, t.fail(models.KindTransport, 0, attempt, ctx.Err())
			}
			failures++
			t.observe("network_error", start)
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Debug("request failed")
			if failures > t.policy.MaxTransportRetries {
				return nil, t.fail(models.KindTransport, 0, attempt, err)
			}
			if err := sleep(ctx, backoff(t.policy.BaseDelay, t.policy.MaxDelay, failures)); err != nil {
				return nil, t.fail(models.KindTransport, 0, attempt, err)
			}
			continue
		}

		res.Attempts = attempt
		res.Elapsed = time.Since(start)

		switch signal := t.detect(res.StatusCode, res.Body); {
		case signal != SignalNone:
			throttles++
			atomic.AddInt64(&t.throttled, 1)
			t.observe("throttled", start)
			fields := logger.Fields{"attempt": attempt, "status": res.StatusCode, "signal": signal.String()}
			log.LogMetric("transport", "rate_limit_exceeded", int64(1), "counter", logger.Fields{"provider": string(t.provider)})
			if throttles > t.policy.MaxRateLimitRetries {
				log.WithFields(fields).Warn("rate limit retries exhausted")
				return res, t.fail(models.KindRateLimited, res.StatusCode, attempt, fmt.Errorf("%s after %d throttled attempts", signal, throttles))
			}
			wait := backoff(t.policy.RateLimitDelay, t.policy.MaxDelay, throttles)
			if ra := retryAfter(res.Header); ra > wait {
				wait = ra
			}
			fields["wait_ms"] = wait.Milliseconds()
			log.WithFields(fields).Warn("rate limit exceeded")
			if err := sleep(ctx, wait); err != nil {
				return nil, t.fail(models.KindTransport, 0, attempt, err)
			}
		case res.StatusCode >= 500:
			failures++
			t.observe("server_error", start)
			if failures > t.policy.MaxTransportRetries {
				return res, t.fail(models.KindTransport, res.StatusCode, attempt, fmt.Errorf("server error: %s", snippet(res.Body)))
			}
			if err := sleep(ctx, backoff(t.policy.BaseDelay, t.policy.MaxDelay, failures)); err != nil {
				return nil, t.fail(models.KindTransport, 0, attempt, err)
			}
		case res.StatusCode >= 400:
			t.observe("client_error", start)
			return res, t.fail(models.KindBadRequest, res.StatusCode, attempt, fmt.Errorf("%s", snippet(res.Body)))
		default:
			t.observe("ok", start)
			return res, nil
		}
	}
}

func (t *Transport) attempt(req *http.Request) (*Response, error) {
	ctx := req.Context()
	cancel := func() {}
	if t.policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.policy.Timeout)
	}
	defer cancel()

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}

	resp, err := t.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (t *Transport) fail(kind models.ErrorKind, status, attempts int, err error) error {
	atomic.AddInt64(&t.failures, 1)
	return &models.FetchError{Kind: kind, Provider: t.provider, Status: status, Attempts: attempts, Err: err}
}

func (t *Transport) observe(outcome string, start time.Time) {
	if t.observer != nil {
		t.observer.ObserveAttempt(t.provider, outcome, time.Since(start))
	}
}

// backoff returns base*2^(n-1) capped at max, with jitter in [d/2, d).
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
