package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"net/url"
	"os"
	"strconv"
	"syscall"
	"time"

	"retrykit/internal/shared"
	"retrykit/pkg/retry"
)

// Client wraps http.Client with logging and retries. Every retry decision
// and backoff sleep goes through a retry.Policy.
type Client struct {
	hc            *stdhttp.Client
	log           *slog.Logger
	policy        *retry.Policy
	retryCfg      retry.Config
	sleeper       retry.Sleeper
	headers       map[string]string
	urlRedactor   func(*url.URL) string
	retryMethods  map[string]struct{}
	retryNonIdem  bool
	maxReplayBody int64
	classify      func(*stdhttp.Response, error) (time.Duration, bool)
}

// Option configures Client.
type Option func(*Client)

// StatusError reports a retryable HTTP status that was still returned by the
// last attempt.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// ErrReplayBodyTooLarge indicates request body exceeds replay limit.
var ErrReplayBodyTooLarge = errors.New("http: body too large for replay")

// WithTimeout sets request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries allows n retries with exponential backoff starting at backoff
// and up to backoff of additional random jitter. Negative n means no retries.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retryCfg.MaxAttempts = n + 1
		if backoff > 0 {
			c.retryCfg.InitialDelay = backoff
		}
	}
}

// WithMaxBackoff limits exponential backoff growth.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.retryCfg.MaxDelay = d }
}

// WithPolicy replaces the backoff built from WithRetries and WithMaxBackoff.
func WithPolicy(p *retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithSleeper sets how the client waits between attempts and for
// Retry-After. Used by tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(c *Client) { c.retryCfg.Sleeper = s }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// WithoutHeaders removes default headers.
func WithoutHeaders(keys ...string) Option {
	return func(c *Client) {
		for _, k := range keys {
			delete(c.headers, k)
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithRetryMethods adds methods allowed for retries.
func WithRetryMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.retryMethods[m] = struct{}{}
		}
	}
}

// WithRetryNonIdempotent allows retries for non-idempotent methods like POST.
func WithRetryNonIdempotent(v bool) Option {
	return func(c *Client) { c.retryNonIdem = v }
}

// WithMaxReplayBodySize limits size of buffered body for retries (0 disables limit).
func WithMaxReplayBodySize(n int64) Option {
	return func(c *Client) { c.maxReplayBody = n }
}

// WithRetryClassifier sets the function deciding whether a response or
// transport error is retried, and the server requested delay if any.
func WithRetryClassifier(f func(*stdhttp.Response, error) (time.Duration, bool)) Option {
	return func(c *Client) {
		if f != nil {
			c.classify = f
		}
	}
}

// New creates configured Client. It panics only if the options describe an
// invalid backoff, which is a programming error.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConnsPerHost = 100
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log: slog.Default(),
		retryCfg: retry.Config{
			MaxAttempts:  1,
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   2,
		},
		maxReplayBody: 1 << 20,
		classify:      retryInfo,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodTrace:   {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}

	if c.policy == nil {
		cfg := c.retryCfg
		cfg.Jitter = retry.RangeJitter(0, cfg.InitialDelay)
		cfg.Logger = c.log
		c.policy = retry.MustPolicy(cfg)
	}
	c.sleeper = c.policy.Config().Sleeper
	if c.sleeper == nil {
		c.sleeper = retry.TimerSleeper{}
	}
	return c
}

// Policy returns the retry policy used for idempotent requests.
func (c *Client) Policy() *retry.Policy { return c.policy }

// retryAfter parses Retry-After header value.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// redactURL returns redacted URL string.
func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ne, ok := ue.Err.(net.Error); ok && ne.Timeout() {
			return true
		}
		if oe, ok := ue.Err.(*net.OpError); ok {
			if se, ok := oe.Err.(*os.SyscallError); ok {
				switch se.Err {
				case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
					syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
					syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
					return true
				}
			}
		}
		var dnsErr *net.DNSError
		if errors.As(ue.Err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// retryInfo determines if request should be retried and returns optional delay.
func retryInfo(resp *stdhttp.Response, err error) (time.Duration, bool) {
	if err != nil {
		return 0, isRetryableError(err)
	}
	switch resp.StatusCode {
	case 408, 421, 425:
		drainAndClose(resp.Body)
		return 0, true
	default:
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			delay := retryAfter(resp.Header.Get("Retry-After"))
			drainAndClose(resp.Body)
			return delay, true
		}
		return 0, false
	}
}

// Do sends HTTP request with context, logging and retries.
// Non-idempotent methods are attempted once unless the request carries an
// Idempotency-Key header or WithRetryNonIdempotent is set.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	if err := c.bufferBody(req); err != nil {
		return nil, err
	}

	u := c.redactURL(req.URL)
	var pending *StatusError
	attempt := 0

	send := func(ctx context.Context) (*stdhttp.Response, error) {
		attempt++
		if pending != nil && pending.RetryAfter > 0 {
			if err := c.waitRetryAfter(ctx, pending.RetryAfter); err != nil {
				return nil, retry.Permanent(err)
			}
		}
		pending = nil

		resp, err := c.sendOnce(ctx, req)
		delay, again := c.classify(resp, err)
		if resp != nil && resp.StatusCode == stdhttp.StatusMisdirectedRequest {
			if tr, ok := c.hc.Transport.(interface{ CloseIdleConnections() }); ok {
				tr.CloseIdleConnections()
			}
		}

		switch {
		case err != nil && !again:
			return nil, retry.Permanent(err)
		case err != nil:
			return nil, shared.MarkKind(err, shared.KindUnavailable)
		case again:
			pending = &StatusError{Method: req.Method, URL: u, StatusCode: resp.StatusCode, RetryAfter: delay}
			return nil, pending
		}
		return resp, nil
	}

	var resp *stdhttp.Response
	var err error
	if c.retryable(req) {
		resp, err = retry.DoNamed(ctx, c.policy, req.Method+" "+u, send)
	} else {
		resp, err = send(ctx)
		if retry.IsPermanent(err) {
			err = errors.Unwrap(err)
		}
	}

	if err != nil {
		c.log.Warn("http request error", slog.String("method", req.Method), slog.String("url", u), slog.Int("attempts", attempt), slog.Any("error", err))
		return nil, err
	}
	c.log.Info("http request", slog.String("method", req.Method), slog.String("url", u), slog.Int("status", resp.StatusCode), slog.Int("attempts", attempt))
	return resp, nil
}

func (c *Client) retryable(req *stdhttp.Request) bool {
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	return c.retryNonIdem || (req.Method == stdhttp.MethodPost && req.Header.Get("Idempotency-Key") != "")
}

// bufferBody makes the request body replayable across attempts.
func (c *Client) bufferBody(req *stdhttp.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	defer req.Body.Close()

	var r io.Reader = req.Body
	if c.maxReplayBody > 0 {
		r = io.LimitReader(req.Body, c.maxReplayBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if c.maxReplayBody > 0 && int64(len(body)) > c.maxReplayBody {
		return ErrReplayBodyTooLarge
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	req.Body, _ = req.GetBody()
	return nil
}

func (c *Client) sendOnce(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if r.GetBody != nil {
		rc, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = rc
	}
	return c.hc.Do(r)
}

// waitRetryAfter waits for a server requested delay. A delay that would
// outlive the context deadline fails immediately.
func (c *Client) waitRetryAfter(ctx context.Context, d time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.DeadlineExceeded
	}
	return c.sleeper.Sleep(ctx, d)
}
