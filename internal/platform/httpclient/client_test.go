package httpclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrykit/internal/platform/httpclient"
	"retrykit/internal/shared"
	"retrykit/pkg/retry"
)

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// recordingSleeper returns immediately and remembers requested waits.
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// flaky answers with the given statuses in order, then 200.
func flaky(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if int(n) <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts
}

func newClient(s *recordingSleeper, opts ...httpclient.Option) *httpclient.Client {
	base := []httpclient.Option{httpclient.WithLogger(discard()), httpclient.WithSleeper(s)}
	return httpclient.New(append(base, opts...)...)
}

func get(t *testing.T, c *httpclient.Client, target string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return c.Do(context.Background(), req)
}

func TestClient_Do_RetryableStatuses(t *testing.T) {
	for _, status := range []int{
		http.StatusInternalServerError,
		http.StatusRequestTimeout,
		http.StatusMisdirectedRequest,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, attempts := flaky(t, status)
			c := newClient(&recordingSleeper{}, httpclient.WithRetries(1, 0))

			resp, err := get(t, c, srv.URL)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, int32(2), atomic.LoadInt32(attempts))
		})
	}
}

func TestClient_Do_NonRetryableStatusIsReturned(t *testing.T) {
	srv, attempts := flaky(t, http.StatusNotFound)
	s := &recordingSleeper{}
	c := newClient(s, httpclient.WithRetries(3, 0))

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(attempts))
	assert.Empty(t, s.sleeps)
}

func TestClient_WithRetries_NegativeCountIsSingleAttempt(t *testing.T) {
	srv, attempts := flaky(t, http.StatusServiceUnavailable)
	var c *httpclient.Client
	require.NotPanics(t, func() { c = newClient(&recordingSleeper{}, httpclient.WithRetries(-3, 0)) })
	assert.Equal(t, 1, c.Policy().MaxAttempts())

	_, err := get(t, c, srv.URL)
	var se *httpclient.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(1), atomic.LoadInt32(attempts))
}

func TestClient_Do_ExhaustionReturnsStatusError(t *testing.T) {
	srv, attempts := flaky(t, 500, 500, 500, 500)
	c := newClient(&recordingSleeper{}, httpclient.WithRetries(2, 0))

	_, err := get(t, c, srv.URL)

	var se *httpclient.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, http.MethodGet, se.Method)
	assert.Equal(t, int32(3), atomic.LoadInt32(attempts))
}

func TestClient_Do_RetryNetworkError(t *testing.T) {
	var attempts int32
	rt := rtFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, &net.OpError{
			Op:  "read",
			Net: "tcp",
			Err: &os.SyscallError{Syscall: "read", Err: syscall.ECONNRESET},
		}
	})

	c := newClient(&recordingSleeper{}, httpclient.WithRetries(1, 0), httpclient.WithTransport(rt))

	_, err := get(t, c, "http://example.invalid")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, shared.KindUnavailable, shared.KindOf(err))
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

func TestClient_Do_RetryNetErrClosed(t *testing.T) {
	srv, _ := flaky(t)

	var attempts int
	rt := rtFunc(func(req *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, net.ErrClosed
		}
		return http.DefaultTransport.RoundTrip(req)
	})
	c := newClient(&recordingSleeper{}, httpclient.WithRetries(1, 0), httpclient.WithTransport(rt))

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, attempts)
}

func TestClient_Do_PermanentTransportErrorIsNotRetried(t *testing.T) {
	boom := errors.New("tls: bad certificate")
	var attempts int
	rt := rtFunc(func(req *http.Request) (*http.Response, error) {
		attempts++
		return nil, boom
	})
	s := &recordingSleeper{}
	c := newClient(s, httpclient.WithRetries(3, 0), httpclient.WithTransport(rt))

	_, err := get(t, c, "http://example.invalid")
	require.ErrorIs(t, err, boom)
	assert.False(t, retry.IsPermanent(err))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, s.sleeps)
}

func TestClient_Do_Headers(t *testing.T) {
	var headerA, headerB string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerA = r.Header.Get("X-A")
		headerB = r.Header.Get("X-B")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(&recordingSleeper{},
		httpclient.WithHeaders(map[string]string{"X-A": "1", "X-B": "2"}),
		httpclient.WithoutHeaders("X-B"),
	)

	_, err := get(t, c, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "1", headerA)
	assert.Empty(t, headerB)
}

func TestClient_Do_ContextCancel(t *testing.T) {
	srv, _ := flaky(t, 500, 500)

	c := httpclient.New(httpclient.WithLogger(discard()), httpclient.WithRetries(1, time.Second))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = c.Do(ctx, req)
	require.ErrorIs(t, err, context.Canceled)

	var se *httpclient.StatusError
	assert.ErrorAs(t, err, &se, "last failure is kept")
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Do_ExponentialBackoff(t *testing.T) {
	srv, attempts := flaky(t, 500, 500, 500)
	s := &recordingSleeper{}

	p := retry.MustPolicy(retry.Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2,
		Sleeper:      s,
	})
	c := newClient(s, httpclient.WithPolicy(p))

	_, err := get(t, c, srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(attempts))
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, s.sleeps)
	assert.Same(t, p, c.Policy())
}

func TestClient_Do_DefaultBackoffHasJitter(t *testing.T) {
	srv, _ := flaky(t, 500, 500)
	s := &recordingSleeper{}
	c := newClient(s, httpclient.WithRetries(2, 50*time.Millisecond), httpclient.WithMaxBackoff(60*time.Millisecond))

	_, err := get(t, c, srv.URL)
	require.NoError(t, err)
	require.Len(t, s.sleeps, 2)
	assert.GreaterOrEqual(t, s.sleeps[0], 50*time.Millisecond)
	assert.Less(t, s.sleeps[0], 100*time.Millisecond)
	assert.GreaterOrEqual(t, s.sleeps[1], 60*time.Millisecond, "cap applies before jitter")
	assert.Less(t, s.sleeps[1], 110*time.Millisecond)
}

func TestClient_Do_RetryBody(t *testing.T) {
	var (
		attempts int
		bodies   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(&recordingSleeper{}, httpclient.WithRetries(1, 0))
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "k")

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestClient_Do_BodyTooLarge(t *testing.T) {
	srv, attempts := flaky(t)

	c := newClient(&recordingSleeper{}, httpclient.WithRetries(1, 0), httpclient.WithMaxReplayBodySize(10))
	body := io.NopCloser(strings.NewReader("0123456789ABC"))
	req, err := http.NewRequest(http.MethodPost, srv.URL, body)
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "k")

	_, err = c.Do(context.Background(), req)
	require.ErrorIs(t, err, httpclient.ErrReplayBodyTooLarge)
	assert.Zero(t, atomic.LoadInt32(attempts))
}

func TestClient_Do_PostRetries(t *testing.T) {
	tests := []struct {
		name     string
		opts     []httpclient.Option
		key      string
		attempts int32
	}{
		{name: "no key", attempts: 1},
		{name: "idempotency key", key: "k", attempts: 2},
		{name: "non-idempotent allowed", opts: []httpclient.Option{httpclient.WithRetryNonIdempotent(true)}, attempts: 2},
		{name: "method allowed", opts: []httpclient.Option{httpclient.WithRetryMethods(http.MethodPost)}, attempts: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, attempts := flaky(t, 500)
			c := newClient(&recordingSleeper{}, append(tt.opts, httpclient.WithRetries(1, 0))...)

			req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
			require.NoError(t, err)
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}

			_, _ = c.Do(context.Background(), req)
			assert.Equal(t, tt.attempts, atomic.LoadInt32(attempts))
		})
	}
}

func TestClient_Do_RetryAfter(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &recordingSleeper{}
	p := retry.MustPolicy(retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, Sleeper: s})
	c := newClient(s, httpclient.WithPolicy(p))

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 2 * time.Second}, s.sleeps)
}

func TestClient_Do_RetryAfterBeyondDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(&recordingSleeper{}, httpclient.WithRetries(3, 0))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.Do(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Do_RetryClassifier(t *testing.T) {
	srv, attempts := flaky(t, http.StatusNotFound)

	c := newClient(&recordingSleeper{},
		httpclient.WithRetries(1, 0),
		httpclient.WithRetryClassifier(func(resp *http.Response, err error) (time.Duration, bool) {
			return 0, err == nil && resp.StatusCode == http.StatusNotFound
		}),
	)

	resp, err := get(t, c, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(attempts))
}

func TestClient_Do_LogsRetriesThroughPolicy(t *testing.T) {
	srv, _ := flaky(t, 502)

	var buf strings.Builder
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	c := httpclient.New(
		httpclient.WithLogger(slog.New(slog.NewTextHandler(w, nil))),
		httpclient.WithSleeper(&recordingSleeper{}),
		httpclient.WithRetries(1, 0),
		httpclient.WithURLRedactor(func(u *url.URL) string { return "redacted" }),
	)

	_, err := get(t, c, srv.URL+"/?token=secret")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "operation failed, retrying")
	assert.Contains(t, out, `operation="GET redacted"`)
	assert.Contains(t, out, "attempts=2")
	assert.NotContains(t, out, "secret")
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
