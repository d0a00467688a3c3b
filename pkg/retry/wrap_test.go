package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unreliableService struct {
	failuresBeforeSuccess int
	calls                 int
	seen                  []string
}

func (s *unreliableService) request(ctx context.Context, msg string) (string, error) {
	s.calls++
	s.seen = append(s.seen, msg)
	if s.failuresBeforeSuccess > 0 {
		s.failuresBeforeSuccess--
		return "", errTransient
	}
	return "ok: " + msg, nil
}

func TestWrap1_RetriesWithSameArgument(t *testing.T) {
	p, s := newTestPolicy(t, Config{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		RetryOn:      []Matcher{On(errTransient)},
	})

	svc := &unreliableService{failuresBeforeSuccess: 2}
	fetch := Wrap1(p, svc.request)

	got, err := fetch(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "ok: hello", got)
	assert.Equal(t, 3, svc.calls)
	assert.Equal(t, []string{"hello", "hello", "hello"}, svc.seen)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, s.sleeps)
}

func TestWrap1_ExhaustionReturnsOriginalError(t *testing.T) {
	const tries = 5
	p, s := newTestPolicy(t, Config{MaxAttempts: tries, InitialDelay: time.Second, Multiplier: 2})

	svc := &unreliableService{failuresBeforeSuccess: 100}
	_, err := Wrap1(p, svc.request)(context.Background(), "Hello")

	assert.Same(t, errTransient, err)
	assert.Equal(t, tries, svc.calls)
	assert.Equal(t, 15*time.Second, s.total())
}

func TestWrap1_ReportsOperationName(t *testing.T) {
	var ops []string
	p, _ := newTestPolicy(t, Config{
		MaxAttempts: 2,
		OnRetry:     func(ev Event) { ops = append(ops, ev.Operation) },
	})

	svc := &unreliableService{failuresBeforeSuccess: 1}
	_, err := Wrap1(p, svc.request)(context.Background(), "x")
	require.NoError(t, err)

	require.Len(t, ops, 1)
	assert.True(t, strings.Contains(ops[0], "request"), "operation name %q", ops[0])
}

func TestWrap_ErrorOnly(t *testing.T) {
	p, s := newTestPolicy(t, Config{MaxAttempts: Unlimited})

	calls := 0
	ping := Wrap(p, func(ctx context.Context) error {
		calls++
		if calls < 10 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, ping(context.Background()))
	assert.Equal(t, 10, calls)
	assert.Len(t, s.sleeps, 9)

	calls = 0
	require.NoError(t, ping(context.Background()))
	assert.Equal(t, 10, calls, "each call runs its own attempt state")
}

func TestWrapWithResult(t *testing.T) {
	p, _ := newTestPolicy(t, Config{MaxAttempts: 3})

	calls := 0
	get := WrapWithResult(p, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 7, nil
	})

	v, err := get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestWrap2_PassesBothArguments(t *testing.T) {
	p, _ := newTestPolicy(t, Config{MaxAttempts: 3})

	type call struct {
		a string
		b int
	}
	var calls []call
	join := Wrap2(p, func(ctx context.Context, a string, b int) (string, error) {
		calls = append(calls, call{a, b})
		if len(calls) < 2 {
			return "", errTransient
		}
		return strings.Repeat(a, b), nil
	})

	got, err := join(context.Background(), "ab", 3)
	require.NoError(t, err)
	assert.Equal(t, "ababab", got)
	assert.Equal(t, []call{{"ab", 3}, {"ab", 3}}, calls)
}

func TestWrap_NonMatchingError(t *testing.T) {
	p, s := newTestPolicy(t, Config{MaxAttempts: 5, RetryOn: []Matcher{On(errTransient)}})

	boom := errors.New("boom")
	calls := 0
	err := Wrap(p, func(ctx context.Context) error {
		calls++
		return boom
	})(context.Background())

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.sleeps)
}

func TestFuncName(t *testing.T) {
	assert.Contains(t, funcName(TestFuncName), "TestFuncName")
	assert.Empty(t, funcName(42))

	var nilFn func()
	assert.Empty(t, funcName(nilFn))
}
