package retry

import (
	"context"
	"reflect"
	"runtime"
)

// Wrap returns a function with the same signature as fn that retries fn
// according to p. The name of fn is reported in Event.Operation.
//
//	fetch := retry.Wrap(policy, client.Ping)
//	err := fetch(ctx)
func Wrap(p *Policy, fn RetryableFunc) RetryableFunc {
	name := funcName(fn)
	return func(ctx context.Context) error {
		_, err := run(ctx, p, name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		return err
	}
}

// WrapWithResult is Wrap for operations that produce a value.
func WrapWithResult[T any](p *Policy, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	name := funcName(fn)
	return func(ctx context.Context) (T, error) {
		return run(ctx, p, name, fn)
	}
}

// Wrap1 wraps a one-argument operation. The argument given to the returned
// function is passed unchanged to every attempt.
func Wrap1[A, T any](p *Policy, fn func(ctx context.Context, a A) (T, error)) func(ctx context.Context, a A) (T, error) {
	name := funcName(fn)
	return func(ctx context.Context, a A) (T, error) {
		return run(ctx, p, name, func(ctx context.Context) (T, error) {
			return fn(ctx, a)
		})
	}
}

// Wrap2 wraps a two-argument operation.
func Wrap2[A, B, T any](p *Policy, fn func(ctx context.Context, a A, b B) (T, error)) func(ctx context.Context, a A, b B) (T, error) {
	name := funcName(fn)
	return func(ctx context.Context, a A, b B) (T, error) {
		return run(ctx, p, name, func(ctx context.Context) (T, error) {
			return fn(ctx, a, b)
		})
	}
}

// funcName resolves the fully-qualified name of a function value.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}
