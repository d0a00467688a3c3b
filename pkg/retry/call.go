package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrBadCall is wrapped by Invoke when fn or args do not form a valid call.
var ErrBadCall = errors.New("retry: bad call")

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// Call runs fn under p. It is DoWithResult under a name that reads
// naturally next to Call1 and Call2.
func Call[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, funcName(fn), fn)
}

// Call1 binds a to fn once and runs the resulting closure under p.
// Keyword-style arguments are passed as a single params struct.
func Call1[A, T any](ctx context.Context, p *Policy, fn func(ctx context.Context, a A) (T, error), a A) (T, error) {
	return run(ctx, p, funcName(fn), func(ctx context.Context) (T, error) {
		return fn(ctx, a)
	})
}

// Call2 binds a and b to fn once and runs the resulting closure under p.
func Call2[A, B, T any](ctx context.Context, p *Policy, fn func(ctx context.Context, a A, b B) (T, error), a A, b B) (T, error) {
	return run(ctx, p, funcName(fn), func(ctx context.Context) (T, error) {
		return fn(ctx, a, b)
	})
}

// Invoke calls an arbitrary function value with args under p. It is meant
// for operations chosen at runtime, where the generic helpers cannot be
// instantiated.
//
// fn must return error as its last result. If its first parameter is a
// context.Context, the call context is passed there and args fill the
// remaining parameters. Arguments are checked once, before the first
// attempt; a mismatch returns an error wrapping ErrBadCall and fn is never
// called. The non-error results of the last attempt are returned.
func Invoke(ctx context.Context, p *Policy, fn any, args ...any) ([]any, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrBadCall, fn)
	}
	t := v.Type()
	if t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType {
		return nil, fmt.Errorf("%w: %s must return error as its last result", ErrBadCall, t)
	}

	withCtx := t.NumIn() > 0 && t.In(0) == contextType
	offset := 0
	if withCtx {
		offset = 1
	}
	in, err := bindArgs(t, offset, args)
	if err != nil {
		return nil, err
	}

	return run(ctx, p, funcName(fn), func(ctx context.Context) ([]any, error) {
		callIn := in
		if withCtx {
			callIn = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
		}
		out := v.Call(callIn)
		last := len(out) - 1
		results := make([]any, last)
		for i := range last {
			results[i] = out[i].Interface()
		}
		if e := out[last]; !e.IsNil() {
			return results, e.Interface().(error)
		}
		return results, nil
	})
}

// bindArgs converts args into reflect values matching t's parameters from offset on.
func bindArgs(t reflect.Type, offset int, args []any) ([]reflect.Value, error) {
	want := t.NumIn() - offset
	if t.IsVariadic() {
		if len(args) < want-1 {
			return nil, fmt.Errorf("%w: %s needs at least %d arguments, got %d", ErrBadCall, t, want-1, len(args))
		}
	} else if len(args) != want {
		return nil, fmt.Errorf("%w: %s needs %d arguments, got %d", ErrBadCall, t, want, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		idx := offset + i
		var pt reflect.Type
		if t.IsVariadic() && idx >= t.NumIn()-1 {
			pt = t.In(t.NumIn() - 1).Elem()
		} else {
			pt = t.In(idx)
		}

		if a == nil {
			switch pt.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
				in[i] = reflect.Zero(pt)
				continue
			default:
				return nil, fmt.Errorf("%w: argument %d: nil is not a valid %s", ErrBadCall, i, pt)
			}
		}
		av := reflect.ValueOf(a)
		if !av.Type().AssignableTo(pt) {
			return nil, fmt.Errorf("%w: argument %d: %s is not assignable to %s", ErrBadCall, i, av.Type(), pt)
		}
		in[i] = av
	}
	return in, nil
}
