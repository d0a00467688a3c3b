package retry

import "errors"

// Matcher decides whether an error belongs to a retryable category.
type Matcher func(err error) bool

// Any matches every non-nil error.
func Any() Matcher {
	return func(err error) bool { return err != nil }
}

// On matches errors that wrap any of targets (errors.Is).
func On(targets ...error) Matcher {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// OnType matches errors that have an E in their chain (errors.As).
//
//	retry.OnType[*net.OpError]()
func OnType[E error]() Matcher {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// If adapts a plain predicate.
func If(pred func(error) bool) Matcher {
	return Matcher(pred)
}

// Not inverts m.
func Not(m Matcher) Matcher {
	return func(err error) bool { return !m(err) }
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that the executor returns it immediately,
// whatever the policy's matchers say. The mark is stripped before the
// executor returns, so callers see err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// unmark strips a top-level Permanent mark.
func unmark(err error) error {
	if pe, ok := err.(*permanentError); ok {
		return pe.err
	}
	return err
}
