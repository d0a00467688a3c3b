package shared

import "retrykit/pkg/retry"

// RetryOn returns a matcher that accepts errors classified as one of kinds.
//
//	policy, err := retry.NewPolicy(retry.Config{
//	    MaxAttempts: 5,
//	    RetryOn:     []retry.Matcher{shared.RetryOn(shared.KindTimeout, shared.KindUnavailable)},
//	})
func RetryOn(kinds ...Kind) retry.Matcher {
	return func(err error) bool {
		k := KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

// RetryTransient matches errors for which IsTransient is true.
func RetryTransient() retry.Matcher {
	return IsTransient
}
