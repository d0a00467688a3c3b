// Package retry re-invokes failing operations according to a retry policy:
// attempt budget, initial delay, exponential backoff, delay cap and jitter.
//
// Key Features:
//   - Immutable, validated Policy built once from a Config
//   - Unlimited attempts (MaxAttempts: Unlimited)
//   - Fixed or ranged jitter, optionally carried into the base delay
//   - Error filtering with Matchers (errors.Is, errors.As, predicates)
//   - Permanent errors that bypass retries
//   - Observability hooks (OnRetry callback, slog logger)
//   - Full testability support (injectable Sleeper and Rand)
//   - The final failure is returned exactly as the operation produced it
//
// Basic Usage:
//
//	policy, err := retry.NewPolicy(retry.Config{
//	    MaxAttempts:  4,
//	    InitialDelay: 200 * time.Millisecond,
//	    Multiplier:   2,
//	    Jitter:       retry.RangeJitter(0, 100*time.Millisecond),
//	    RetryOn:      []retry.Matcher{retry.On(ErrTransient)},
//	})
//	if err != nil {
//	    return err
//	}
//	err = retry.Do(ctx, policy, func(ctx context.Context) error {
//	    return someNetworkOperation(ctx)
//	})
//
// Wrapping a function once:
//
//	fetch := retry.Wrap1(policy, client.Fetch)
//	resp, err := fetch(ctx, "https://example.com")
//
// Binding arguments at the call site:
//
//	resp, err := retry.Call1(ctx, policy, client.Fetch, url)
//
// Calling a function chosen at runtime:
//
//	out, err := retry.Invoke(ctx, policy, handlers[name], payload)
//
// Delay computation:
//
// Before every retry the base delay is clamped to MaxDelay, then jitter is
// added; the sum is the sleep. The next base delay is the clamped value times
// Multiplier. Jitter is never clamped, so a sleep may exceed MaxDelay.
// With CarryJitter the sleep is the clamped base and jitter is added to the
// next base delay instead.
//
// Cancellation:
//
// The default Sleeper returns as soon as ctx is done; Do then reports an
// *InterruptedError carrying both ctx.Err() and the last failure. A running
// attempt is never interrupted by the executor itself.
package retry
