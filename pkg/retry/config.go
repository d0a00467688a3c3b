package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Unlimited makes the executor retry until the operation succeeds.
const Unlimited = -1

var (
	// ErrInvalidPolicy is wrapped by every validation error returned from NewPolicy.
	ErrInvalidPolicy = errors.New("retry: invalid policy")
	// ErrNilPolicy is returned when an executor is called without a policy.
	ErrNilPolicy = errors.New("retry: nil policy")
)

// Jitter is added to every computed delay.
// When Min equals Max the value is added verbatim, otherwise a value
// is drawn uniformly from [Min, Max) on each retry.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// FixedJitter returns a jitter that always adds d.
func FixedJitter(d time.Duration) Jitter {
	return Jitter{Min: d, Max: d}
}

// RangeJitter returns a jitter drawn uniformly from [lo, hi).
func RangeJitter(lo, hi time.Duration) Jitter {
	return Jitter{Min: lo, Max: hi}
}

// IsZero reports whether the jitter adds nothing.
func (j Jitter) IsZero() bool {
	return j.Min == 0 && j.Max == 0
}

// Event describes a single retry decision.
type Event struct {
	// Operation is the name of the retried function, if known.
	Operation string
	// Attempt is the 1-based number of the attempt that failed.
	Attempt int
	// Delay is how long the executor is about to sleep.
	Delay time.Duration
	// Err is the failure that triggered the retry.
	Err error
}

// Config defines retry configuration
type Config struct {
	// RetryOn lists the failure categories that trigger a retry (empty means any error)
	RetryOn []Matcher
	// MaxAttempts is the maximum number of attempts including the first one, or Unlimited
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the pre-jitter delay (0 = unbounded)
	MaxDelay time.Duration
	// Multiplier is applied to the delay after every failed attempt (0 is treated as 1)
	Multiplier float64
	// Jitter is added to each delay
	Jitter Jitter
	// CarryJitter folds jitter into the base delay carried to the next attempt
	// instead of adding it to the current sleep only
	CarryJitter bool
	// OnRetry is called before each sleep for observability
	OnRetry func(Event)
	// Logger, when set, receives a warning per retry
	Logger *slog.Logger
	// Sleeper suspends the caller between attempts (defaults to a context-aware timer)
	Sleeper Sleeper
	// Rand is the jitter source (defaults to the math/rand/v2 global source)
	Rand Rand
}

// DefaultConfig returns a configuration that retries any error forever
// without waiting. It mirrors the zero-cost defaults of the policy surface.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: Unlimited,
		Multiplier:  1,
	}
}

// Policy is a validated, immutable retry configuration.
// It is safe for concurrent use.
type Policy struct {
	matchers     []Matcher
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       Jitter
	carryJitter  bool
	onRetry      func(Event)
	logger       *slog.Logger
	sleeper      Sleeper
	rand         Rand
}

// NewPolicy validates cfg and freezes it into a Policy.
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts == 0 || cfg.MaxAttempts < Unlimited {
		return nil, fmt.Errorf("%w: MaxAttempts must be positive or Unlimited, got %d", ErrInvalidPolicy, cfg.MaxAttempts)
	}
	if cfg.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: InitialDelay cannot be negative", ErrInvalidPolicy)
	}
	if cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("%w: MaxDelay cannot be negative", ErrInvalidPolicy)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	if !(cfg.Multiplier >= 1) || math.IsInf(cfg.Multiplier, 1) {
		return nil, fmt.Errorf("%w: Multiplier must be a finite number >= 1, got %g", ErrInvalidPolicy, cfg.Multiplier)
	}
	if cfg.Jitter.Min < 0 || cfg.Jitter.Max < 0 {
		return nil, fmt.Errorf("%w: Jitter cannot be negative", ErrInvalidPolicy)
	}
	if cfg.Jitter.Min > cfg.Jitter.Max {
		return nil, fmt.Errorf("%w: Jitter.Min cannot be greater than Jitter.Max", ErrInvalidPolicy)
	}
	for i, m := range cfg.RetryOn {
		if m == nil {
			return nil, fmt.Errorf("%w: RetryOn[%d] is nil", ErrInvalidPolicy, i)
		}
	}

	p := &Policy{
		matchers:     append([]Matcher(nil), cfg.RetryOn...),
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		jitter:       cfg.Jitter,
		carryJitter:  cfg.CarryJitter,
		onRetry:      cfg.OnRetry,
		logger:       cfg.Logger,
		sleeper:      cfg.Sleeper,
		rand:         cfg.Rand,
	}
	if p.sleeper == nil {
		p.sleeper = TimerSleeper{}
	}
	if p.rand == nil {
		p.rand = globalRand{}
	}
	return p, nil
}

// MustPolicy is like NewPolicy but panics on an invalid configuration.
// It is meant for package-level policies built from constants.
func MustPolicy(cfg Config) *Policy {
	p, err := NewPolicy(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// MaxAttempts returns the attempt budget, or Unlimited.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// InitialDelay returns the delay before the first retry.
func (p *Policy) InitialDelay() time.Duration { return p.initialDelay }

// MaxDelay returns the pre-jitter delay cap, 0 when unbounded.
func (p *Policy) MaxDelay() time.Duration { return p.maxDelay }

// Multiplier returns the backoff multiplier.
func (p *Policy) Multiplier() float64 { return p.multiplier }

// Jitter returns the configured jitter.
func (p *Policy) Jitter() Jitter { return p.jitter }

// Config returns a copy of the configuration the policy was built from.
// Modifying the result does not affect p.
func (p *Policy) Config() Config {
	return Config{
		RetryOn:      append([]Matcher(nil), p.matchers...),
		MaxAttempts:  p.maxAttempts,
		InitialDelay: p.initialDelay,
		MaxDelay:     p.maxDelay,
		Multiplier:   p.multiplier,
		Jitter:       p.jitter,
		CarryJitter:  p.carryJitter,
		OnRetry:      p.onRetry,
		Logger:       p.logger,
		Sleeper:      p.sleeper,
		Rand:         p.rand,
	}
}

// retryable reports whether err belongs to the policy's retryable set.
func (p *Policy) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if len(p.matchers) == 0 {
		return true
	}
	for _, m := range p.matchers {
		if m(err) {
			return true
		}
	}
	return false
}
