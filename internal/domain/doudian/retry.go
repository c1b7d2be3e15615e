package doudian

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRetryPolicy is returned by Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines which outcomes of an API call are retried and how
// long to wait between attempts.
type RetryPolicy struct {
	maxAttempts           int
	interval              time.Duration
	multiplier            float64
	maxDelay              time.Duration
	retryableCodes        map[ErrorCode]struct{}
	tokenCodes            map[ErrorCode]struct{}
	retryOnTransportError bool
}

// DefaultRetryPolicy returns a production-ready retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(3, 500*time.Millisecond).
		WithRetryableCodes(CodeServiceUnavailable, CodeTokenMissing, CodeTokenExpired, CodeTokenInvalid).
		WithTokenCodes(CodeTokenMissing, CodeTokenExpired, CodeTokenInvalid).
		WithRetryOnTransportError(true)
}

// NewRetryPolicy creates a policy with no retryable codes.
func NewRetryPolicy(maxAttempts int, interval time.Duration) *RetryPolicy {
	return &RetryPolicy{
		maxAttempts:    maxAttempts,
		interval:       interval,
		multiplier:     1,
		retryableCodes: map[ErrorCode]struct{}{},
		tokenCodes:     map[ErrorCode]struct{}{},
	}
}

// WithMaxAttempts sets the maximum number of attempts, the first included.
func (p *RetryPolicy) WithMaxAttempts(n int) *RetryPolicy {
	p.maxAttempts = n
	return p
}

// WithInterval sets the delay between attempts.
func (p *RetryPolicy) WithInterval(d time.Duration) *RetryPolicy {
	p.interval = d
	return p
}

// WithBackoff grows the interval by multiplier after each attempt, capped at maxDelay.
func (p *RetryPolicy) WithBackoff(multiplier float64, maxDelay time.Duration) *RetryPolicy {
	p.multiplier = multiplier
	p.maxDelay = maxDelay
	return p
}

// WithRetryableCodes replaces the set of response codes that are retried.
func (p *RetryPolicy) WithRetryableCodes(codes ...ErrorCode) *RetryPolicy {
	p.retryableCodes = codeSet(codes)
	return p
}

// WithTokenCodes replaces the set of retryable codes that also force a
// token refresh before the next attempt.
func (p *RetryPolicy) WithTokenCodes(codes ...ErrorCode) *RetryPolicy {
	p.tokenCodes = codeSet(codes)
	return p
}

// WithRetryOnTransportError toggles retrying network failures.
func (p *RetryPolicy) WithRetryOnTransportError(v bool) *RetryPolicy {
	p.retryOnTransportError = v
	return p
}

func codeSet(codes []ErrorCode) map[ErrorCode]struct{} {
	set := make(map[ErrorCode]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// MaxAttempts returns the maximum number of attempts.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Interval returns the base delay between attempts.
func (p *RetryPolicy) Interval() time.Duration {
	return p.interval
}

// RetryOnTransportError reports whether network failures are retried.
func (p *RetryPolicy) RetryOnTransportError() bool {
	return p.retryOnTransportError
}

// Validate checks the policy invariants.
func (p *RetryPolicy) Validate() error {
	if p.maxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidRetryPolicy, p.maxAttempts)
	}
	if p.interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidRetryPolicy)
	}
	return nil
}

// IsRetryableCode reports whether a response code is retried.
func (p *RetryPolicy) IsRetryableCode(code ErrorCode) bool {
	_, ok := p.retryableCodes[code]
	return ok
}

// RequiresRefresh reports whether a retryable code also calls for a token refresh.
func (p *RetryPolicy) RequiresRefresh(code ErrorCode) bool {
	if !p.IsRetryableCode(code) {
		return false
	}
	_, ok := p.tokenCodes[code]
	return ok
}

// DelayForAttempt calculates the delay after the given attempt.
func (p *RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt <= 0 || p.interval <= 0 {
		return 0
	}
	delay := float64(p.interval)
	for i := 1; i < attempt && p.multiplier > 1; i++ {
		delay *= p.multiplier
	}
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

// WaitForRetry waits for the calculated delay before retry.
// Returns false if the context is cancelled during wait.
func (p *RetryPolicy) WaitForRetry(ctx context.Context, attempt int) bool {
	delay := p.DelayForAttempt(attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Cancelled bool
	Duration  time.Duration
}

// Operation is one attempt. It reports whether the outcome is worth
// another attempt and the error, if any, that the attempt produced.
type Operation func(ctx context.Context, attempt int) (retry bool, err error)

// Executor executes an operation with the retry policy.
type Executor struct {
	policy *RetryPolicy
}

// NewExecutor creates a new retry executor with the given policy.
func NewExecutor(policy *RetryPolicy) *Executor {
	return &Executor{policy: policy}
}

// Execute runs op until it stops asking for a retry, the attempt budget
// is spent, or ctx is cancelled between attempts. A cancellation never
// interrupts an attempt already in flight.
func (e *Executor) Execute(ctx context.Context, op Operation) *RetryResult {
	start := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= e.policy.maxAttempts; attempt++ {
		result.Attempts = attempt

		retry, err := op(ctx, attempt)
		result.LastError = err
		if !retry || attempt >= e.policy.maxAttempts {
			break
		}

		if !e.policy.WaitForRetry(ctx, attempt) {
			result.Cancelled = true
			result.LastError = ctx.Err()
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}
