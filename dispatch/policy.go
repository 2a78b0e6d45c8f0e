package dispatch

import (
	"slices"
	"time"

	"github.com/liamcoop/eventrules/rules"
)

// RetryPolicy controls asynchronous action attempts.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`
	// Backoff[i] is the wait after failed attempt i+1; the last entry
	// repeats for later attempts.
	Backoff           []time.Duration `json:"backoff"`
	NonRetryableKinds []string        `json:"non_retryable_kinds,omitempty"`
}

// DefaultRetryPolicy is 3 attempts of at most 300s each, waiting 5s, 30s
// and then 120s between them. Configuration errors are never retried.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Timeout:           300 * time.Second,
		Backoff:           []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second},
		NonRetryableKinds: []string{KindConfiguration},
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Retryable reports whether a failed attempt may be retried, ignoring the
// attempt budget.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil || IsNonRetryable(err) {
		return false
	}
	return !slices.Contains(p.NonRetryableKinds, ErrorKind(err))
}

// ShouldRetry reports whether another attempt follows failed attempt n.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && p.Retryable(err)
}

// WithOverride applies a per-action override. Zero override fields keep
// the policy's values; non-retryable kinds are added, not replaced.
func (p RetryPolicy) WithOverride(o *rules.RetryOverride) RetryPolicy {
	out := RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		Timeout:           p.Timeout,
		Backoff:           slices.Clone(p.Backoff),
		NonRetryableKinds: slices.Clone(p.NonRetryableKinds),
	}
	if o == nil {
		return out
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.TimeoutSeconds > 0 {
		out.Timeout = time.Duration(o.TimeoutSeconds) * time.Second
	}
	if len(o.BackoffSeconds) > 0 {
		out.Backoff = make([]time.Duration, len(o.BackoffSeconds))
		for i, s := range o.BackoffSeconds {
			out.Backoff[i] = time.Duration(s) * time.Second
		}
	}
	for _, k := range o.NonRetryable {
		if !slices.Contains(out.NonRetryableKinds, k) {
			out.NonRetryableKinds = append(out.NonRetryableKinds, k)
		}
	}
	return out
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy().Timeout
	}
	return p
}
