// Package retry provides bounded retry with exponential backoff around
// remote inference calls. Only overload-class errors are retried; anything
// else propagates immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"

	"incident-analyze-pipeline/metrics"
)

// ErrExhausted is the sentinel wrapped into the returned error once all
// attempts failed with overload-class errors. Callers check it with
// errors.Is to degrade instead of aborting.
var ErrExhausted = errors.New("retry attempts exhausted")

// overloadSignatures are matched case-insensitively against error text to
// classify a failure as transient remote overload.
var overloadSignatures = []string{
	"overloaded",
	"quota",
	"rate limit",
	"resource exhausted",
	"unavailable",
	"429",
	"503",
}

// IsOverload reports whether err looks like a transient overload /
// rate-limit / unavailability failure of the remote service.
func IsOverload(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range overloadSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Policy configures one retry loop. Base is scaled by 2^attempt between
// attempts; distinct call sites use distinct bases to reflect their cost.
type Policy struct {
	// MaxAttempts is the total number of calls made before giving up.
	MaxAttempts int
	// Base is the first backoff interval; wait n is Base * 2^n.
	Base time.Duration
	// Sleep is injectable for tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait interval after failed attempt n (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	return p.Base * (1 << attempt)
}

// Do runs op up to p.MaxAttempts times. A non-overload error aborts
// immediately. When every attempt fails with an overload error the returned
// error wraps both ErrExhausted and the last failure.
func Do[T any](ctx context.Context, p Policy, label string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsOverload(err) {
			return zero, err
		}
		lastErr = err

		if attempt < p.MaxAttempts-1 {
			wait := p.Backoff(attempt)
			metrics.InferenceRetriesTotal.WithLabelValues(label).Inc()
			log.Warnf("%s: overloaded (attempt %d/%d), waiting %s before retry: %v",
				label, attempt+1, p.MaxAttempts, wait, err)
			if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
				return zero, sleepErr
			}
		}
	}

	log.Errorf("%s: giving up after %d attempts: %v", label, p.MaxAttempts, lastErr)
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
