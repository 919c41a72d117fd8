package ledger

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

// RetryPolicy bounds the attempts made to write a log entry after balances
// have already moved.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Initial: 10 * time.Millisecond, Max: 500 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// delay returns the jittered exponential wait before retry number attempt
// (starting at 1). The result lies in [d/2, d] where d = Initial*2^(attempt-1)
// capped at Max.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound, apperrors.CodeInvalidAmount, apperrors.CodeInvalidState,
		apperrors.CodeConflict, apperrors.CodeUnauthorized:
		return true
	default:
		return false
	}
}

// retry calls fn until it succeeds, fails permanently, or the policy is
// exhausted. It returns the number of attempts made and the last error.
func retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	p = p.normalized()
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil || permanent(err) {
			return attempt, err
		}
		if attempt == p.Attempts {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
	return p.Attempts, err
}
