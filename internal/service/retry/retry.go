package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retried call. Every attempt runs under its own Timeout.
type Policy struct {
	Attempts   int           `yaml:"attempts" default:"3" validate:"min=1,max=10"`
	Timeout    time.Duration `yaml:"timeout" default:"5s"`
	BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
	BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Timeout: 5 * time.Second, BackoffMin: 100 * time.Millisecond, BackoffMax: 2 * time.Second}
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempt
// budget runs out, or ctx ends. It reports how many attempts ran and the
// last error, unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = call(ctx, p.Timeout, fn)
		if err == nil {
			return attempt, nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if ctx.Err() != nil {
			return attempt, errors.Join(err, ctx.Err())
		}
		if attempt == p.Attempts {
			return attempt, err
		}

		t := time.NewTimer(Backoff(p.BackoffMin, p.BackoffMax, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, errors.Join(err, ctx.Err())
		}
	}
	return p.Attempts, err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// Backoff is exponential from lo, capped at hi, minus up to 50% jitter.
func Backoff(lo, hi time.Duration, attempt int) time.Duration {
	if lo <= 0 {
		lo = 50 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := hi
	if attempt < 32 {
		exp = lo * time.Duration(1<<uint(attempt-1))
	}
	if exp > hi || exp <= 0 {
		exp = hi
	}
	if half := int64(exp) / 2; half > 0 {
		exp -= time.Duration(rand.Int64N(half))
	}
	return exp
}
