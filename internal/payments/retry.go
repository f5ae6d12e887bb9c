package payments

import (
	"context"
	"errors"
	"time"
)

// CallPolicy bounds a single logical provider call.
type CallPolicy struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Timeout:     12 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Call runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff. A timed-out attempt is transient. Errors that are not
// ProviderErrors are wrapped as permanent.
func Call(ctx context.Context, p CallPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.BaseBackoff

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return NewTransient(op, ctx.Err())
			case <-t.C:
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		err = attempt(ctx, p.Timeout, op, fn)
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

func attempt(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(callCtx)
	switch {
	case err == nil:
		return nil
	case IsProviderError(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return NewTransient(op, err)
	}
	return NewPermanent(op, err)
}
