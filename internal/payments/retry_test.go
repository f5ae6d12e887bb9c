package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func fastPolicy() CallPolicy {
	return CallPolicy{Timeout: 50 * time.Millisecond, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestCallRetriesTransient(t *testing.T) {
	calls := 0
	err := Call(context.Background(), fastPolicy(), "capture", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransient("capture", errors.New("rate limited"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestCallStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Call(context.Background(), fastPolicy(), "capture", func(ctx context.Context) error {
		calls++
		return NewPermanent("capture", errors.New("card declined"))
	})
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, calls)
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Call(context.Background(), fastPolicy(), "fetch_intent_status", func(ctx context.Context) error {
		calls++
		return NewTransient("fetch_intent_status", errors.New("502"))
	})
	require.True(t, IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	err := Call(context.Background(), p, "capture", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallWrapsPlainErrorsAsPermanent(t *testing.T) {
	err := Call(context.Background(), fastPolicy(), "capture", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.True(t, IsPermanent(err))
}

func TestMockProviderCaptureOncePerKey(t *testing.T) {
	m := NewMockProvider("", true, nil)
	ctx := context.Background()
	intent, err := m.CreateIntent(ctx, IntentRequest{IdempotencyKey: "c1:intent"})
	require.NoError(t, err)

	require.NoError(t, m.Capture(ctx, intent.ExternalRef, "c1:capture"))
	require.NoError(t, m.Capture(ctx, intent.ExternalRef, "c1:capture"))
	require.Equal(t, 2, m.Calls("capture"))
	require.Equal(t, 1, m.EffectiveCaptures())

	state, err := m.FetchIntentStatus(ctx, intent.ExternalRef)
	require.NoError(t, err)
	require.Equal(t, StatePaid, state)

	err = m.CancelAuthorization(ctx, intent.ExternalRef, "c1:cancel")
	require.True(t, IsPermanent(err))
}

func TestOperationKeysDeriveFromContract(t *testing.T) {
	id := uuid.New()
	keys := []string{IntentKey(id), CaptureKey(id), CancelKey(id)}
	for _, k := range keys {
		require.True(t, strings.HasPrefix(k, id.String()+":"), k)
	}
	require.NotEqual(t, keys[1], keys[2])
	require.Equal(t, CaptureKey(id), CaptureKey(id))
}

func TestMockProviderRefusesCaptureAfterCancel(t *testing.T) {
	m := NewMockProvider("", true, nil)
	ctx := context.Background()
	id := uuid.New()
	intent, err := m.CreateIntent(ctx, IntentRequest{IdempotencyKey: IntentKey(id)})
	require.NoError(t, err)

	require.NoError(t, m.CancelAuthorization(ctx, intent.ExternalRef, CancelKey(id)))
	err = m.Capture(ctx, intent.ExternalRef, CaptureKey(id))
	require.True(t, IsPermanent(err))
	require.Zero(t, m.EffectiveCaptures())
}
