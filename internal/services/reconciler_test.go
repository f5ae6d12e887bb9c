package services

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/repositories"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ListOpen mirrors EscrowRepo.ListOpen: keyset order on (UpdatedAt, ID),
// truncated to limit.
func (s *memStore) ListOpen(_ context.Context, statuses []models.EscrowStatus, updatedBefore time.Time, after repositories.OpenCursor, limit int) ([]models.EscrowContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	less := func(at time.Time, id uuid.UUID, than time.Time, thanID uuid.UUID) bool {
		if !at.Equal(than) {
			return at.Before(than)
		}
		return bytes.Compare(id[:], thanID[:]) < 0
	}

	var out []models.EscrowContract
	for _, c := range s.contracts {
		if !slices.Contains(statuses, c.Status) || !c.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if !less(after.UpdatedAt, after.ID, c.UpdatedAt, c.ID) {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestReconcilerFundsAndExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid, _, err := h.svc.Init(ctx, initReq("100", true), buyer)
	require.NoError(t, err)
	unpaid, _, err := h.svc.Init(ctx, initReq("200", true), buyer)
	require.NoError(t, err)
	h.fund(t, paid)

	// clock advances a minute per call; a zero stale window sees everything
	r := NewReconciler(h.svc, h.store, ReconcilerConfig{DepositTimeout: time.Minute}, zap.NewNop())

	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Checked)
	require.Equal(t, 1, stats.Funded)
	require.Equal(t, 1, stats.Cancelled)

	got, err := h.svc.Get(ctx, paid.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusFunded, got.Status)

	got, err = h.svc.Get(ctx, unpaid.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusCancelled, got.Status)
	require.Equal(t, 1, h.provider.EffectiveCancels())
}

func TestReconcilerLeavesFreshUnpaidContracts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, _, err := h.svc.Init(ctx, initReq("100", true), buyer)
	require.NoError(t, err)

	r := NewReconciler(h.svc, h.store, ReconcilerConfig{DepositTimeout: 24 * time.Hour}, zap.NewNop())
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Checked)
	require.Zero(t, stats.Cancelled)

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusAwaitingDeposit, got.Status)
}

func TestReconcilerReachesContractsBeyondFirstBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// funded and idle contracts never change on sync
	for i := 0; i < 2; i++ {
		c, _, err := h.svc.Init(ctx, initReq("100", true), buyer)
		require.NoError(t, err)
		h.fund(t, c)
		_, err = h.svc.Sync(ctx, c.ID)
		require.NoError(t, err)
	}
	// unpaid contracts older than the one that was paid
	for i := 0; i < 2; i++ {
		_, _, err := h.svc.Init(ctx, initReq("100", true), buyer)
		require.NoError(t, err)
	}
	late, _, err := h.svc.Init(ctx, initReq("300", true), buyer)
	require.NoError(t, err)
	h.fund(t, late)

	r := NewReconciler(h.svc, h.store, ReconcilerConfig{Batch: 2}, zap.NewNop())

	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Checked)
	require.Zero(t, stats.Funded)

	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Checked)
	require.Equal(t, 1, stats.Funded)

	got, err := h.svc.Get(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusFunded, got.Status)

	// short page wraps back to the oldest unpaid contracts
	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Checked)
}
