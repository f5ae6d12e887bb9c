package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/repositories"
	"go.uber.org/zap"
)

// OpenContractLister finds contracts that may need a provider check.
type OpenContractLister interface {
	ListOpen(ctx context.Context, statuses []models.EscrowStatus, updatedBefore time.Time, after repositories.OpenCursor, limit int) ([]models.EscrowContract, error)
}

type ReconcilerConfig struct {
	Stale          time.Duration // skip contracts touched more recently
	DepositTimeout time.Duration // cancel unpaid contracts older than this; 0 disables
	Batch          int
}

// Reconciler catches up contracts whose buyer never came back from checkout
// and expires deposits that were never made. Each run continues from where
// the previous batch stopped and wraps around once a short page comes back.
type Reconciler struct {
	escrow *EscrowService
	lister OpenContractLister
	cfg    ReconcilerConfig
	log    *zap.Logger

	mu     sync.Mutex
	cursor repositories.OpenCursor
}

func NewReconciler(escrow *EscrowService, lister OpenContractLister, cfg ReconcilerConfig, log *zap.Logger) *Reconciler {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{escrow: escrow, lister: lister, cfg: cfg, log: log}
}

type ReconcileStats struct {
	Checked   int
	Funded    int
	Cancelled int
	Failed    int
}

// Only unfunded contracts can move forward on a provider check.
var unfundedStatuses = []models.EscrowStatus{
	models.EscrowStatusDraft,
	models.EscrowStatusAwaitingDeposit,
}

func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats ReconcileStats
	now := r.escrow.now()

	contracts, err := r.lister.ListOpen(ctx, unfundedStatuses, now.Add(-r.cfg.Stale), r.cursor, r.cfg.Batch)
	if err != nil {
		return stats, err
	}
	if len(contracts) < r.cfg.Batch {
		r.cursor = repositories.OpenCursor{}
	} else {
		last := contracts[len(contracts)-1]
		r.cursor = repositories.OpenCursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}

	for _, c := range contracts {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++

		got, err := r.escrow.Sync(ctx, c.ID)
		if err != nil {
			stats.Failed++
			r.log.Warn("reconcile sync failed", zap.String("escrow_id", c.ID.String()), zap.Error(err))
			continue
		}
		switch {
		case got.Status == models.EscrowStatusFunded && c.Status != models.EscrowStatusFunded:
			stats.Funded++
			continue
		case got.Status == models.EscrowStatusCancelled:
			stats.Cancelled++
			continue
		}

		if r.cfg.DepositTimeout <= 0 || got.Status.IsFunded() || got.Status.IsTerminal() {
			continue
		}
		if now.Sub(got.CreatedAt) < r.cfg.DepositTimeout {
			continue
		}

		_, err = r.escrow.Cancel(ctx, c.ID, "deposit not received in time", systemActor)
		switch {
		case err == nil:
			stats.Cancelled++
			r.log.Info("escrow expired", zap.String("escrow_id", c.ID.String()))
		case errors.Is(err, ErrAlreadyFinalized):
		default:
			stats.Failed++
			r.log.Warn("expire escrow failed", zap.String("escrow_id", c.ID.String()), zap.Error(err))
		}
	}
	return stats, nil
}
