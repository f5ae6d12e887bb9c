package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/produce-export/backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("already exists")
	ErrConcurrentModification = errors.New("concurrent modification")
)

const pgUniqueViolation = "23505"

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `
	id, rfq_id, lot_id, passport_id, buyer, seller,
	amount::text, currency, fee_amount::text, net_amount::text,
	status, inspection, external_payment_ref, checkout_url, milestones,
	version, created_at, updated_at`

type escrowRow struct {
	buyer, seller, inspection, milestones []byte
	amount, fee, net                      string
	currency, status                      string
}

func scanEscrow(row pgx.Row) (*models.EscrowContract, error) {
	var c models.EscrowContract
	var r escrowRow
	err := row.Scan(&c.ID, &c.RFQID, &c.LotID, &c.PassportID, &r.buyer, &r.seller,
		&r.amount, &r.currency, &r.fee, &r.net,
		&r.status, &r.inspection, &c.ExternalPaymentRef, &c.CheckoutURL, &r.milestones,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Status = models.EscrowStatus(r.status)
	c.Amounts.Currency = models.Currency(r.currency)
	if c.Amounts.Amount, err = decimal.NewFromString(r.amount); err != nil {
		return nil, fmt.Errorf("escrow %s amount: %w", c.ID, err)
	}
	if c.Amounts.FeeAmount, err = decimal.NewFromString(r.fee); err != nil {
		return nil, fmt.Errorf("escrow %s fee_amount: %w", c.ID, err)
	}
	if c.Amounts.NetAmount, err = decimal.NewFromString(r.net); err != nil {
		return nil, fmt.Errorf("escrow %s net_amount: %w", c.ID, err)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{r.buyer, &c.Buyer},
		{r.seller, &c.Seller},
		{r.inspection, &c.Inspection},
		{r.milestones, &c.Milestones},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("escrow %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

type escrowDocs struct {
	buyer, seller, inspection, milestones []byte
}

func marshalDocs(c *models.EscrowContract) (escrowDocs, error) {
	var d escrowDocs
	var err error
	if d.buyer, err = json.Marshal(c.Buyer); err != nil {
		return d, err
	}
	if d.seller, err = json.Marshal(c.Seller); err != nil {
		return d, err
	}
	if d.inspection, err = json.Marshal(c.Inspection); err != nil {
		return d, err
	}
	milestones := c.Milestones
	if milestones == nil {
		milestones = []models.Milestone{}
	}
	if d.milestones, err = json.Marshal(milestones); err != nil {
		return d, err
	}
	return d, nil
}

func (r *EscrowRepo) Get(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error) {
	c, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_contracts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Insert stores a new contract at version 1.
func (r *EscrowRepo) Insert(ctx context.Context, c *models.EscrowContract) error {
	d, err := marshalDocs(c)
	if err != nil {
		return err
	}
	c.Version = 1
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escrow_contracts (
			id, rfq_id, lot_id, passport_id, buyer, seller,
			amount, currency, fee_amount, net_amount,
			status, inspection, external_payment_ref, checkout_url, milestones,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10::numeric,
			$11, $12, $13, $14, $15, $16, $17, $18)
	`, c.ID, c.RFQID, c.LotID, c.PassportID, d.buyer, d.seller,
		c.Amounts.Amount.String(), string(c.Amounts.Currency), c.Amounts.FeeAmount.String(), c.Amounts.NetAmount.String(),
		string(c.Status), d.inspection, c.ExternalPaymentRef, c.CheckoutURL, d.milestones,
		c.Version, c.CreatedAt, c.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrConflict
	}
	return err
}

// PutIfUnchanged writes c only if the stored row is still at expectedVersion.
// Amounts and references are immutable and not rewritten.
func (r *EscrowRepo) PutIfUnchanged(ctx context.Context, c *models.EscrowContract, expectedVersion int) error {
	d, err := marshalDocs(c)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_contracts
		SET status = $3, inspection = $4, external_payment_ref = $5, checkout_url = $6,
		    milestones = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2
	`, c.ID, expectedVersion, string(c.Status), d.inspection, c.ExternalPaymentRef, c.CheckoutURL,
		d.milestones, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	c.Version = expectedVersion + 1
	return nil
}

// OpenCursor marks where the previous ListOpen page ended. The zero value
// starts from the oldest row.
type OpenCursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// ListOpen returns contracts in one of statuses not updated since
// updatedBefore, ordered by (updated_at, id) and starting after cursor.
func (r *EscrowRepo) ListOpen(ctx context.Context, statuses []models.EscrowStatus, updatedBefore time.Time, after OpenCursor, limit int) ([]models.EscrowContract, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_contracts
		WHERE status = ANY($1) AND updated_at < $2
		  AND (updated_at, id) > ($3, $4)
		ORDER BY updated_at ASC, id ASC
		LIMIT $5
	`, ss, updatedBefore, after.UpdatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EscrowContract
	for rows.Next() {
		c, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
