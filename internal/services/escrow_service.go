package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/events"
	"github.com/produce-export/backend/internal/metrics"
	"github.com/produce-export/backend/internal/models"
	"github.com/produce-export/backend/internal/payments"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ContractStore is the durable home of escrow contracts. PutIfUnchanged must
// fail with ErrConcurrentModification when the stored version differs.
type ContractStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error)
	Insert(ctx context.Context, c *models.EscrowContract) error
	PutIfUnchanged(ctx context.Context, c *models.EscrowContract, expectedVersion int) error
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// RFQChecker verifies that an RFQ reference points at a real request.
type RFQChecker interface {
	Exists(ctx context.Context, rfqID string) (bool, error)
}

type EscrowConfig struct {
	FeeBPS      int
	CASAttempts int
	Call        payments.CallPolicy
}

// Actor is the caller of an operation, recorded on milestones and audit rows.
type Actor struct {
	UserID       *uuid.UUID
	Role         string
	Name         string
	Organisation string
}

var systemActor = Actor{Role: "system"}

func (a Actor) milestoneActor() *models.Actor {
	if a.Role == "" {
		return nil
	}
	return &models.Actor{Role: a.Role, Name: a.Name, Organisation: a.Organisation}
}

type EscrowService struct {
	store     ContractStore
	provider  payments.Provider
	auditRepo AuditStore
	rfqs      RFQChecker
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       EscrowConfig
	log       *zap.Logger
	now       func() time.Time
}

// NewEscrowService wires the lifecycle engine. auditRepo, rfqs, publisher and
// m may be nil.
func NewEscrowService(
	store ContractStore,
	provider payments.Provider,
	auditRepo AuditStore,
	rfqs RFQChecker,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg EscrowConfig,
	log *zap.Logger,
) *EscrowService {
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = 3
	}
	if cfg.Call.MaxAttempts <= 0 {
		cfg.Call = payments.DefaultCallPolicy()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EscrowService{
		store:     store,
		provider:  provider,
		auditRepo: auditRepo,
		rfqs:      rfqs,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type InitRequest struct {
	RFQID              string
	LotID              *string
	PassportID         *string
	Buyer              models.Party
	Seller             models.Party
	Amount             decimal.Decimal
	Currency           models.Currency
	RequireInspection  *bool
	InspectionProvider *string
	InspectionLocation *string
}

func (r *InitRequest) validate() error {
	rfq := strings.TrimSpace(r.RFQID)
	switch {
	case rfq == "":
		return invalid("rfq_id", "is required")
	case len(rfq) > 128:
		return invalid("rfq_id", "is too long")
	case strings.IndexFunc(rfq, func(c rune) bool { return unicode.IsSpace(c) || unicode.IsControl(c) }) >= 0:
		return invalid("rfq_id", "must not contain whitespace")
	}
	r.RFQID = rfq
	if !r.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if !models.HasMinorUnits(r.Amount) {
		return invalid("amount", "must have at most 2 decimal places")
	}
	if !r.Currency.Valid() {
		return invalid("currency", fmt.Sprintf("unsupported currency %q", r.Currency))
	}
	return nil
}

// Init creates a contract and opens a payment authorization for it. Nothing
// is stored unless both the provider call and the insert succeed.
func (s *EscrowService) Init(ctx context.Context, req InitRequest, actor Actor) (*models.EscrowContract, string, error) {
	if err := req.validate(); err != nil {
		return nil, "", err
	}
	if s.rfqs != nil {
		ok, err := s.rfqs.Exists(ctx, req.RFQID)
		if err != nil {
			return nil, "", fmt.Errorf("check rfq: %w", err)
		}
		if !ok {
			return nil, "", invalid("rfq_id", "unknown rfq")
		}
	}

	fees, err := models.CalculateFees(req.Amount, s.cfg.FeeBPS)
	if err != nil {
		return nil, "", invalid("amount", err.Error())
	}

	id := uuid.New()
	metadata := map[string]string{"contract_id": id.String(), "rfq_id": req.RFQID}
	if req.LotID != nil {
		metadata["lot_id"] = *req.LotID
	}

	var intent *payments.Intent
	err = s.call(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = s.provider.CreateIntent(ctx, payments.IntentRequest{
			ContractID:     id,
			Amount:         req.Amount,
			Currency:       string(req.Currency),
			Description:    fmt.Sprintf("Escrow deposit for RFQ %s", req.RFQID),
			Metadata:       metadata,
			IdempotencyKey: payments.IntentKey(id),
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}

	required := true
	if req.RequireInspection != nil {
		required = *req.RequireInspection
	}
	now := s.now()
	c := &models.EscrowContract{
		ID:         id,
		RFQID:      req.RFQID,
		LotID:      req.LotID,
		PassportID: req.PassportID,
		Buyer:      req.Buyer,
		Seller:     req.Seller,
		Amounts: models.Amounts{
			Amount:    req.Amount,
			Currency:  req.Currency,
			FeeAmount: fees.FeeAmount,
			NetAmount: fees.NetAmount,
		},
		Inspection: models.Inspection{
			Required:     required,
			ProviderName: req.InspectionProvider,
			Location:     req.InspectionLocation,
			Result:       models.InspectionPending,
		},
		ExternalPaymentRef: intent.ExternalRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if intent.CheckoutURL != "" {
		u := intent.CheckoutURL
		c.CheckoutURL = &u
	}
	s.advance(c, models.MilestoneContractCreated, "Escrow contract created", "", actor, now)
	s.advance(c, models.MilestoneDepositRequested, "Deposit requested", fmt.Sprintf("%s %s", req.Amount.StringFixed(2), req.Currency), systemActor, now)

	if err := s.store.Insert(ctx, c); err != nil {
		s.abandonIntent(ctx, c)
		return nil, "", fmt.Errorf("store escrow: %w", err)
	}

	s.log.Info("escrow created",
		zap.String("escrow_id", c.ID.String()),
		zap.String("rfq_id", c.RFQID),
		zap.String("amount", c.Amounts.Amount.String()),
		zap.String("currency", string(c.Amounts.Currency)),
	)
	s.recordTransition(ctx, models.EscrowStatusDraft, c, actor, events.EventEscrowCreated)
	return c, intent.CheckoutURL, nil
}

// abandonIntent releases an intent whose contract could not be stored.
func (s *EscrowService) abandonIntent(ctx context.Context, c *models.EscrowContract) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Call.Timeout)
	defer cancel()
	if err := s.provider.CancelAuthorization(cctx, c.ExternalPaymentRef, payments.CancelKey(c.ID)); err != nil {
		s.log.Error("failed to cancel orphaned intent",
			zap.String("escrow_id", c.ID.String()),
			zap.String("external_ref", c.ExternalPaymentRef),
			zap.Error(err),
		)
	}
}

// Sync pulls the provider's view of the authorization into the contract. It
// is safe to repeat; milestones are appended only on an actual status change.
func (s *EscrowService) Sync(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error) {
	return s.mutate(ctx, id, systemActor, func(cur *models.EscrowContract) (*models.EscrowContract, error) {
		if cur.Status.IsTerminal() || cur.ExternalPaymentRef == "" {
			return nil, nil
		}

		var state payments.IntentState
		err := s.call(ctx, "fetch_intent_status", func(ctx context.Context) error {
			var err error
			state, err = s.provider.FetchIntentStatus(ctx, cur.ExternalPaymentRef)
			return err
		})
		if err != nil {
			return nil, err
		}
		return s.applyProviderState(cur, state), nil
	})
}

func (s *EscrowService) applyProviderState(cur *models.EscrowContract, state payments.IntentState) *models.EscrowContract {
	now := s.now()
	switch state {
	case payments.StateAuthorized, payments.StatePaid:
		if cur.Status.Rank() >= models.EscrowStatusFunded.Rank() {
			return nil
		}
		next := cur.Clone()
		s.advance(next, models.MilestoneDepositReceived, "Deposit received", "Payment authorized and held", systemActor, now)
		return next
	case payments.StateCanceled, payments.StateFailed:
		next := cur.Clone()
		s.advance(next, models.MilestoneCancelled, "Escrow cancelled", fmt.Sprintf("Payment %s at provider", state), systemActor, now)
		return next
	}
	return nil
}

// Release applies an inspection verdict: capture and release on pass, cancel
// the hold and refund on fail. A contract still awaiting its deposit is
// synced first.
func (s *EscrowService) Release(ctx context.Context, id uuid.UUID, verdict models.Verdict, notes *string, actor Actor) (*models.EscrowContract, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.EscrowStatusDraft || cur.Status == models.EscrowStatusAwaitingDeposit {
		if cur.Inspection.Required && !verdict.Valid() {
			return nil, ErrInvalidVerdict
		}
		synced, err := s.Sync(ctx, id)
		if err != nil {
			return synced, err
		}
		if !synced.Status.IsFunded() && !synced.Status.IsTerminal() {
			return synced, ErrNotYetFunded
		}
	}

	return s.mutate(ctx, id, actor, func(cur *models.EscrowContract) (*models.EscrowContract, error) {
		action, err := models.Adjudicate(cur.Status, cur.Inspection.Required, verdict)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		now := s.now()
		switch action {
		case models.ActionCaptureRelease:
			if err := s.call(ctx, "capture", func(ctx context.Context) error {
				return s.provider.Capture(ctx, cur.ExternalPaymentRef, payments.CaptureKey(cur.ID))
			}); err != nil {
				return nil, err
			}
			if cur.Inspection.Required {
				next.Inspection.Result = models.InspectionPassed
				next.Inspection.CompletedAt = &now
				next.Inspection.Notes = notes
				s.advance(next, models.MilestoneInspectionPassed, "Inspection passed", deref(notes), actor, now)
			}
			s.advance(next, models.MilestoneReleaseRequested, "Release requested", "", actor, now)
			s.advance(next, models.MilestoneReleased, "Funds released", fmt.Sprintf("%s %s to seller", cur.Amounts.NetAmount.StringFixed(2), cur.Amounts.Currency), systemActor, now)

		case models.ActionCancelRefund:
			if err := s.call(ctx, "cancel_authorization", func(ctx context.Context) error {
				return s.provider.CancelAuthorization(ctx, cur.ExternalPaymentRef, payments.CancelKey(cur.ID))
			}); err != nil {
				return nil, err
			}
			next.Inspection.Result = models.InspectionFailed
			next.Inspection.CompletedAt = &now
			next.Inspection.Notes = notes
			s.advance(next, models.MilestoneInspectionFailed, "Inspection failed", deref(notes), actor, now)
			s.advance(next, models.MilestoneRefunded, "Deposit refunded", "Authorization released to buyer", systemActor, now)
		}
		return next, nil
	})
}

// ScheduleInspection records the inspection booking on a funded contract.
func (s *EscrowService) ScheduleInspection(ctx context.Context, id uuid.UUID, providerName, location string, actor Actor) (*models.EscrowContract, error) {
	providerName = strings.TrimSpace(providerName)
	if providerName == "" {
		return nil, invalid("provider_name", "is required")
	}

	return s.mutate(ctx, id, actor, func(cur *models.EscrowContract) (*models.EscrowContract, error) {
		switch {
		case cur.Status.IsTerminal():
			return nil, ErrAlreadyFinalized
		case cur.Status.Rank() < models.EscrowStatusFunded.Rank():
			return nil, ErrNotYetFunded
		case !cur.Inspection.Required:
			return nil, invalid("inspection", "not required for this contract")
		case cur.Status != models.EscrowStatusFunded:
			return nil, nil
		}

		next := cur.Clone()
		now := s.now()
		next.Inspection.ProviderName = &providerName
		if loc := strings.TrimSpace(location); loc != "" {
			next.Inspection.Location = &loc
		}
		s.advance(next, models.MilestoneInspectionScheduled, "Inspection scheduled", strings.TrimSpace(providerName+" "+location), actor, now)
		return next, nil
	})
}

// Cancel terminates a pre-terminal contract and releases any authorization.
func (s *EscrowService) Cancel(ctx context.Context, id uuid.UUID, reason string, actor Actor) (*models.EscrowContract, error) {
	return s.mutate(ctx, id, actor, func(cur *models.EscrowContract) (*models.EscrowContract, error) {
		if cur.Status.IsTerminal() {
			return nil, ErrAlreadyFinalized
		}
		if cur.ExternalPaymentRef != "" {
			if err := s.call(ctx, "cancel_authorization", func(ctx context.Context) error {
				return s.provider.CancelAuthorization(ctx, cur.ExternalPaymentRef, payments.CancelKey(cur.ID))
			}); err != nil {
				return nil, err
			}
		}
		next := cur.Clone()
		s.advance(next, models.MilestoneCancelled, "Escrow cancelled", strings.TrimSpace(reason), actor, s.now())
		return next, nil
	})
}

func (s *EscrowService) Get(ctx context.Context, id uuid.UUID) (*models.EscrowContract, error) {
	return s.store.Get(ctx, id)
}

func (s *EscrowService) Events(ctx context.Context, id uuid.UUID) ([]models.AuditLog, error) {
	if s.auditRepo == nil {
		return nil, nil
	}
	return s.auditRepo.GetByEntity(ctx, models.AuditEntityEscrow, id, 100, 0)
}

// mutate is the optimistic read-decide-write loop. decide returns the next
// state, nil for no change, or an error; errors are returned together with
// the contract as read. A lost CAS race re-reads and decides again.
func (s *EscrowService) mutate(
	ctx context.Context,
	id uuid.UUID,
	actor Actor,
	decide func(cur *models.EscrowContract) (*models.EscrowContract, error),
) (*models.EscrowContract, error) {
	var cur *models.EscrowContract
	for attempt := 1; attempt <= s.cfg.CASAttempts; attempt++ {
		var err error
		cur, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := decide(cur)
		if err != nil {
			return cur, err
		}
		if next == nil {
			return cur, nil
		}
		if err := checkPath(cur, next); err != nil {
			return cur, err
		}

		err = s.store.PutIfUnchanged(ctx, next, cur.Version)
		if errors.Is(err, ErrConcurrentModification) {
			s.log.Warn("escrow write conflict, retrying",
				zap.String("escrow_id", id.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("store escrow: %w", err)
		}

		if next.Status != cur.Status {
			s.recordTransition(ctx, cur.Status, next, actor, events.EventEscrowStatusChanged)
		}
		return next, nil
	}
	return cur, ErrConcurrentModification
}

// checkPath verifies that every milestone added to next is a legal step.
func checkPath(cur, next *models.EscrowContract) error {
	status := cur.Status
	for _, m := range next.Milestones[len(cur.Milestones):] {
		to, ok := m.Type.ImpliedStatus()
		if !ok {
			continue
		}
		if !models.IsValidEscrowTransition(status, to) {
			return fmt.Errorf("illegal escrow transition %s -> %s", status, to)
		}
		status = to
	}
	if status != next.Status {
		return fmt.Errorf("escrow status %s does not match milestones (%s)", next.Status, status)
	}
	return nil
}

// advance appends a milestone and re-derives status from the ledger.
func (s *EscrowService) advance(c *models.EscrowContract, typ models.MilestoneType, title, description string, actor Actor, now time.Time) {
	m := models.Milestone{
		Type:  typ,
		Date:  now,
		Actor: actor.milestoneActor(),
	}
	if title != "" {
		m.Title = &title
	}
	if description != "" {
		m.Description = &description
	}
	c.Milestones = models.AppendMilestone(c.Milestones, m, now)
	c.Status = models.DeriveStatus(c.Milestones)
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

func (s *EscrowService) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := payments.Call(ctx, s.cfg.Call, op, fn)

	outcome := "ok"
	switch {
	case payments.IsTransient(err):
		outcome = "transient"
	case err != nil:
		outcome = "permanent"
	}
	s.metrics.ObserveProviderCall(op, outcome, time.Since(start))
	if err != nil {
		s.log.Warn("payment provider call failed", zap.String("op", op), zap.String("outcome", outcome), zap.Error(err))
	}
	return err
}

// recordTransition writes the audit row, publishes the event and counts the
// transition. Failures here never undo the stored transition.
func (s *EscrowService) recordTransition(ctx context.Context, oldStatus models.EscrowStatus, c *models.EscrowContract, actor Actor, eventType string) {
	newStatus := c.Status
	s.metrics.ObserveTransition(string(oldStatus), string(newStatus))

	if s.auditRepo != nil {
		if err := s.auditRepo.Log(ctx, models.AuditLog{
			ActorUserID: actor.UserID,
			ActorType:   actorType(actor),
			Action:      fmt.Sprintf("escrow_status_%s_to_%s", oldStatus, newStatus),
			EntityType:  models.AuditEntityEscrow,
			EntityID:    &c.ID,
			Meta:        map[string]any{"old_status": oldStatus, "new_status": newStatus, "version": c.Version},
		}); err != nil {
			s.log.Warn("audit log failed", zap.String("escrow_id", c.ID.String()), zap.Error(err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
			Type: eventType,
			Payload: map[string]any{
				"escrow_id":  c.ID.String(),
				"rfq_id":     c.RFQID,
				"old_status": string(oldStatus),
				"new_status": string(newStatus),
			},
		}); err != nil {
			s.log.Warn("publish escrow event failed", zap.String("escrow_id", c.ID.String()), zap.Error(err))
		}
	}

	s.log.Info("escrow transition",
		zap.String("escrow_id", c.ID.String()),
		zap.String("from", string(oldStatus)),
		zap.String("to", string(newStatus)),
	)
}

func actorType(a Actor) string {
	if a.Role == "" {
		return "system"
	}
	return a.Role
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
