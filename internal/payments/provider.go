package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentState is the provider's view of an authorization.
type IntentState string

const (
	StateAuthorized     IntentState = "authorized"
	StatePaid           IntentState = "paid"
	StateCanceled       IntentState = "canceled"
	StateRequiresAction IntentState = "requires_action"
	StateFailed         IntentState = "failed"
)

type IntentRequest struct {
	ContractID     uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	ExternalRef string
	CheckoutURL string // empty for direct (non-redirect) providers
}

// Provider is the payment authority the escrow engine talks to. Capture and
// CancelAuthorization must have effect at most once per idempotency key.
//
// Keys are derived from the contract id but are not the bare id: each
// operation gets its own suffix (see CaptureKey, CancelKey) because providers
// such as Stripe scope a key to one endpoint and reject its reuse elsewhere.
// A capture racing a cancel on the same contract is still settled by the
// provider, which refuses to capture a canceled authorization and the reverse.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	FetchIntentStatus(ctx context.Context, externalRef string) (IntentState, error)
	Capture(ctx context.Context, externalRef, idempotencyKey string) error
	CancelAuthorization(ctx context.Context, externalRef, idempotencyKey string) error
}

// Idempotency keys are scoped per contract and per provider operation.
func IntentKey(contractID uuid.UUID) string  { return contractID.String() + ":intent" }
func CaptureKey(contractID uuid.UUID) string { return contractID.String() + ":capture" }
func CancelKey(contractID uuid.UUID) string  { return contractID.String() + ":cancel" }

type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// ProviderError wraps every failure reported by a Provider.
type ProviderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) *ProviderError {
	return &ProviderError{Kind: Transient, Op: op, Err: err}
}

func NewPermanent(op string, err error) *ProviderError {
	return &ProviderError{Kind: Permanent, Op: op, Err: err}
}

func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == Transient
}

func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// IsProviderError reports whether err came from the payment provider.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
