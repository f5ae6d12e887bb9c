package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowStatus is the cached projection of a contract's milestone list.
type EscrowStatus string

// Escrow statuses
const (
	EscrowStatusDraft             EscrowStatus = "draft"
	EscrowStatusAwaitingDeposit   EscrowStatus = "awaiting_deposit"
	EscrowStatusFunded            EscrowStatus = "funded"
	EscrowStatusInspectionPending EscrowStatus = "inspection_pending"
	EscrowStatusInspectionPassed  EscrowStatus = "inspection_passed"
	EscrowStatusInspectionFailed  EscrowStatus = "inspection_failed"
	EscrowStatusReleased          EscrowStatus = "released"
	EscrowStatusRefunded          EscrowStatus = "refunded"
	EscrowStatusCancelled         EscrowStatus = "cancelled"
)

// statusRank orders statuses; a contract never moves to a lower rank.
var statusRank = map[EscrowStatus]int{
	EscrowStatusDraft:             0,
	EscrowStatusAwaitingDeposit:   1,
	EscrowStatusFunded:            2,
	EscrowStatusInspectionPending: 3,
	EscrowStatusInspectionPassed:  4,
	EscrowStatusInspectionFailed:  4,
	EscrowStatusReleased:          5,
	EscrowStatusRefunded:          5,
	EscrowStatusCancelled:         5,
}

// Rank returns the position of s in the lifecycle partial order, or -1 for
// unknown values.
func (s EscrowStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded || s == EscrowStatusCancelled
}

// IsFunded reports whether an authorization hold exists for the contract.
func (s EscrowStatus) IsFunded() bool {
	return s.Rank() >= statusRank[EscrowStatusFunded] && !s.IsTerminal()
}

func (s EscrowStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusDraft:             {EscrowStatusAwaitingDeposit, EscrowStatusCancelled},
	EscrowStatusAwaitingDeposit:   {EscrowStatusFunded, EscrowStatusCancelled},
	EscrowStatusFunded:            {EscrowStatusInspectionPending, EscrowStatusInspectionPassed, EscrowStatusInspectionFailed, EscrowStatusReleased, EscrowStatusCancelled},
	EscrowStatusInspectionPending: {EscrowStatusInspectionPassed, EscrowStatusInspectionFailed, EscrowStatusCancelled},
	EscrowStatusInspectionPassed:  {EscrowStatusReleased},
	EscrowStatusInspectionFailed:  {EscrowStatusRefunded},
	EscrowStatusReleased:          {},
	EscrowStatusRefunded:          {},
	EscrowStatusCancelled:         {},
}

func IsValidEscrowTransition(from, to EscrowStatus) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Currency is an ISO 4217 code accepted for escrow amounts.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyAZN Currency = "AZN"
	CurrencyGBP Currency = "GBP"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyAZN, CurrencyGBP:
		return true
	}
	return false
}

// Party describes a buyer or seller. Informational only.
type Party struct {
	Name         string `json:"name,omitempty"`
	Organisation string `json:"organisation,omitempty"`
	Country      string `json:"country,omitempty"`
	Contact      string `json:"contact,omitempty"`
}

type Amounts struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	FeeAmount decimal.Decimal `json:"fee_amount"`
	NetAmount decimal.Decimal `json:"net_amount"`
}

// InspectionResult values
const (
	InspectionPending = "pending"
	InspectionPassed  = "passed"
	InspectionFailed  = "failed"
)

type Inspection struct {
	Required     bool       `json:"required"`
	ProviderName *string    `json:"provider_name,omitempty"`
	Location     *string    `json:"location,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result"`
	Notes        *string    `json:"notes,omitempty"`
}

// EscrowContract is the aggregate root of the escrow lifecycle. Status is
// always DeriveStatus(Milestones); Version is the optimistic-lock token.
type EscrowContract struct {
	ID                 uuid.UUID    `json:"id"`
	RFQID              string       `json:"rfq_id"`
	LotID              *string      `json:"lot_id,omitempty"`
	PassportID         *string      `json:"passport_id,omitempty"`
	Buyer              Party        `json:"buyer"`
	Seller             Party        `json:"seller"`
	Amounts            Amounts      `json:"amounts"`
	Status             EscrowStatus `json:"status"`
	Inspection         Inspection   `json:"inspection"`
	ExternalPaymentRef string       `json:"external_payment_ref,omitempty"`
	CheckoutURL        *string      `json:"checkout_url,omitempty"`
	Milestones         []Milestone  `json:"milestones"`
	Version            int          `json:"version"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Clone returns a copy that shares no slices with c, so the engine can build
// the next state without touching the snapshot it read.
func (c *EscrowContract) Clone() *EscrowContract {
	out := *c
	out.Milestones = append([]Milestone(nil), c.Milestones...)
	return &out
}
