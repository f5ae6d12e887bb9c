package dto

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PartyRequest struct {
	Name         string `json:"name"`
	Organisation string `json:"organisation"`
	Country      string `json:"country"`
	Contact      string `json:"contact,omitempty"`
}

type InspectionRequest struct {
	Required     *bool   `json:"required,omitempty"`
	ProviderName *string `json:"provider_name,omitempty"`
	Location     *string `json:"location,omitempty"`
}

type InitEscrowRequest struct {
	RFQID      string             `json:"rfq_id"`
	LotID      *string            `json:"lot_id,omitempty"`
	PassportID *string            `json:"passport_id,omitempty"`
	Buyer      PartyRequest       `json:"buyer"`
	Seller     PartyRequest       `json:"seller"`
	Amount     decimal.Decimal    `json:"amount"`
	Currency   string             `json:"currency"`
	Inspection *InspectionRequest `json:"inspection,omitempty"`
}

type ReleaseEscrowRequest struct {
	EscrowID string  `json:"escrow_id"`
	Verdict  string  `json:"verdict"` // passed / failed
	Notes    *string `json:"notes,omitempty"`

	// legacy clients
	LegacyContractID string `json:"contractId,omitempty"`
	LegacyEscrowID   string `json:"escrowId,omitempty"`
}

// ID returns the contract id, accepting the legacy field names.
func (r *ReleaseEscrowRequest) ID() (uuid.UUID, bool) {
	return FirstID(r.EscrowID, r.LegacyEscrowID, r.LegacyContractID)
}

type ScheduleInspectionRequest struct {
	ProviderName string `json:"provider_name"`
	Location     string `json:"location,omitempty"`
}

type CancelEscrowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// FirstID parses the first non-empty candidate as a uuid.
func FirstID(candidates ...string) (uuid.UUID, bool) {
	for _, s := range candidates {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	}
	return uuid.Nil, false
}
