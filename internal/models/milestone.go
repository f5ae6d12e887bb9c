package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MilestoneType names one fact in a contract's audit trail.
type MilestoneType string

// Milestone types
const (
	MilestoneContractCreated     MilestoneType = "contract_created"
	MilestoneDepositRequested    MilestoneType = "deposit_requested"
	MilestoneDepositReceived     MilestoneType = "deposit_received"
	MilestoneInspectionScheduled MilestoneType = "inspection_scheduled"
	MilestoneInspectionPassed    MilestoneType = "inspection_passed"
	MilestoneInspectionFailed    MilestoneType = "inspection_failed"
	MilestoneReleaseRequested    MilestoneType = "release_requested"
	MilestoneReleased            MilestoneType = "released"
	MilestoneRefunded            MilestoneType = "refunded"
	MilestoneCancelled           MilestoneType = "cancelled"
)

// milestoneStatus maps a milestone to the status it implies. Types missing
// from the map (release_requested) do not change status.
var milestoneStatus = map[MilestoneType]EscrowStatus{
	MilestoneContractCreated:     EscrowStatusDraft,
	MilestoneDepositRequested:    EscrowStatusAwaitingDeposit,
	MilestoneDepositReceived:     EscrowStatusFunded,
	MilestoneInspectionScheduled: EscrowStatusInspectionPending,
	MilestoneInspectionPassed:    EscrowStatusInspectionPassed,
	MilestoneInspectionFailed:    EscrowStatusInspectionFailed,
	MilestoneReleased:            EscrowStatusReleased,
	MilestoneRefunded:            EscrowStatusRefunded,
	MilestoneCancelled:           EscrowStatusCancelled,
}

// ImpliedStatus returns the status t moves a contract into, if any.
func (t MilestoneType) ImpliedStatus() (EscrowStatus, bool) {
	s, ok := milestoneStatus[t]
	return s, ok
}

type Actor struct {
	Role         string `json:"role"`
	Name         string `json:"name,omitempty"`
	Organisation string `json:"organisation,omitempty"`
}

type Milestone struct {
	ID          uuid.UUID     `json:"id"`
	Type        MilestoneType `json:"type"`
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Date        time.Time     `json:"date"`
	Actor       *Actor        `json:"actor,omitempty"`
}

// UnmarshalJSON accepts rows written by older clients whose dates may be
// missing or malformed. Such dates decode to the zero time.
func (m *Milestone) UnmarshalJSON(data []byte) error {
	type alias Milestone
	var raw struct {
		alias
		Date json.RawMessage `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Milestone(raw.alias)
	m.Date = time.Time{}

	var s string
	if len(raw.Date) > 0 && json.Unmarshal(raw.Date, &s) == nil && s != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				m.Date = t.UTC()
				break
			}
		}
	}
	return nil
}

// AppendMilestone returns a new list with m appended. Dates never go
// backwards: a zero or earlier date is replaced with now (or the previous
// milestone's date when the clock lags behind it).
func AppendMilestone(list []Milestone, m Milestone, now time.Time) []Milestone {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var last time.Time
	if n := len(list); n > 0 {
		last = list[n-1].Date
	}
	if m.Date.IsZero() || m.Date.Before(last) {
		m.Date = now
		if m.Date.Before(last) {
			m.Date = last
		}
	}

	out := make([]Milestone, len(list), len(list)+1)
	copy(out, list)
	return append(out, m)
}

// SortMilestonesByDate sorts ascending by date, stable, with zero dates last.
func SortMilestonesByDate(list []Milestone) []Milestone {
	out := append([]Milestone(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Date, out[j].Date
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		}
		return a.Before(b)
	})
	return out
}

// DeriveStatus replays the milestone list. An empty list is a draft.
func DeriveStatus(list []Milestone) EscrowStatus {
	status := EscrowStatusDraft
	for _, m := range list {
		if s, ok := m.Type.ImpliedStatus(); ok {
			status = s
		}
	}
	return status
}
