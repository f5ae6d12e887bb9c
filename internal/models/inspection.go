package models

import "errors"

var (
	ErrAlreadyFinalized = errors.New("escrow already finalized")
	ErrNotYetFunded     = errors.New("escrow not yet funded")
	ErrInvalidVerdict   = errors.New("invalid inspection verdict")
)

// Verdict is the outcome reported by the inspection provider.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
)

func (v Verdict) Valid() bool {
	return v == VerdictPassed || v == VerdictFailed
}

// ReleaseAction is what the engine must do with the held authorization.
type ReleaseAction int

const (
	ActionNone ReleaseAction = iota
	ActionCaptureRelease
	ActionCancelRefund
)

func (a ReleaseAction) String() string {
	switch a {
	case ActionCaptureRelease:
		return "capture_release"
	case ActionCancelRefund:
		return "cancel_refund"
	}
	return "none"
}

// Adjudicate decides the next lifecycle action for an inspection verdict.
// When inspection is not required the verdict is ignored and funds are
// released.
func Adjudicate(status EscrowStatus, inspectionRequired bool, verdict Verdict) (ReleaseAction, error) {
	switch {
	case status.IsTerminal():
		return ActionNone, ErrAlreadyFinalized
	case status == EscrowStatusDraft || status == EscrowStatusAwaitingDeposit:
		return ActionNone, ErrNotYetFunded
	}

	if status != EscrowStatusFunded && status != EscrowStatusInspectionPending {
		// inspection_passed / inspection_failed are never stored on their own;
		// resolve them the way they were decided.
		switch status {
		case EscrowStatusInspectionPassed:
			return ActionCaptureRelease, nil
		case EscrowStatusInspectionFailed:
			return ActionCancelRefund, nil
		}
		return ActionNone, ErrInvalidVerdict
	}

	if !inspectionRequired && status == EscrowStatusFunded {
		return ActionCaptureRelease, nil
	}

	switch verdict {
	case VerdictPassed:
		return ActionCaptureRelease, nil
	case VerdictFailed:
		return ActionCancelRefund, nil
	}
	return ActionNone, ErrInvalidVerdict
}
