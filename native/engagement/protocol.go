package engagement

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalState is returned when a transition is attempted on an
	// engagement that already reached Completed, Disputed or Cancelled.
	ErrTerminalState = errors.New("engagement: status is terminal")
	// ErrNotActive is returned when a transition requires the Active state.
	ErrNotActive = errors.New("engagement: engagement is not active")
	// ErrCancelAfterApproval is returned when cancellation is requested after
	// any approval was recorded. The caller must use the dispute path instead.
	ErrCancelAfterApproval = errors.New("engagement: cannot cancel after an approval, raise a dispute")
	// ErrUnauthorizedCancel is returned when someone other than the seeker
	// attempts cancellation.
	ErrUnauthorizedCancel = errors.New("engagement: only the seeker may cancel")
)

// The transition rules below mirror the escrow contract exactly. They are
// applied client-side before any transaction is submitted so obviously
// illegal transitions never reach the ledger; the ledger remains the final
// arbiter for anything that slips through.

// Activate promotes a pending engagement once its locking transaction has
// confirmed on the ledger. Idempotent: activating an already active
// engagement is a no-op.
func Activate(e *Engagement, now int64) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("engagement: nil engagement")
	}
	if e.Status == StatusActive {
		return false, nil
	}
	if e.Status.Terminal() {
		return false, ErrTerminalState
	}
	e.Status = StatusActive
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	return true, nil
}

// Approve records one party's completion approval. Approving twice from the
// same party is a no-op, not an error. When both approvals are present the
// ledger autonomously releases funds and marks the engagement Completed; the
// mirror applies the same auto-transition so callers observe it immediately.
func Approve(e *Engagement, party Party, now int64) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("engagement: nil engagement")
	}
	if !party.Valid() {
		return false, fmt.Errorf("engagement: invalid party %d", party)
	}
	if e.Status.Terminal() {
		return false, ErrTerminalState
	}
	if e.Status != StatusActive {
		return false, ErrNotActive
	}
	switch party {
	case PartySeeker:
		if e.SeekerApproved {
			return false, nil
		}
		e.SeekerApproved = true
	case PartyConsultant:
		if e.ConsultantApproved {
			return false, nil
		}
		e.ConsultantApproved = true
	}
	if e.SeekerApproved && e.ConsultantApproved {
		e.Status = StatusCompleted
		e.CompletedAt = now
	}
	return true, nil
}

// Dispute flags the engagement as disputed. Either party may raise a dispute
// while the engagement is active; funds stay locked pending external
// resolution. Disputing an already disputed engagement is a no-op.
func Dispute(e *Engagement, party Party) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("engagement: nil engagement")
	}
	if !party.Valid() {
		return false, fmt.Errorf("engagement: invalid party %d", party)
	}
	if e.Status == StatusDisputed {
		return false, nil
	}
	if e.Status.Terminal() {
		return false, ErrTerminalState
	}
	if e.Status != StatusActive {
		return false, ErrNotActive
	}
	e.Status = StatusDisputed
	return true, nil
}

// Cancel voids an active engagement and returns the locked funds to the
// seeker. Only the seeker may cancel, and only while neither party has
// approved yet. Cancelling an already cancelled engagement is a no-op.
func Cancel(e *Engagement, caller Party) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("engagement: nil engagement")
	}
	if e.Status == StatusCancelled {
		return false, nil
	}
	if e.Status.Terminal() {
		return false, ErrTerminalState
	}
	if e.Status != StatusActive {
		return false, ErrNotActive
	}
	if caller != PartySeeker {
		return false, ErrUnauthorizedCancel
	}
	if e.SeekerApproved || e.ConsultantApproved {
		return false, ErrCancelAfterApproval
	}
	e.Status = StatusCancelled
	return true, nil
}

// CanTransition reports whether moving from one status to another is legal
// under the protocol. Used when mirroring ledger state into the record store
// to refuse backward writes from stale reads.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusCompleted || to == StatusDisputed || to == StatusCancelled
	default:
		return false
	}
}
