package engagement

import (
	"encoding/hex"
	"strconv"
)

// Canonical event types emitted by the escrow contract. The gateway watcher
// parses these to mirror authoritative status into the record store.
const (
	EventTypeCreated   = "engagement.created"
	EventTypeActivated = "engagement.activated"
	EventTypeApproved  = "engagement.approved"
	EventTypeCompleted = "engagement.completed"
	EventTypeDisputed  = "engagement.disputed"
	EventTypeCancelled = "engagement.cancelled"
)

// Event is the attribute payload attached to a ledger event.
type Event struct {
	Type       string
	Attributes map[string]string
}

// NewCreatedEvent returns the canonical payload for a newly locked engagement.
func NewCreatedEvent(e *Engagement) *Event { return newEvent(EventTypeCreated, e, nil) }

// NewActivatedEvent returns the payload emitted when the lock confirms and
// the engagement becomes active.
func NewActivatedEvent(e *Engagement) *Event { return newEvent(EventTypeActivated, e, nil) }

// NewApprovedEvent returns the payload emitted when one party approves
// completion.
func NewApprovedEvent(e *Engagement, party Party) *Event {
	return newEvent(EventTypeApproved, e, map[string]string{"party": party.String()})
}

// NewCompletedEvent returns the payload emitted when both approvals are in
// and the ledger releases funds to the consultant.
func NewCompletedEvent(e *Engagement) *Event { return newEvent(EventTypeCompleted, e, nil) }

// NewDisputedEvent returns the payload emitted when a party raises a dispute.
func NewDisputedEvent(e *Engagement, party Party) *Event {
	return newEvent(EventTypeDisputed, e, map[string]string{"party": party.String()})
}

// NewCancelledEvent returns the payload emitted when the seeker cancels
// before any approval.
func NewCancelledEvent(e *Engagement) *Event { return newEvent(EventTypeCancelled, e, nil) }

// StatusForEvent maps a ledger event type to the status it implies, or false
// when the event carries no status change (per-party approvals).
func StatusForEvent(eventType string) (Status, bool) {
	switch eventType {
	case EventTypeActivated:
		return StatusActive, true
	case EventTypeCompleted:
		return StatusCompleted, true
	case EventTypeDisputed:
		return StatusDisputed, true
	case EventTypeCancelled:
		return StatusCancelled, true
	default:
		return 0, false
	}
}

func newEvent(eventType string, e *Engagement, extra map[string]string) *Event {
	attrs := make(map[string]string)
	for k, v := range extra {
		attrs[k] = v
	}
	if e == nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return &Event{Type: eventType, Attributes: attrs}
	}
	attrs["ledgerId"] = strconv.FormatUint(sanitized.LedgerID, 10)
	attrs["seeker"] = hex.EncodeToString(sanitized.Seeker[:])
	attrs["consultant"] = hex.EncodeToString(sanitized.Consultant[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["metaDigest"] = hex.EncodeToString(sanitized.MetaDigest[:])
	attrs["status"] = sanitized.Status.String()
	attrs["seekerApproved"] = strconv.FormatBool(sanitized.SeekerApproved)
	attrs["consultantApproved"] = strconv.FormatBool(sanitized.ConsultantApproved)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.CompletedAt != 0 {
		attrs["completedAt"] = strconv.FormatInt(sanitized.CompletedAt, 10)
	}
	return &Event{Type: eventType, Attributes: attrs}
}
