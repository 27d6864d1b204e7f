package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"nichenode/native/engagement"
)

// EventWatcher tails the ledger's engagement event stream, mirrors status
// transitions into the record store and feeds the webhook queue. The cursor
// is persisted so a restart resumes where the previous run stopped.
type EventWatcher struct {
	ledger       LedgerClient
	store        *SQLiteStore
	queue        *WebhookQueue
	log          *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(ledger LedgerClient, store *SQLiteStore, queue *WebhookQueue, pollInterval time.Duration, log *slog.Logger) *EventWatcher {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &EventWatcher{
		ledger:       ledger,
		store:        store,
		queue:        queue,
		log:          log,
		pollInterval: pollInterval,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.ledger == nil || w.store == nil {
		return
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.log.Warn("load event cursor failed", "err", err)
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after int64) int64 {
	events, err := w.ledger.FetchEvents(ctx, after, w.batchSize)
	if err != nil {
		w.log.Warn("fetch ledger events failed", "after", after, "err", err)
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if lastSeq > after {
		if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
			w.log.Warn("advance event cursor failed", "sequence", lastSeq, "err", err)
		}
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt LedgerEvent) {
	watcherEvents.WithLabelValues(evt.Type).Inc()
	createdAt := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		payload = []byte("{}")
	}
	if err := w.store.InsertEvent(ctx, StoredEvent{
		Sequence:  evt.Sequence,
		Type:      evt.Type,
		TxHash:    evt.TxHash,
		Payload:   string(payload),
		CreatedAt: createdAt,
	}); err != nil {
		w.log.Warn("persist ledger event failed", "sequence", evt.Sequence, "err", err)
	}

	ledgerID, ok := evt.LedgerID()
	if ok {
		w.mirrorFromEvent(ctx, ledgerID, evt)
	}

	if w.queue != nil {
		w.queue.Enqueue(WebhookEvent{
			Sequence:   evt.Sequence,
			Type:       evt.Type,
			LedgerID:   ledgerID,
			Attributes: evt.Attributes,
			CreatedAt:  createdAt,
		})
	}
}

// mirrorFromEvent applies the status implied by an event to the local row.
// Monotonicity is enforced by the store; out-of-order deliveries become
// no-ops.
func (w *EventWatcher) mirrorFromEvent(ctx context.Context, ledgerID uint64, evt LedgerEvent) {
	status, ok := engagement.StatusForEvent(evt.Type)
	if !ok {
		// Per-party approvals carry no status change but do flip the
		// approval flags.
		if evt.Type != engagement.EventTypeApproved {
			return
		}
		status = engagement.StatusActive
	}
	mirror := LedgerMirror{
		Status:             status.String(),
		SeekerApproved:     evt.Attributes["seekerApproved"] == "true",
		ConsultantApproved: evt.Attributes["consultantApproved"] == "true",
		UpdatedAt:          w.nowFn().UTC(),
	}
	if status == engagement.StatusCompleted && evt.Timestamp > 0 {
		mirror.CompletedAt = evt.Timestamp
	}
	_, err := w.store.MirrorLedgerStatus(ctx, ledgerID, mirror)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		w.log.Warn("mirror event status failed", "ledgerId", ledgerID, "type", evt.Type, "err", err)
	}
}
