package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nichenode/native/engagement"
)

// Freshness describes how much trust a reconciled view deserves. A stale view
// is clearly labelled rather than silently passed off as current.
const (
	FreshnessConfirmed = "confirmed"
	FreshnessStale     = "stale"
	FreshnessPending   = "pending"
	FreshnessUnsecured = "unsecured"
)

// EngagementView is the merged read model served to clients: ledger-won
// status and approvals layered over store-won descriptive metadata.
type EngagementView struct {
	Record    *EngagementRecord `json:"engagement"`
	Freshness string            `json:"freshness"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Reconciler merges the two sources of truth behind every engagement read.
// The ledger wins for status, approvals and amount; the record store wins for
// titles, descriptions and timelines the chain never saw.
type Reconciler struct {
	ledger  LedgerClient
	store   RecordStore
	log     *slog.Logger
	timeout time.Duration
	nowFn   func() time.Time
}

func NewReconciler(ledger LedgerClient, store RecordStore, timeout time.Duration, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		ledger:  ledger,
		store:   store,
		log:     log,
		timeout: timeout,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (r *Reconciler) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = time.Now
		return
	}
	r.nowFn = now
}

// Reconcile produces the current view for one engagement record. A ledger
// read failure degrades to the last known local state tagged stale; it never
// fails the whole read.
func (r *Reconciler) Reconcile(ctx context.Context, rec *EngagementRecord) *EngagementView {
	now := r.nowFn().UTC()
	if rec.LedgerID == 0 {
		freshness := FreshnessUnsecured
		if rec.TxHash != "" || strings.EqualFold(rec.Status, engagement.StatusPending.String()) {
			freshness = FreshnessPending
		}
		reconciliations.WithLabelValues(freshness).Inc()
		return &EngagementView{Record: rec, Freshness: freshness, CheckedAt: now}
	}

	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	state, err := r.ledger.Get(readCtx, rec.LedgerID)
	if err != nil {
		reconciliations.WithLabelValues(FreshnessStale).Inc()
		r.log.Warn("ledger read degraded", "ledgerId", rec.LedgerID, "err", err)
		return &EngagementView{Record: rec, Freshness: FreshnessStale, CheckedAt: rec.UpdatedAt}
	}

	merged := mergeLedgerState(rec, state)
	r.mirrorIfAdvanced(ctx, rec, state)
	reconciliations.WithLabelValues(FreshnessConfirmed).Inc()
	return &EngagementView{Record: merged, Freshness: FreshnessConfirmed, CheckedAt: now}
}

// ReconcileAll resolves a batch concurrently. One slow or failing ledger read
// degrades only its own entry.
func (r *Reconciler) ReconcileAll(ctx context.Context, recs []*EngagementRecord) []*EngagementView {
	views := make([]*EngagementView, len(recs))
	var wg sync.WaitGroup
	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *EngagementRecord) {
			defer wg.Done()
			views[i] = r.Reconcile(ctx, rec)
		}(i, rec)
	}
	wg.Wait()
	return views
}

// mergeLedgerState overlays authoritative ledger fields on the stored row
// without touching the descriptive metadata.
func mergeLedgerState(rec *EngagementRecord, state *LedgerEngagementState) *EngagementRecord {
	merged := *rec
	merged.Status = state.Status
	merged.SeekerApproved = state.SeekerApproved
	merged.ConsultantApproved = state.ConsultantApproved
	if strings.TrimSpace(state.Amount) != "" {
		merged.Amount = state.Amount
	}
	if state.CompletedAt > 0 {
		merged.CompletedAt = time.Unix(state.CompletedAt, 0).UTC()
	}
	return &merged
}

// mirrorIfAdvanced opportunistically writes the confirmed ledger fields back
// to the store so the next degraded read serves fresher local state. Failures
// here only cost freshness on a later stale view.
func (r *Reconciler) mirrorIfAdvanced(ctx context.Context, rec *EngagementRecord, state *LedgerEngagementState) {
	if rec.Status == state.Status &&
		rec.SeekerApproved == state.SeekerApproved &&
		rec.ConsultantApproved == state.ConsultantApproved {
		return
	}
	_, err := r.store.MirrorLedgerStatus(ctx, state.LedgerID, LedgerMirror{
		Status:             state.Status,
		SeekerApproved:     state.SeekerApproved,
		ConsultantApproved: state.ConsultantApproved,
		CompletedAt:        state.CompletedAt,
		UpdatedAt:          r.nowFn().UTC(),
	})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		r.log.Warn("status mirror failed", "ledgerId", state.LedgerID, "err", err)
	}
}
