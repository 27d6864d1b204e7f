package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"nichenode/native/engagement"
)

const (
	testChainID    = "nichenode-1"
	testSeeker     = "0x1111111111111111111111111111111111111111"
	testConsultant = "0x2222222222222222222222222222222222222222"
)

func testMetadata() engagement.Metadata {
	return engagement.Metadata{
		Title:       "Antique clock appraisal",
		Description: "Evaluate an 1890s French mantel clock",
		Timeline:    "3 days",
	}
}

func testCreateRequest(token string) CreateEngagementRequest {
	return CreateEngagementRequest{
		Seeker:       testSeeker,
		Consultant:   testConsultant,
		Amount:       "1500",
		Metadata:     testMetadata(),
		RequestToken: token,
	}
}

type fakeEntry struct {
	eng        engagement.Engagement
	seeker     string
	consultant string
	amount     string
	digest     string
}

// fakeLedger implements LedgerClient with an in-memory escrow engine driven
// by the real transition rules.
type fakeLedger struct {
	mu      sync.Mutex
	nextID  uint64
	nextSeq int64
	entries  map[uint64]*fakeEntry
	byToken  map[string]uint64
	byTxHash map[string]uint64
	events   []LedgerEvent

	lockCalls    int
	approveCalls int
	disputeCalls int
	cancelCalls  int
	getCalls     int

	lockOutcome  string // "" means confirmed
	lockReason   string
	lockErr      error
	lockDelay    time.Duration
	approveErr   error
	applyOnErr   bool // apply the transition before returning approveErr
	getErr       error
	stripEventID bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries:  make(map[uint64]*fakeEntry),
		byToken:  make(map[string]uint64),
		byTxHash: make(map[string]uint64),
	}
}

func (f *fakeLedger) Lock(ctx context.Context, req LockRequest) (*LockReceipt, error) {
	if f.lockDelay > 0 {
		time.Sleep(f.lockDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	if f.lockOutcome == OutcomeRejected {
		return &LockReceipt{Outcome: OutcomeRejected, Reason: f.lockReason}, nil
	}
	f.nextID++
	id := f.nextID
	entry := &fakeEntry{
		eng: engagement.Engagement{
			LedgerID:  id,
			Status:    engagement.StatusActive,
			CreatedAt: time.Now().Unix(),
		},
		seeker:     req.Seeker,
		consultant: req.Consultant,
		amount:     req.Amount,
		digest:     req.MetaDigest,
	}
	f.entries[id] = entry
	f.byToken[req.RequestToken] = id
	txHash := fmt.Sprintf("0xabc%04d", id)
	f.byTxHash[txHash] = id
	event := f.appendEventLocked(engagement.EventTypeActivated, entry, txHash)
	if f.lockOutcome == OutcomePending {
		return &LockReceipt{Outcome: OutcomePending, TxHash: txHash}, nil
	}
	receipt := &LockReceipt{Outcome: OutcomeConfirmed, TxHash: txHash, Event: &event}
	if f.stripEventID {
		receipt.Event = nil
	}
	return receipt, nil
}

func (f *fakeLedger) appendEventLocked(eventType string, entry *fakeEntry, txHash string) LedgerEvent {
	f.nextSeq++
	evt := LedgerEvent{
		Sequence: f.nextSeq,
		Type:     eventType,
		TxHash:   txHash,
		Attributes: map[string]string{
			"ledgerId":           strconv.FormatUint(entry.eng.LedgerID, 10),
			"status":             entry.eng.Status.String(),
			"seekerApproved":     strconv.FormatBool(entry.eng.SeekerApproved),
			"consultantApproved": strconv.FormatBool(entry.eng.ConsultantApproved),
		},
		Timestamp: time.Now().Unix(),
	}
	f.events = append(f.events, evt)
	return evt
}

func (f *fakeLedger) Approve(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveCalls++
	entry, ok := f.entries[ledgerID]
	if !ok {
		return nil, &LedgerRejectedError{Op: "engagement_approve", Reason: "unknown engagement"}
	}
	if f.approveErr != nil && !f.applyOnErr {
		return nil, f.approveErr
	}
	p, err := engagement.ParseParty(party)
	if err != nil {
		return nil, &LedgerRejectedError{Op: "engagement_approve", Reason: err.Error()}
	}
	if _, err := engagement.Approve(&entry.eng, p, time.Now().Unix()); err != nil {
		return nil, &LedgerRejectedError{Op: "engagement_approve", Reason: err.Error()}
	}
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return &SubmitResult{Outcome: OutcomeConfirmed, TxHash: "0xapprove"}, nil
}

func (f *fakeLedger) Dispute(ctx context.Context, ledgerID uint64, party, caller string) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputeCalls++
	entry, ok := f.entries[ledgerID]
	if !ok {
		return nil, &LedgerRejectedError{Op: "engagement_dispute", Reason: "unknown engagement"}
	}
	p, err := engagement.ParseParty(party)
	if err != nil {
		return nil, &LedgerRejectedError{Op: "engagement_dispute", Reason: err.Error()}
	}
	if _, err := engagement.Dispute(&entry.eng, p); err != nil {
		return nil, &LedgerRejectedError{Op: "engagement_dispute", Reason: err.Error()}
	}
	return &SubmitResult{Outcome: OutcomeConfirmed, TxHash: "0xdispute"}, nil
}

func (f *fakeLedger) Cancel(ctx context.Context, ledgerID uint64, caller string) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	entry, ok := f.entries[ledgerID]
	if !ok {
		return nil, &LedgerRejectedError{Op: "engagement_cancel", Reason: "unknown engagement"}
	}
	if _, err := engagement.Cancel(&entry.eng, engagement.PartySeeker); err != nil {
		return nil, &LedgerRejectedError{Op: "engagement_cancel", Reason: err.Error()}
	}
	return &SubmitResult{Outcome: OutcomeConfirmed, TxHash: "0xcancel"}, nil
}

func (f *fakeLedger) Get(ctx context.Context, ledgerID uint64) (*LedgerEngagementState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	entry, ok := f.entries[ledgerID]
	if !ok {
		return nil, &LedgerRejectedError{Op: "engagement_get", Reason: "unknown engagement"}
	}
	return entryState(entry), nil
}

func entryState(entry *fakeEntry) *LedgerEngagementState {
	return &LedgerEngagementState{
		LedgerID:           entry.eng.LedgerID,
		Seeker:             entry.seeker,
		Consultant:         entry.consultant,
		Amount:             entry.amount,
		MetaDigest:         entry.digest,
		Status:             entry.eng.Status.String(),
		SeekerApproved:     entry.eng.SeekerApproved,
		ConsultantApproved: entry.eng.ConsultantApproved,
		CreatedAt:          entry.eng.CreatedAt,
		CompletedAt:        entry.eng.CompletedAt,
	}
}

func (f *fakeLedger) TxStatus(ctx context.Context, ref string) (*TxStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byToken[ref]
	if !ok {
		id, ok = f.byTxHash[ref]
	}
	if !ok {
		return &TxStatusResult{Outcome: OutcomeRejected, Reason: "unknown transaction"}, nil
	}
	return &TxStatusResult{Outcome: OutcomeConfirmed, TxHash: fmt.Sprintf("0xabc%04d", id), LedgerID: id}, nil
}

func (f *fakeLedger) FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]LedgerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LedgerEvent
	for _, evt := range f.events {
		if evt.Sequence > afterSeq {
			out = append(out, evt)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) ChainID(ctx context.Context) (string, error) { return testChainID, nil }

type fakeWallet struct {
	addr    string
	chainID string
	err     error
}

func (w *fakeWallet) Address() string { return w.addr }

func (w *fakeWallet) ChainID(ctx context.Context) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return w.chainID, nil
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestCoordinator(t *testing.T, ledger LedgerClient, store RecordStore) *Coordinator {
	t.Helper()
	wallet := &fakeWallet{addr: "0xfeedfeedfeedfeedfeedfeedfeedfeedfeedfeed", chainID: testChainID}
	return NewCoordinator(ledger, store, wallet, testChainID, nil)
}

func TestCreateEngagementHappyPath(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.LedgerID == 0 {
		t.Fatal("expected a confirmed ledger id")
	}
	if rec.Status != engagement.StatusActive.String() {
		t.Fatalf("status = %q, want active", rec.Status)
	}
	digest := testMetadata().Digest()
	if rec.MetaDigest != hex.EncodeToString(digest[:]) {
		t.Fatalf("digest mismatch: %s", rec.MetaDigest)
	}
	stored, err := store.GetByLedgerID(context.Background(), rec.LedgerID)
	if err != nil {
		t.Fatalf("stored row missing: %v", err)
	}
	if stored.Metadata.Title != testMetadata().Title {
		t.Fatalf("metadata not persisted: %+v", stored.Metadata)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("lockCalls = %d, want 1", ledger.lockCalls)
	}
}

func TestCreateEngagementValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateEngagementRequest)
	}{
		{"missing seeker", func(r *CreateEngagementRequest) { r.Seeker = "" }},
		{"missing consultant", func(r *CreateEngagementRequest) { r.Consultant = "" }},
		{"same parties", func(r *CreateEngagementRequest) { r.Consultant = r.Seeker }},
		{"zero amount", func(r *CreateEngagementRequest) { r.Amount = "0" }},
		{"negative amount", func(r *CreateEngagementRequest) { r.Amount = "-5" }},
		{"garbage amount", func(r *CreateEngagementRequest) { r.Amount = "12.5x" }},
		{"missing title", func(r *CreateEngagementRequest) { r.Metadata.Title = "" }},
	}
	ledger := newFakeLedger()
	coord := newTestCoordinator(t, ledger, newTestStore(t))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testCreateRequest("token-x")
			tc.mutate(&req)
			if _, err := coord.CreateEngagement(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if ledger.lockCalls != 0 {
		t.Fatalf("invalid requests must not reach the ledger, lockCalls = %d", ledger.lockCalls)
	}
}

func TestCreateEngagementWalletGuards(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)

	coord := NewCoordinator(ledger, store, nil, testChainID, nil)
	if _, err := coord.CreateEngagement(context.Background(), testCreateRequest("t1")); !errors.Is(err, ErrWalletUnavailable) {
		t.Fatalf("nil wallet: got %v, want ErrWalletUnavailable", err)
	}

	wrong := &fakeWallet{addr: "0xfeed", chainID: "other-net"}
	coord = NewCoordinator(ledger, store, wrong, testChainID, nil)
	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("t2"))
	var netErr *WrongNetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("wrong chain: got %v, want WrongNetworkError", err)
	}
	if netErr.Have != "other-net" || netErr.Want != testChainID {
		t.Fatalf("unexpected network error detail: %+v", netErr)
	}
	if ledger.lockCalls != 0 {
		t.Fatalf("wallet guard must run before any lock, lockCalls = %d", ledger.lockCalls)
	}
}

func TestCreateEngagementRejectedLeavesNoRecord(t *testing.T) {
	ledger := newFakeLedger()
	ledger.lockOutcome = OutcomeRejected
	ledger.lockReason = "insufficient funds"
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-r"))
	var rejected *LedgerRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want LedgerRejectedError", err)
	}
	if rejected.Reason != "insufficient funds" {
		t.Fatalf("reason = %q", rejected.Reason)
	}
	if _, err := store.GetByRequestToken(context.Background(), "token-r"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("rejected lock must leave no record, got %v", err)
	}
}

func TestCreateEngagementPendingThenRecheck(t *testing.T) {
	ledger := newFakeLedger()
	ledger.lockOutcome = OutcomePending
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-p"))
	var pending *PendingConfirmationError
	if !errors.As(err, &pending) {
		t.Fatalf("got %v, want PendingConfirmationError", err)
	}
	if pending.RequestToken != "token-p" {
		t.Fatalf("pending token = %q", pending.RequestToken)
	}
	draft, err := store.GetByRequestToken(context.Background(), "token-p")
	if err != nil {
		t.Fatalf("pending lock must leave a draft: %v", err)
	}
	if draft.LedgerID != 0 || draft.Status != engagement.StatusPending.String() {
		t.Fatalf("draft = %+v", draft)
	}

	rec, err := coord.Recheck(context.Background(), "token-p")
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if rec.LedgerID == 0 || rec.Status != engagement.StatusActive.String() {
		t.Fatalf("promoted record = %+v", rec)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("recheck must never resubmit, lockCalls = %d", ledger.lockCalls)
	}
}

func TestRecheckByTxHashPromotesDraft(t *testing.T) {
	ledger := newFakeLedger()
	ledger.lockOutcome = OutcomePending
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-th"))
	var pending *PendingConfirmationError
	if !errors.As(err, &pending) {
		t.Fatalf("got %v, want PendingConfirmationError", err)
	}
	if pending.TxHash == "" {
		t.Fatal("pending error must carry the tx hash")
	}

	// Rechecking by hash must promote the token-keyed draft, not rebuild a
	// second row and strand the draft.
	rec, err := coord.Recheck(context.Background(), pending.TxHash)
	if err != nil {
		t.Fatalf("recheck by hash: %v", err)
	}
	if rec.LedgerID == 0 || rec.Metadata.Title != testMetadata().Title {
		t.Fatalf("promoted record = %+v", rec)
	}
	promoted, err := store.GetByRequestToken(context.Background(), "token-th")
	if err != nil {
		t.Fatalf("draft row: %v", err)
	}
	if promoted.ID != rec.ID || promoted.LedgerID != rec.LedgerID {
		t.Fatalf("draft stranded: %+v vs %+v", promoted, rec)
	}
	rows, err := store.FindByParticipant(context.Background(), testSeeker)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want exactly one", len(rows))
	}
}

func TestCreateEngagementTransportErrorDoesNotRelock(t *testing.T) {
	ledger := newFakeLedger()
	ledger.lockErr = errors.New("connection reset")
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-t"))
	var pending *PendingConfirmationError
	if !errors.As(err, &pending) {
		t.Fatalf("transport failure must surface as pending, got %v", err)
	}

	// A retry under the same token must find the draft instead of locking
	// funds a second time.
	ledger.lockErr = nil
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-t"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.Status != engagement.StatusPending.String() {
		t.Fatalf("retry should return the draft, got status %q", rec.Status)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("lockCalls = %d, want 1", ledger.lockCalls)
	}
}

func TestCreateEngagementSingleFlight(t *testing.T) {
	ledger := newFakeLedger()
	ledger.lockDelay = 50 * time.Millisecond
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)

	var wg sync.WaitGroup
	results := make([]*EngagementRecord, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.CreateEngagement(context.Background(), testCreateRequest("token-s"))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
	}
	if results[0].LedgerID != results[1].LedgerID {
		t.Fatalf("duplicate invoke produced two engagements: %d vs %d", results[0].LedgerID, results[1].LedgerID)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("lockCalls = %d, want 1", ledger.lockCalls)
	}
}

func TestCreateEngagementAmbiguousWithoutEvent(t *testing.T) {
	ledger := newFakeLedger()
	ledger.stripEventID = true
	coord := newTestCoordinator(t, ledger, newTestStore(t))

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-a"))
	var ambiguous *AmbiguousLedgerStateError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("got %v, want AmbiguousLedgerStateError", err)
	}
	if ambiguous.TxHash == "" {
		t.Fatal("ambiguous error must carry the tx hash for manual resolution")
	}
}

// failingStore wraps a real store and fails the first n InsertEngagement
// calls, simulating a record write crash after funds were locked.
type failingStore struct {
	RecordStore
	failures int
}

func (f *failingStore) InsertEngagement(ctx context.Context, rec *EngagementRecord) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.RecordStore.InsertEngagement(ctx, rec)
}

func TestPartialCommitAndRepair(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	broken := &failingStore{RecordStore: store, failures: 1}
	coord := newTestCoordinator(t, ledger, broken)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-pc"))
	var partial *PartialCommitError
	if !errors.As(err, &partial) {
		t.Fatalf("got %v, want PartialCommitError", err)
	}
	if partial.LedgerID == 0 {
		t.Fatal("partial commit must carry the ledger id")
	}

	rec, repaired, err := coord.Repair(context.Background(), partial.LedgerID, testMetadata())
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !repaired {
		t.Fatal("first repair should insert")
	}
	if rec.LedgerID != partial.LedgerID || rec.Metadata.Title != testMetadata().Title {
		t.Fatalf("repaired record = %+v", rec)
	}

	again, repaired, err := coord.Repair(context.Background(), partial.LedgerID, testMetadata())
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if repaired {
		t.Fatal("second repair must be a no-op")
	}
	if again.ID != rec.ID {
		t.Fatalf("repair produced a second record: %s vs %s", again.ID, rec.ID)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("repair must never lock again, lockCalls = %d", ledger.lockCalls)
	}
}

func TestCreateEngagementRetryAfterPartialCommitDoesNotRelock(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	broken := &failingStore{RecordStore: store, failures: 1}
	coord := newTestCoordinator(t, ledger, broken)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-pcr"))
	var partial *PartialCommitError
	if !errors.As(err, &partial) {
		t.Fatalf("got %v, want PartialCommitError", err)
	}

	// The retry finds the confirmed lock through the ledger and completes
	// only the record write.
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-pcr"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.LedgerID != partial.LedgerID {
		t.Fatalf("retry ledger id = %d, want %d", rec.LedgerID, partial.LedgerID)
	}
	if rec.Metadata.Title != testMetadata().Title {
		t.Fatalf("retry record = %+v", rec)
	}
	if ledger.lockCalls != 1 {
		t.Fatalf("retry must not lock funds again, lockCalls = %d", ledger.lockCalls)
	}
	if _, err := store.GetByLedgerID(context.Background(), partial.LedgerID); err != nil {
		t.Fatalf("retry must leave a stored row: %v", err)
	}

	// A further retry just returns the stored row.
	again, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-pcr"))
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if again.LedgerID != rec.LedgerID || ledger.lockCalls != 1 {
		t.Fatalf("second retry: ledgerID = %d lockCalls = %d", again.LedgerID, ledger.lockCalls)
	}
}

func TestRepairRejectsMismatchedMetadata(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	broken := &failingStore{RecordStore: store, failures: 1}
	coord := newTestCoordinator(t, ledger, broken)

	_, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-m"))
	var partial *PartialCommitError
	if !errors.As(err, &partial) {
		t.Fatalf("got %v, want PartialCommitError", err)
	}
	wrong := testMetadata()
	wrong.Title = "Different title"
	if _, _, err := coord.Repair(context.Background(), partial.LedgerID, wrong); err == nil {
		t.Fatal("repair must verify metadata against the ledger digest")
	}
}

func TestApprovalIsIdempotentAndAutoCompletes(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-ap"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartySeeker)
	if err != nil {
		t.Fatalf("seeker approval: %v", err)
	}
	if !state.SeekerApproved || state.Status != engagement.StatusActive.String() {
		t.Fatalf("state after first approval = %+v", state)
	}
	if ledger.approveCalls != 1 {
		t.Fatalf("approveCalls = %d, want 1", ledger.approveCalls)
	}

	// Second seeker approval is a no-op and submits nothing.
	if _, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartySeeker); err != nil {
		t.Fatalf("repeat approval: %v", err)
	}
	if ledger.approveCalls != 1 {
		t.Fatalf("repeat approval must not resubmit, approveCalls = %d", ledger.approveCalls)
	}

	state, err = coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartyConsultant)
	if err != nil {
		t.Fatalf("consultant approval: %v", err)
	}
	if state.Status != engagement.StatusCompleted.String() {
		t.Fatalf("dual approval should complete, status = %q", state.Status)
	}
	if state.CompletedAt == 0 {
		t.Fatal("completion timestamp missing")
	}
	stored, err := store.GetByLedgerID(context.Background(), rec.LedgerID)
	if err != nil {
		t.Fatalf("stored row: %v", err)
	}
	if stored.Status != engagement.StatusCompleted.String() {
		t.Fatalf("completion not mirrored, stored status = %q", stored.Status)
	}
}

func TestDisputeBlocksCompletion(t *testing.T) {
	ledger := newFakeLedger()
	coord := newTestCoordinator(t, ledger, newTestStore(t))
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-d"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartySeeker); err != nil {
		t.Fatalf("approval: %v", err)
	}
	state, err := coord.SubmitDispute(context.Background(), rec.LedgerID, engagement.PartyConsultant)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if state.Status != engagement.StatusDisputed.String() {
		t.Fatalf("status = %q, want disputed", state.Status)
	}
	if _, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartyConsultant); !errors.Is(err, engagement.ErrTerminalState) {
		t.Fatalf("approval after dispute: got %v, want ErrTerminalState", err)
	}
}

func TestCancelGuards(t *testing.T) {
	ledger := newFakeLedger()
	coord := newTestCoordinator(t, ledger, newTestStore(t))
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-c"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := coord.SubmitCancel(context.Background(), rec.LedgerID, engagement.PartyConsultant); !errors.Is(err, engagement.ErrUnauthorizedCancel) {
		t.Fatalf("consultant cancel: got %v, want ErrUnauthorizedCancel", err)
	}
	if ledger.cancelCalls != 0 {
		t.Fatalf("guard rejections must not reach the ledger, cancelCalls = %d", ledger.cancelCalls)
	}

	if _, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartyConsultant); err != nil {
		t.Fatalf("approval: %v", err)
	}
	if _, err := coord.SubmitCancel(context.Background(), rec.LedgerID, engagement.PartySeeker); !errors.Is(err, engagement.ErrCancelAfterApproval) {
		t.Fatalf("cancel after approval: got %v, want ErrCancelAfterApproval", err)
	}

	rec2, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-c2"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	state, err := coord.SubmitCancel(context.Background(), rec2.LedgerID, engagement.PartySeeker)
	if err != nil {
		t.Fatalf("seeker cancel: %v", err)
	}
	if state.Status != engagement.StatusCancelled.String() {
		t.Fatalf("status = %q, want cancelled", state.Status)
	}
}

func TestTransitionTransportErrorRereadsLedger(t *testing.T) {
	ledger := newFakeLedger()
	coord := newTestCoordinator(t, ledger, newTestStore(t))
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-rr"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The approval lands on chain but the response is lost. The coordinator
	// must discover it by re-reading instead of reporting a failure.
	ledger.approveErr = errors.New("timeout awaiting response")
	ledger.applyOnErr = true
	state, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartySeeker)
	if err != nil {
		t.Fatalf("approval should resolve via re-read, got %v", err)
	}
	if !state.SeekerApproved {
		t.Fatalf("re-read state = %+v", state)
	}

	// A transport failure where nothing landed surfaces as pending with the
	// ledger id as the reference to resolve it by.
	ledger.applyOnErr = false
	_, err = coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartyConsultant)
	var pending *PendingConfirmationError
	if !errors.As(err, &pending) {
		t.Fatalf("got %v, want PendingConfirmationError", err)
	}
	if pending.LedgerID != rec.LedgerID {
		t.Fatalf("pending ledger id = %d, want %d", pending.LedgerID, rec.LedgerID)
	}
}

func TestTransitionLostResponseAfterAutoComplete(t *testing.T) {
	ledger := newFakeLedger()
	store := newTestStore(t)
	coord := newTestCoordinator(t, ledger, store)
	rec, err := coord.CreateEngagement(context.Background(), testCreateRequest("token-ac"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartyConsultant); err != nil {
		t.Fatalf("consultant approval: %v", err)
	}

	// The second approval lands and completes the engagement, but the
	// response is lost. The re-read must report the completion rather than
	// a pending outcome with nothing to recheck.
	ledger.approveErr = errors.New("timeout awaiting response")
	ledger.applyOnErr = true
	state, err := coord.SubmitApproval(context.Background(), rec.LedgerID, engagement.PartySeeker)
	if err != nil {
		t.Fatalf("approval should resolve via re-read, got %v", err)
	}
	if state.Status != engagement.StatusCompleted.String() {
		t.Fatalf("status = %q, want completed", state.Status)
	}
	if !state.SeekerApproved || !state.ConsultantApproved {
		t.Fatalf("state = %+v", state)
	}
	stored, err := store.GetByLedgerID(context.Background(), rec.LedgerID)
	if err != nil {
		t.Fatalf("stored row: %v", err)
	}
	if stored.Status != engagement.StatusCompleted.String() {
		t.Fatalf("completion not mirrored, stored status = %q", stored.Status)
	}
}
