package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nichenode/native/engagement"
	"nichenode/observability/logging"
)

// Coordinator orchestrates engagement creation across the escrow ledger and
// the record store, keeping the two in a recoverable relationship when either
// side fails mid-flight. Every local decision is provisional until confirmed
// by a subsequent ledger read.
type Coordinator struct {
	ledger  LedgerClient
	store   RecordStore
	wallet  WalletSession
	chainID string
	log     *slog.Logger
	nowFn   func() time.Time

	mu       sync.Mutex
	inflight map[string]*lockFlight
}

type lockFlight struct {
	done chan struct{}
	rec  *EngagementRecord
	err  error
}

// CreateEngagementRequest captures a seeker's request to engage a consultant.
// The request token scopes one creation attempt; a double-invoke under the
// same token joins the in-flight submission instead of locking funds twice.
type CreateEngagementRequest struct {
	Seeker       string              `json:"seeker"`
	Consultant   string              `json:"consultant"`
	Amount       string              `json:"amount"`
	Metadata     engagement.Metadata `json:"metadata"`
	RequestToken string              `json:"requestToken"`
}

func NewCoordinator(ledger LedgerClient, store RecordStore, wallet WalletSession, chainID string, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		ledger:   ledger,
		store:    store,
		wallet:   wallet,
		chainID:  strings.TrimSpace(chainID),
		log:      log,
		nowFn:    time.Now,
		inflight: make(map[string]*lockFlight),
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = time.Now
		return
	}
	c.nowFn = now
}

func (c *Coordinator) now() time.Time { return c.nowFn().UTC() }

// CreateEngagement produces a single consistent engagement spanning both the
// ledger and the record store, or fails leaving the system in a diagnosable
// state. On success the returned record always has a non-zero ledger id and a
// matching store row; a PartialCommitError means funds are locked and
// discoverable by ledger id even though no row exists yet.
func (c *Coordinator) CreateEngagement(ctx context.Context, req CreateEngagementRequest) (*EngagementRecord, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.RequestToken)
	if token == "" {
		token = uuid.NewString()
	}
	if err := c.ensureWallet(ctx); err != nil {
		return nil, err
	}

	// A token that already produced a durable row must not lock again.
	if existing, err := c.store.GetByRequestToken(ctx, token); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup request token: %w", err)
	}

	c.mu.Lock()
	if flight, ok := c.inflight[token]; ok {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-flight.done:
			return flight.rec, flight.err
		}
	}
	flight := &lockFlight{done: make(chan struct{})}
	c.inflight[token] = flight
	c.mu.Unlock()

	rec, err := c.lockAndRecord(ctx, req, token)
	flight.rec, flight.err = rec, err
	close(flight.done)
	c.mu.Lock()
	delete(c.inflight, token)
	c.mu.Unlock()
	return rec, err
}

func (c *Coordinator) lockAndRecord(ctx context.Context, req CreateEngagementRequest, token string) (*EngagementRecord, error) {
	if rec, done, err := c.resolvePriorSubmission(ctx, req, token); done {
		return rec, err
	}

	digest := req.Metadata.Digest()
	digestHex := hex.EncodeToString(digest[:])

	receipt, err := c.ledger.Lock(ctx, LockRequest{
		Seeker:       req.Seeker,
		Consultant:   req.Consultant,
		Amount:       req.Amount,
		MetaDigest:   digestHex,
		RequestToken: token,
	})
	if err != nil {
		var rejected *LedgerRejectedError
		if errors.As(err, &rejected) {
			lockOutcomes.WithLabelValues(OutcomeRejected).Inc()
			return nil, err
		}
		// The transport failed mid-flight; the transaction may still have
		// landed. Leave a draft behind and force resolution through Recheck
		// instead of risking a second lock.
		lockOutcomes.WithLabelValues(OutcomePending).Inc()
		c.recordDraft(ctx, req, token, digestHex, "")
		c.log.Warn("lock submission outcome unknown", "token", token, "err", err)
		return nil, &PendingConfirmationError{RequestToken: token}
	}

	switch receipt.Outcome {
	case OutcomeRejected:
		lockOutcomes.WithLabelValues(OutcomeRejected).Inc()
		return nil, &LedgerRejectedError{Op: "engagement_lock", Reason: receipt.Reason}
	case OutcomePending:
		lockOutcomes.WithLabelValues(OutcomePending).Inc()
		c.recordDraft(ctx, req, token, digestHex, receipt.TxHash)
		return nil, &PendingConfirmationError{RequestToken: token, TxHash: receipt.TxHash}
	case OutcomeConfirmed:
	default:
		return nil, fmt.Errorf("ledger returned unknown lock outcome %q", receipt.Outcome)
	}

	ledgerID, ok := receipt.Event.LedgerID()
	if !ok {
		lockOutcomes.WithLabelValues("ambiguous").Inc()
		return nil, &AmbiguousLedgerStateError{TxHash: receipt.TxHash}
	}
	lockOutcomes.WithLabelValues(OutcomeConfirmed).Inc()

	now := c.now()
	rec := &EngagementRecord{
		ID:           uuid.NewString(),
		LedgerID:     ledgerID,
		Seeker:       req.Seeker,
		Consultant:   req.Consultant,
		Amount:       req.Amount,
		Metadata:     req.Metadata,
		MetaDigest:   digestHex,
		Status:       engagement.StatusActive.String(),
		RequestToken: token,
		TxHash:       receipt.TxHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.InsertEngagement(ctx, rec); err != nil {
		partialCommits.Inc()
		c.log.Error("funds locked but record write failed", "ledgerId", ledgerID, "err", err)
		return nil, &PartialCommitError{LedgerID: ledgerID, Cause: err}
	}
	c.log.Info("engagement created", "ledgerId", ledgerID,
		logging.Address("seeker", req.Seeker), logging.Address("consultant", req.Consultant))
	return rec, nil
}

// resolvePriorSubmission asks the ledger whether this request token already
// carried a lock before a new one is submitted. A confirmed earlier attempt
// whose record write failed is finished off here; locking again would escrow
// the seeker's funds twice. A rejected or unknown token falls through to a
// fresh lock.
func (c *Coordinator) resolvePriorSubmission(ctx context.Context, req CreateEngagementRequest, token string) (*EngagementRecord, bool, error) {
	status, err := c.ledger.TxStatus(ctx, token)
	if err != nil {
		var rejected *LedgerRejectedError
		if errors.As(err, &rejected) {
			// The ledger has never seen this token.
			return nil, false, nil
		}
		return nil, true, fmt.Errorf("resolve request token %s: %w", token, err)
	}
	switch status.Outcome {
	case OutcomeConfirmed:
		if status.LedgerID == 0 {
			return nil, true, &AmbiguousLedgerStateError{TxHash: status.TxHash}
		}
		if existing, err := c.store.GetByLedgerID(ctx, status.LedgerID); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, ErrRecordNotFound) {
			return nil, true, err
		}
		rec, _, err := c.Repair(ctx, status.LedgerID, req.Metadata)
		if err != nil {
			return nil, true, &PartialCommitError{LedgerID: status.LedgerID, Cause: err}
		}
		return rec, true, nil
	case OutcomePending:
		return nil, true, &PendingConfirmationError{RequestToken: token, TxHash: status.TxHash}
	default:
		return nil, false, nil
	}
}

// recordDraft persists an unsecured draft row so a pending lock remains
// visible and resolvable. Best effort: a failed draft write does not change
// the pending outcome.
func (c *Coordinator) recordDraft(ctx context.Context, req CreateEngagementRequest, token, digestHex, txHash string) {
	now := c.now()
	draft := &EngagementRecord{
		ID:           uuid.NewString(),
		Seeker:       req.Seeker,
		Consultant:   req.Consultant,
		Amount:       req.Amount,
		Metadata:     req.Metadata,
		MetaDigest:   digestHex,
		Status:       engagement.StatusPending.String(),
		RequestToken: token,
		TxHash:       txHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.InsertEngagement(ctx, draft); err != nil {
		c.log.Warn("draft record write failed", "token", token, "err", err)
	}
}

// Repair re-runs only the off-chain write for a ledger-backed engagement that
// has no matching record, keyed by ledger id. Re-running repair for the same
// ledger id yields exactly one record and never issues a second lock. The
// supplied metadata must match the digest the ledger holds.
func (c *Coordinator) Repair(ctx context.Context, ledgerID uint64, meta engagement.Metadata) (*EngagementRecord, bool, error) {
	if ledgerID == 0 {
		return nil, false, errors.New("ledger id required")
	}
	state, err := c.ledger.Get(ctx, ledgerID)
	if err != nil {
		return nil, false, fmt.Errorf("read ledger state: %w", err)
	}
	digest := meta.Digest()
	digestHex := hex.EncodeToString(digest[:])
	if !strings.EqualFold(digestHex, strings.TrimSpace(state.MetaDigest)) {
		return nil, false, fmt.Errorf("metadata does not match ledger digest for engagement %d", ledgerID)
	}
	rec := recordFromLedgerState(state, meta, c.now())
	inserted, err := c.store.InsertEngagementIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("repair insert: %w", err)
	}
	if !inserted {
		existing, err := c.store.GetByLedgerID(ctx, ledgerID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	repairs.Inc()
	c.log.Info("partial commit repaired", "ledgerId", ledgerID)
	return rec, true, nil
}

// Recheck resolves a pending submission by request token or transaction
// hash. The underlying transaction is never resubmitted; the ledger is
// re-read and the local draft promoted or the rejection surfaced.
func (c *Coordinator) Recheck(ctx context.Context, ref string) (*EngagementRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("request token or tx hash required")
	}
	res, err := c.ledger.TxStatus(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve transaction %s: %w", ref, err)
	}
	switch res.Outcome {
	case OutcomePending:
		return nil, &PendingConfirmationError{RequestToken: ref, TxHash: res.TxHash}
	case OutcomeRejected:
		return nil, &LedgerRejectedError{Op: "engagement_lock", Reason: res.Reason}
	case OutcomeConfirmed:
	default:
		return nil, fmt.Errorf("ledger returned unknown tx outcome %q", res.Outcome)
	}
	if res.LedgerID == 0 {
		return nil, &AmbiguousLedgerStateError{TxHash: res.TxHash}
	}
	draft, err := c.store.GetByRequestToken(ctx, ref)
	if errors.Is(err, ErrRecordNotFound) && res.TxHash != "" {
		// The caller may hold only the transaction hash; drafts record it at
		// submission time, so look the draft up through it before rebuilding.
		draft, err = c.store.GetByTxHash(ctx, res.TxHash)
	}
	switch {
	case err == nil && draft.LedgerID != 0:
		return draft, nil
	case err == nil:
		if err := c.store.PromoteDraft(ctx, draft.ID, res.LedgerID, res.TxHash, c.now()); err != nil {
			return nil, fmt.Errorf("promote draft: %w", err)
		}
		return c.store.GetByLedgerID(ctx, res.LedgerID)
	case errors.Is(err, ErrRecordNotFound):
		// No draft survived; rebuild the row from ledger state. Metadata
		// plaintext is gone until the caller repairs with the original details.
		state, err := c.ledger.Get(ctx, res.LedgerID)
		if err != nil {
			return nil, fmt.Errorf("read ledger state: %w", err)
		}
		rec := recordFromLedgerState(state, engagement.Metadata{}, c.now())
		if _, err := c.store.InsertEngagementIfAbsent(ctx, rec); err != nil {
			return nil, fmt.Errorf("recheck insert: %w", err)
		}
		return c.store.GetByLedgerID(ctx, res.LedgerID)
	default:
		return nil, err
	}
}

// SubmitApproval submits one party's completion approval. The transition is
// guarded client-side first; an approval the ledger already holds is a no-op
// and produces no transaction.
func (c *Coordinator) SubmitApproval(ctx context.Context, ledgerID uint64, party engagement.Party) (*LedgerEngagementState, error) {
	return c.submitTransition(ctx, ledgerID, "approve",
		func(e *engagement.Engagement) (bool, error) {
			return engagement.Approve(e, party, c.now().Unix())
		},
		func(ctx context.Context) (*SubmitResult, error) {
			return c.ledger.Approve(ctx, ledgerID, party.String(), c.wallet.Address())
		})
}

// SubmitDispute raises a dispute on behalf of either party.
func (c *Coordinator) SubmitDispute(ctx context.Context, ledgerID uint64, party engagement.Party) (*LedgerEngagementState, error) {
	return c.submitTransition(ctx, ledgerID, "dispute",
		func(e *engagement.Engagement) (bool, error) {
			return engagement.Dispute(e, party)
		},
		func(ctx context.Context) (*SubmitResult, error) {
			return c.ledger.Dispute(ctx, ledgerID, party.String(), c.wallet.Address())
		})
}

// SubmitCancel voids the engagement before any approval is recorded. Callers
// holding an approval are directed to the dispute path by the guard.
func (c *Coordinator) SubmitCancel(ctx context.Context, ledgerID uint64, caller engagement.Party) (*LedgerEngagementState, error) {
	return c.submitTransition(ctx, ledgerID, "cancel",
		func(e *engagement.Engagement) (bool, error) {
			return engagement.Cancel(e, caller)
		},
		func(ctx context.Context) (*SubmitResult, error) {
			return c.ledger.Cancel(ctx, ledgerID, c.wallet.Address())
		})
}

func (c *Coordinator) submitTransition(ctx context.Context, ledgerID uint64, op string, guard func(*engagement.Engagement) (bool, error), submit func(context.Context) (*SubmitResult, error)) (*LedgerEngagementState, error) {
	if ledgerID == 0 {
		return nil, errors.New("ledger id required")
	}
	if err := c.ensureWallet(ctx); err != nil {
		return nil, err
	}
	state, err := c.ledger.Get(ctx, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("read ledger state: %w", err)
	}
	mirror, err := ledgerStateToEngagement(state)
	if err != nil {
		return nil, err
	}
	changed, err := guard(mirror)
	if err != nil {
		transitions.WithLabelValues(op, "guard_rejected").Inc()
		return nil, err
	}
	if !changed {
		// Already applied on the ledger; nothing to submit.
		transitions.WithLabelValues(op, "noop").Inc()
		return state, nil
	}

	res, err := submit(ctx)
	if err != nil {
		var rejected *LedgerRejectedError
		if errors.As(err, &rejected) {
			transitions.WithLabelValues(op, OutcomeRejected).Inc()
			return nil, err
		}
		// A transaction can fail to confirm locally while still landing on
		// chain. Re-read and compare against the state the guard computed
		// before submission; that state already includes any auto-completion
		// the transition triggers.
		fresh, readErr := c.ledger.Get(ctx, ledgerID)
		if readErr == nil {
			if freshMirror, convErr := ledgerStateToEngagement(fresh); convErr == nil && transitionApplied(mirror, freshMirror) {
				transitions.WithLabelValues(op, OutcomeConfirmed).Inc()
				c.mirrorState(ctx, fresh)
				return fresh, nil
			}
		}
		transitions.WithLabelValues(op, OutcomePending).Inc()
		return nil, &PendingConfirmationError{LedgerID: ledgerID}
	}
	switch res.Outcome {
	case OutcomeRejected:
		transitions.WithLabelValues(op, OutcomeRejected).Inc()
		return nil, &LedgerRejectedError{Op: op, Reason: res.Reason}
	case OutcomePending:
		transitions.WithLabelValues(op, OutcomePending).Inc()
		return nil, &PendingConfirmationError{LedgerID: ledgerID, TxHash: res.TxHash}
	case OutcomeConfirmed:
	default:
		return nil, fmt.Errorf("ledger returned unknown %s outcome %q", op, res.Outcome)
	}
	transitions.WithLabelValues(op, OutcomeConfirmed).Inc()

	fresh, err := c.ledger.Get(ctx, ledgerID)
	if err != nil {
		// The transition confirmed; surface the submitted view if the
		// follow-up read hiccups.
		return state, nil
	}
	c.mirrorState(ctx, fresh)
	return fresh, nil
}

// transitionApplied reports whether the ledger state matches the outcome the
// client-side guard computed for the submitted transition.
func transitionApplied(expected, fresh *engagement.Engagement) bool {
	return fresh.Status == expected.Status &&
		fresh.SeekerApproved == expected.SeekerApproved &&
		fresh.ConsultantApproved == expected.ConsultantApproved
}

func (c *Coordinator) mirrorState(ctx context.Context, state *LedgerEngagementState) {
	if state == nil {
		return
	}
	_, err := c.store.MirrorLedgerStatus(ctx, state.LedgerID, LedgerMirror{
		Status:             state.Status,
		SeekerApproved:     state.SeekerApproved,
		ConsultantApproved: state.ConsultantApproved,
		CompletedAt:        state.CompletedAt,
		UpdatedAt:          c.now(),
	})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		c.log.Warn("mirror ledger status failed", "ledgerId", state.LedgerID, "err", err)
	}
}

func (c *Coordinator) ensureWallet(ctx context.Context) error {
	if c.wallet == nil {
		return ErrWalletUnavailable
	}
	have, err := c.wallet.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("wallet chain lookup: %w", err)
	}
	if c.chainID != "" && have != c.chainID {
		return &WrongNetworkError{Have: have, Want: c.chainID}
	}
	return nil
}

func validateCreate(req CreateEngagementRequest) error {
	if strings.TrimSpace(req.Seeker) == "" {
		return errors.New("seeker is required")
	}
	if strings.TrimSpace(req.Consultant) == "" {
		return errors.New("consultant is required")
	}
	if req.Seeker == req.Consultant {
		return errors.New("seeker and consultant must differ")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", req.Amount)
	}
	if amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	if strings.TrimSpace(req.Metadata.Title) == "" {
		return errors.New("metadata title is required")
	}
	return nil
}

func recordFromLedgerState(state *LedgerEngagementState, meta engagement.Metadata, now time.Time) *EngagementRecord {
	rec := &EngagementRecord{
		ID:                 uuid.NewString(),
		LedgerID:           state.LedgerID,
		Seeker:             state.Seeker,
		Consultant:         state.Consultant,
		Amount:             state.Amount,
		Metadata:           meta,
		MetaDigest:         strings.ToLower(strings.TrimSpace(state.MetaDigest)),
		Status:             state.Status,
		SeekerApproved:     state.SeekerApproved,
		ConsultantApproved: state.ConsultantApproved,
		CreatedAt:          time.Unix(state.CreatedAt, 0).UTC(),
		UpdatedAt:          now,
	}
	if state.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if state.CompletedAt > 0 {
		rec.CompletedAt = time.Unix(state.CompletedAt, 0).UTC()
	}
	return rec
}

func ledgerStateToEngagement(state *LedgerEngagementState) (*engagement.Engagement, error) {
	status, err := engagement.ParseStatus(state.Status)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(state.Amount), 10)
	if !ok {
		amount = big.NewInt(0)
	}
	return &engagement.Engagement{
		LedgerID:           state.LedgerID,
		Amount:             amount,
		Status:             status,
		SeekerApproved:     state.SeekerApproved,
		ConsultantApproved: state.ConsultantApproved,
		CreatedAt:          state.CreatedAt,
		CompletedAt:        state.CompletedAt,
	}, nil
}
