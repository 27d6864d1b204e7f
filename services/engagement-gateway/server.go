package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nichenode/native/engagement"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for engagement coordination.
type Server struct {
	authenticator *Authenticator
	coordinator   *Coordinator
	reconciler    *Reconciler
	store         *SQLiteStore
	metrics       http.Handler
	nowFn         func() time.Time
}

func NewServer(auth *Authenticator, coordinator *Coordinator, reconciler *Reconciler, store *SQLiteStore) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if coordinator == nil {
		panic("coordinator required")
	}
	if reconciler == nil {
		panic("reconciler required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	return &Server{
		authenticator: auth,
		coordinator:   coordinator,
		reconciler:    reconciler,
		store:         store,
		metrics:       promhttp.Handler(),
		nowFn:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case r.Method == http.MethodGet && path == "/metrics":
		s.metrics.ServeHTTP(w, r)
	case r.Method == http.MethodPost && path == "/engagements":
		s.handleCreate(w, r)
	case r.Method == http.MethodPost && path == "/engagements/repair":
		s.handleRepair(w, r)
	case r.Method == http.MethodPost && path == "/engagements/recheck":
		s.handleRecheck(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/engagements/"):
		s.handleTransition(w, r)
	case r.Method == http.MethodGet && path == "/engagements":
		s.handleList(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/engagements/"):
		s.handleGet(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.fail(w, r, principal, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, canonicalRequestPath(r), body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.fail(w, r, principal, body, status, cacheErr)
		return
	}
	if cached != nil {
		s.respond(w, r, principal, body, cached.Status, cached.Body)
		return
	}

	var req CreateEngagementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if req.RequestToken == "" {
		req.RequestToken = key
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	rec, err := s.coordinator.CreateEngagement(ctx, req)
	if err != nil {
		status, payload := encodeCoordinatorError(err)
		if status == http.StatusAccepted {
			// Pending is a durable answer worth caching; retries under the
			// same key get the same token to recheck instead of a new lock.
			_ = s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, payload)
		}
		s.respond(w, r, principal, body, status, payload)
		return
	}
	payload, err := json.Marshal(recordPayload(rec))
	if err != nil {
		s.fail(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.fail(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, r, principal, body, http.StatusCreated, payload)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/engagements/")
	idPart, op, found := strings.Cut(rest, "/")
	if !found || idPart == "" {
		http.NotFound(w, r)
		return
	}
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	rec, err := s.lookupRecord(r.Context(), idPart)
	if err != nil {
		s.fail(w, r, principal, body, statusForError(err), err)
		return
	}
	if rec.LedgerID == 0 {
		s.fail(w, r, principal, body, http.StatusConflict, errors.New("engagement has no confirmed ledger lock; recheck first"))
		return
	}
	var req struct {
		Party string `json:"party"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.fail(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
			return
		}
	}
	party, err := engagement.ParseParty(req.Party)
	if err != nil {
		s.fail(w, r, principal, body, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	var state *LedgerEngagementState
	switch op {
	case "approve":
		state, err = s.coordinator.SubmitApproval(ctx, rec.LedgerID, party)
	case "dispute":
		state, err = s.coordinator.SubmitDispute(ctx, rec.LedgerID, party)
	case "cancel":
		state, err = s.coordinator.SubmitCancel(ctx, rec.LedgerID, party)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		status, payload := encodeCoordinatorError(err)
		s.respond(w, r, principal, body, status, payload)
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		s.fail(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, r, principal, body, http.StatusOK, payload)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req struct {
		LedgerID uint64              `json:"ledgerId"`
		Metadata engagement.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	rec, repaired, err := s.coordinator.Repair(ctx, req.LedgerID, req.Metadata)
	if err != nil {
		status, payload := encodeCoordinatorError(err)
		s.respond(w, r, principal, body, status, payload)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"engagement": recordPayload(rec),
		"repaired":   repaired,
	})
	if err != nil {
		s.fail(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if repaired {
		status = http.StatusCreated
	}
	s.respond(w, r, principal, body, status, payload)
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	rec, err := s.coordinator.Recheck(ctx, req.Ref)
	if err != nil {
		status, payload := encodeCoordinatorError(err)
		s.respond(w, r, principal, body, status, payload)
		return
	}
	payload, err := json.Marshal(recordPayload(rec))
	if err != nil {
		s.fail(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, r, principal, body, http.StatusOK, payload)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/engagements/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	rec, err := s.lookupRecord(r.Context(), id)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	view := s.reconciler.Reconcile(r.Context(), rec)
	payload, err := json.Marshal(viewPayload(view))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("participant query parameter required"))
		return
	}
	recs, err := s.store.FindByParticipant(r.Context(), participant)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := s.reconciler.ReconcileAll(r.Context(), recs)
	payloadViews := make([]map[string]interface{}, len(views))
	for i, view := range views {
		payloadViews[i] = viewPayload(view)
	}
	payload, err := json.Marshal(map[string]interface{}{"engagements": payloadViews})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// lookupRecord resolves a path segment as a record id first, then as a
// numeric ledger id.
func (s *Server) lookupRecord(ctx context.Context, ref string) (*EngagementRecord, error) {
	rec, err := s.store.GetEngagement(ctx, ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if ledgerID, parseErr := strconv.ParseUint(ref, 10, 64); parseErr == nil && ledgerID > 0 {
		return s.store.GetByLedgerID(ctx, ledgerID)
	}
	return nil, err
}

func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) ([]byte, *Principal, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), nil, r, body, http.StatusUnauthorized, []byte(fmt.Sprintf(`{"error":"%s"}`, err.Error())))
		return nil, nil, false
	}
	return body, principal, true
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, principal *Principal, requestBody []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, requestBody, status, payload)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, principal *Principal, requestBody []byte, status int, err error) {
	s.writeError(w, status, err)
	s.audit(r.Context(), principal, r, requestBody, status, []byte(fmt.Sprintf(`{"error":"%s"}`, strings.ReplaceAll(err.Error(), `"`, "'"))))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := strings.ReplaceAll(err.Error(), `"`, "'")
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, msg)))
}

func (s *Server) audit(ctx context.Context, principal *Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           canonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	_ = s.store.InsertAuditLog(ctx, entry)
}

// encodeCoordinatorError maps the coordinator's error taxonomy onto HTTP.
// Pending is not a failure: the caller gets 202 plus the reference needed to
// recheck. A partial commit carries the ledger id needed for repair.
func encodeCoordinatorError(err error) (int, []byte) {
	var pending *PendingConfirmationError
	if errors.As(err, &pending) {
		fields := map[string]interface{}{
			"status":       "pending",
			"requestToken": pending.RequestToken,
			"txHash":       pending.TxHash,
		}
		if pending.LedgerID != 0 {
			fields["ledgerId"] = pending.LedgerID
		}
		payload, _ := json.Marshal(fields)
		return http.StatusAccepted, payload
	}
	var partial *PartialCommitError
	if errors.As(err, &partial) {
		payload, _ := json.Marshal(map[string]interface{}{
			"error":    "funds locked but record write failed; repair with the ledger id",
			"ledgerId": partial.LedgerID,
		})
		return http.StatusInternalServerError, payload
	}
	status := statusForError(err)
	payload, _ := json.Marshal(map[string]string{"error": strings.ReplaceAll(err.Error(), `"`, "'")})
	return status, payload
}

func statusForError(err error) int {
	var wrongNet *WrongNetworkError
	var rejected *LedgerRejectedError
	var ambiguous *AmbiguousLedgerStateError
	switch {
	case errors.Is(err, ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &wrongNet):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ambiguous):
		return http.StatusConflict
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, engagement.ErrTerminalState),
		errors.Is(err, engagement.ErrNotActive),
		errors.Is(err, engagement.ErrCancelAfterApproval),
		errors.Is(err, engagement.ErrUnauthorizedCancel):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func recordPayload(rec *EngagementRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"id":                 rec.ID,
		"seeker":             rec.Seeker,
		"consultant":         rec.Consultant,
		"amount":             rec.Amount,
		"metadata":           rec.Metadata,
		"metaDigest":         rec.MetaDigest,
		"status":             rec.Status,
		"seekerApproved":     rec.SeekerApproved,
		"consultantApproved": rec.ConsultantApproved,
		"createdAt":          rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.LedgerID != 0 {
		payload["ledgerId"] = rec.LedgerID
	}
	if rec.RequestToken != "" {
		payload["requestToken"] = rec.RequestToken
	}
	if rec.TxHash != "" {
		payload["txHash"] = rec.TxHash
	}
	if !rec.CompletedAt.IsZero() {
		payload["completedAt"] = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func viewPayload(view *EngagementView) map[string]interface{} {
	return map[string]interface{}{
		"engagement": recordPayload(view.Record),
		"freshness":  view.Freshness,
		"checkedAt":  view.CheckedAt.UTC().Format(time.RFC3339),
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
