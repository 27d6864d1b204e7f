package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nichenode/gateway/auth"
	"nichenode/native/engagement"
)

// RecordStore is the off-chain persistence consumed by the coordinator,
// reconciler and watcher. It is the source of truth for descriptive metadata
// only; engagement status is mirrored from the ledger post-hoc and never
// originates here.
type RecordStore interface {
	InsertEngagement(ctx context.Context, rec *EngagementRecord) error
	InsertEngagementIfAbsent(ctx context.Context, rec *EngagementRecord) (bool, error)
	GetEngagement(ctx context.Context, id string) (*EngagementRecord, error)
	GetByLedgerID(ctx context.Context, ledgerID uint64) (*EngagementRecord, error)
	GetByRequestToken(ctx context.Context, token string) (*EngagementRecord, error)
	GetByTxHash(ctx context.Context, txHash string) (*EngagementRecord, error)
	FindByParticipant(ctx context.Context, participant string) ([]*EngagementRecord, error)
	PromoteDraft(ctx context.Context, recordID string, ledgerID uint64, txHash string, updatedAt time.Time) error
	MirrorLedgerStatus(ctx context.Context, ledgerID uint64, mirror LedgerMirror) (bool, error)
}

var (
	// ErrRecordNotFound is returned when no engagement matches the lookup key.
	ErrRecordNotFound = errors.New("engagement record not found")
	// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")
	// ErrDuplicateLedgerID is returned when an insert would produce a second
	// record for the same ledger id.
	ErrDuplicateLedgerID = errors.New("record already exists for ledger id")
)

// EngagementRecord is the off-chain row backing one engagement. LedgerID is
// zero while the engagement is an unsecured draft.
type EngagementRecord struct {
	ID                 string
	LedgerID           uint64
	Seeker             string
	Consultant         string
	Amount             string
	Metadata           engagement.Metadata
	MetaDigest         string
	Status             string
	SeekerApproved     bool
	ConsultantApproved bool
	RequestToken       string
	TxHash             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
}

// LedgerMirror carries the authoritative ledger fields mirrored into the
// record store after a confirmed read or event.
type LedgerMirror struct {
	Status             string
	SeekerApproved     bool
	ConsultantApproved bool
	CompletedAt        int64
	UpdatedAt          time.Time
}

// SQLiteStore persists engagement records, idempotency keys, the audit log,
// watcher events and auth nonces.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS engagements (
            id TEXT PRIMARY KEY,
            ledger_id INTEGER UNIQUE,
            seeker TEXT NOT NULL,
            consultant TEXT NOT NULL,
            amount TEXT NOT NULL,
            title TEXT NOT NULL,
            description TEXT,
            timeline TEXT,
            meta_digest TEXT NOT NULL,
            status TEXT NOT NULL,
            seeker_approved INTEGER NOT NULL DEFAULT 0,
            consultant_approved INTEGER NOT NULL DEFAULT 0,
            request_token TEXT UNIQUE,
            tx_hash TEXT,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_engagements_seeker ON engagements(seeker);`,
		`CREATE INDEX IF NOT EXISTS idx_engagements_consultant ON engagements(consultant);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            tx_hash TEXT,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS auth_nonces (
            api_key TEXT NOT NULL,
            timestamp TEXT NOT NULL,
            nonce TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, timestamp, nonce)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const engagementColumns = `id, ledger_id, seeker, consultant, amount, title, description, timeline, meta_digest, status, seeker_approved, consultant_approved, request_token, tx_hash, created_at, updated_at, completed_at`

// InsertEngagement persists a new engagement row. A second row for the same
// ledger id is refused.
func (s *SQLiteStore) InsertEngagement(ctx context.Context, rec *EngagementRecord) error {
	const stmt = `INSERT INTO engagements(` + engagementColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, insertArgs(rec)...)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %d", ErrDuplicateLedgerID, rec.LedgerID)
	}
	return err
}

// InsertEngagementIfAbsent inserts the row unless one already exists for the
// same ledger id. Used by partial-commit repair so re-running the off-chain
// write yields exactly one record, never two.
func (s *SQLiteStore) InsertEngagementIfAbsent(ctx context.Context, rec *EngagementRecord) (bool, error) {
	if rec.LedgerID == 0 {
		return false, errors.New("repair insert requires a ledger id")
	}
	const stmt = `INSERT INTO engagements(` + engagementColumns + `)
        SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
        WHERE NOT EXISTS (SELECT 1 FROM engagements WHERE ledger_id = ?)`
	args := append(insertArgs(rec), rec.LedgerID)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func insertArgs(rec *EngagementRecord) []interface{} {
	return []interface{}{
		rec.ID, nullUint(rec.LedgerID), rec.Seeker, rec.Consultant, rec.Amount,
		rec.Metadata.Title, rec.Metadata.Description, rec.Metadata.Timeline,
		rec.MetaDigest, rec.Status, boolInt(rec.SeekerApproved), boolInt(rec.ConsultantApproved),
		nullString(rec.RequestToken), rec.TxHash, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.CompletedAt),
	}
}

func (s *SQLiteStore) GetEngagement(ctx context.Context, id string) (*EngagementRecord, error) {
	return s.queryOne(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByLedgerID(ctx context.Context, ledgerID uint64) (*EngagementRecord, error) {
	return s.queryOne(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE ledger_id = ?`, ledgerID)
}

func (s *SQLiteStore) GetByRequestToken(ctx context.Context, token string) (*EngagementRecord, error) {
	return s.queryOne(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE request_token = ?`, token)
}

func (s *SQLiteStore) GetByTxHash(ctx context.Context, txHash string) (*EngagementRecord, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, ErrRecordNotFound
	}
	return s.queryOne(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE tx_hash = ?`, txHash)
}

// FindByParticipant returns engagements where the participant is either the
// seeker or the consultant, newest first.
func (s *SQLiteStore) FindByParticipant(ctx context.Context, participant string) ([]*EngagementRecord, error) {
	const query = `SELECT ` + engagementColumns + ` FROM engagements WHERE seeker = ? OR consultant = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, participant, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*EngagementRecord
	for rows.Next() {
		rec, err := scanEngagement(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PromoteDraft attaches a confirmed ledger id to a pending draft row and
// marks it active.
func (s *SQLiteStore) PromoteDraft(ctx context.Context, recordID string, ledgerID uint64, txHash string, updatedAt time.Time) error {
	const stmt = `UPDATE engagements SET ledger_id = ?, tx_hash = ?, status = ?, updated_at = ? WHERE id = ? AND ledger_id IS NULL`
	res, err := s.db.ExecContext(ctx, stmt, ledgerID, txHash, engagement.StatusActive.String(), updatedAt, recordID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrDuplicateLedgerID, ledgerID)
		}
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("draft %s not found or already promoted", recordID)
	}
	return nil
}

// MirrorLedgerStatus copies authoritative ledger fields onto the off-chain
// row. Backward transitions from stale reads are refused; the returned bool
// reports whether the row changed.
func (s *SQLiteStore) MirrorLedgerStatus(ctx context.Context, ledgerID uint64, mirror LedgerMirror) (bool, error) {
	rec, err := s.GetByLedgerID(ctx, ledgerID)
	if err != nil {
		return false, err
	}
	current, err := engagement.ParseStatus(rec.Status)
	if err != nil {
		return false, err
	}
	next, err := engagement.ParseStatus(mirror.Status)
	if err != nil {
		return false, err
	}
	if !engagement.CanTransition(current, next) {
		return false, nil
	}
	completed := nullTime(time.Time{})
	if mirror.CompletedAt > 0 {
		completed = time.Unix(mirror.CompletedAt, 0).UTC()
	}
	const stmt = `UPDATE engagements SET status = ?, seeker_approved = ?, consultant_approved = ?, completed_at = ?, updated_at = ? WHERE ledger_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, mirror.Status, boolInt(mirror.SeekerApproved), boolInt(mirror.ConsultantApproved), completed, mirror.UpdatedAt, ledgerID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg interface{}) (*EngagementRecord, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	rec, err := scanEngagement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEngagement(row rowScanner) (*EngagementRecord, error) {
	var rec EngagementRecord
	var ledgerID sql.NullInt64
	var description, timeline, requestToken, txHash sql.NullString
	var seekerApproved, consultantApproved int
	var completedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &ledgerID, &rec.Seeker, &rec.Consultant, &rec.Amount,
		&rec.Metadata.Title, &description, &timeline, &rec.MetaDigest, &rec.Status,
		&seekerApproved, &consultantApproved, &requestToken, &txHash,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if ledgerID.Valid {
		rec.LedgerID = uint64(ledgerID.Int64)
	}
	rec.Metadata.Description = description.String
	rec.Metadata.Timeline = timeline.String
	rec.RequestToken = requestToken.String
	rec.TxHash = txHash.String
	rec.SeekerApproved = seekerApproved == 1
	rec.ConsultantApproved = consultantApproved == 1
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	return &rec, nil
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// StoredEvent represents a ledger event persisted by the watcher.
type StoredEvent struct {
	Sequence  int64
	Type      string
	TxHash    string
	Payload   string
	CreatedAt time.Time
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, evt StoredEvent) error {
	const stmt = `INSERT OR REPLACE INTO ledger_events(sequence, type, tx_hash, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, evt.TxHash, evt.Payload, evt.CreatedAt)
	return err
}

// LastEventSequence returns the last processed ledger event sequence.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'ledger_events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// UpdateEventSequence advances the watcher cursor. The cursor never rewinds.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, sequence int64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('ledger_events', ?)
        ON CONFLICT(name) DO UPDATE SET value = excluded.value WHERE excluded.value > event_cursors.value`
	_, err := s.db.ExecContext(ctx, stmt, sequence)
	return err
}

// EnsureNonce implements auth.NoncePersistence.
func (s *SQLiteStore) EnsureNonce(ctx context.Context, record auth.NonceRecord) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO auth_nonces(api_key, timestamp, nonce, observed_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, record.APIKey, record.Timestamp, record.Nonce, record.ObservedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

// RecentNonces implements auth.NoncePersistence.
func (s *SQLiteStore) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	const query = `SELECT api_key, timestamp, nonce, observed_at FROM auth_nonces WHERE observed_at >= ?`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []auth.NonceRecord
	for rows.Next() {
		var rec auth.NonceRecord
		if err := rows.Scan(&rec.APIKey, &rec.Timestamp, &rec.Nonce, &rec.ObservedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneNonces implements auth.NoncePersistence.
func (s *SQLiteStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM auth_nonces WHERE observed_at < ?`
	_, err := s.db.ExecContext(ctx, stmt, cutoff)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullUint(v uint64) interface{} {
	if v == 0 {
		return nil
	}
	return int64(v)
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
