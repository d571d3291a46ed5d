package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sakuramed/safeguard/internal/safety"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    timestamp TEXT NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    action_taken TEXT NOT NULL,
    issues_detected TEXT NOT NULL DEFAULT '[]',
    confidence_score REAL NOT NULL,
    processing_time_ms INTEGER NOT NULL,
    original_digest TEXT NOT NULL,
    processed_digest TEXT NOT NULL,
    previous_hash TEXT NOT NULL,
    audit_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_audit_risk ON audit_entries(risk_level);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
`

// Store is the append-only audit log backed by SQLite. The chain head is held
// in memory under the mutex so appends are strictly sequential even under
// concurrent requests.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	headHash string
	headSeq  int64

	genesis string
}

// Open creates or opens the audit database and loads the chain head.
func Open(path, chainAnchor string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	return initStore(db, chainAnchor)
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(chainAnchor string) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory audit database: %w", err)
	}
	// A single conn keeps :memory: from silently sharding into per-conn DBs.
	db.SetMaxOpenConns(1)
	return initStore(db, chainAnchor)
}

func initStore(db *sql.DB, chainAnchor string) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	s := &Store{db: db, genesis: GenesisHash(chainAnchor)}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadHead() error {
	row := s.db.QueryRow(`SELECT seq, audit_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&s.headSeq, &s.headHash); err {
	case nil:
		return nil
	case sql.ErrNoRows:
		s.headSeq = 0
		s.headHash = s.genesis
		return nil
	default:
		return fmt.Errorf("loading chain head: %w", err)
	}
}

func (s *Store) Close() error { return s.db.Close() }

// Record is the caller-supplied portion of an audit entry; the store assigns
// id, seq, timestamp and the hashes.
type Record struct {
	UserID           string
	Operation        string
	RiskLevel        safety.RiskLevel
	ActionTaken      safety.ActionTaken
	IssuesDetected   []safety.Issue
	ConfidenceScore  float64
	ProcessingTimeMs int64
	OriginalDigest   string
	ProcessedDigest  string
}

// Append writes one entry and advances the chain head. Any failure is an
// audit write failure, which callers must treat as fatal for the operation.
func (s *Store) Append(ctx context.Context, rec Record) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		ID:               uuid.NewString(),
		Seq:              s.headSeq + 1,
		Timestamp:        time.Now().UTC(),
		UserID:           rec.UserID,
		Operation:        rec.Operation,
		RiskLevel:        rec.RiskLevel,
		ActionTaken:      rec.ActionTaken,
		IssuesDetected:   rec.IssuesDetected,
		ConfidenceScore:  rec.ConfidenceScore,
		ProcessingTimeMs: rec.ProcessingTimeMs,
		OriginalDigest:   rec.OriginalDigest,
		ProcessedDigest:  rec.ProcessedDigest,
	}
	if entry.IssuesDetected == nil {
		entry.IssuesDetected = []safety.Issue{}
	}

	if _, err := entry.ComputeHash(s.headHash); err != nil {
		return nil, safety.AuditWriteFailure(fmt.Errorf("computing audit hash: %w", err))
	}

	issuesJSON, err := json.Marshal(entry.IssuesDetected)
	if err != nil {
		return nil, safety.AuditWriteFailure(fmt.Errorf("encoding detected issues: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, seq, timestamp, timestamp_ns, user_id, operation, risk_level, action_taken,
			issues_detected, confidence_score, processing_time_ms,
			original_digest, processed_digest, previous_hash, audit_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Seq, entry.Timestamp.Format(time.RFC3339Nano), entry.Timestamp.UnixNano(),
		entry.UserID, entry.Operation, string(entry.RiskLevel), string(entry.ActionTaken),
		string(issuesJSON), entry.ConfidenceScore, entry.ProcessingTimeMs,
		entry.OriginalDigest, entry.ProcessedDigest, entry.PreviousHash, entry.AuditHash,
	)
	if err != nil {
		return nil, safety.AuditWriteFailure(fmt.Errorf("inserting audit entry: %w", err))
	}

	s.headSeq = entry.Seq
	s.headHash = entry.AuditHash
	return entry, nil
}

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	RiskLevel safety.RiskLevel
	UserID    string
	DateFrom  time.Time
	DateTo    time.Time
	Limit     int
}

// List returns entries newest first. It reads the stored rows as-is and does
// not verify the chain; use Verify for integrity checks.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, seq, timestamp, user_id, operation, risk_level, action_taken,
		issues_detected, confidence_score, processing_time_ms,
		original_digest, processed_digest, previous_hash, audit_hash
		FROM audit_entries WHERE 1=1`
	var args []any

	if f.RiskLevel != "" {
		query += ` AND risk_level = ?`
		args = append(args, string(f.RiskLevel))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	// Range bounds compare against the integer nanosecond column; the
	// RFC3339Nano text column orders wrongly across fractional precisions.
	if !f.DateFrom.IsZero() {
		query += ` AND timestamp_ns >= ?`
		args = append(args, f.DateFrom.UnixNano())
	}
	if !f.DateTo.IsZero() {
		query += ` AND timestamp_ns <= ?`
		args = append(args, f.DateTo.UnixNano())
	}
	query += ` ORDER BY seq DESC`

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyResult reports a full-chain verification pass.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	EntriesVerified int      `json:"entries_verified"`
	Breaks          []string `json:"breaks,omitempty"`
}

// Verify recomputes every hash from genesis and reports any break. Tampering
// with a stored row changes its recomputed hash and severs the link to every
// entry after it.
func (s *Store) Verify(ctx context.Context) (*VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, timestamp, user_id, operation, risk_level, action_taken,
		issues_detected, confidence_score, processing_time_ms,
		original_digest, processed_digest, previous_hash, audit_hash
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying audit chain: %w", err)
	}
	defer rows.Close()

	res := &VerifyResult{Valid: true}
	prev := s.genesis
	expectSeq := int64(1)

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if e.Seq != expectSeq {
			res.Valid = false
			res.Breaks = append(res.Breaks, fmt.Sprintf("entry %s: sequence gap, want %d got %d", e.ID, expectSeq, e.Seq))
			expectSeq = e.Seq
		}
		if e.PreviousHash != prev {
			res.Valid = false
			res.Breaks = append(res.Breaks, fmt.Sprintf("entry %s: previous_hash mismatch", e.ID))
		}
		stored := e.AuditHash
		recomputed, err := e.ComputeHash(e.PreviousHash)
		if err != nil {
			return nil, err
		}
		if recomputed != stored {
			res.Valid = false
			res.Breaks = append(res.Breaks, fmt.Sprintf("entry %s: content hash mismatch", e.ID))
		}
		prev = stored
		expectSeq++
		res.EntriesVerified++
	}
	return res, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var ts, issuesJSON, level, action string
	if err := rows.Scan(&e.ID, &e.Seq, &ts, &e.UserID, &e.Operation, &level, &action,
		&issuesJSON, &e.ConfidenceScore, &e.ProcessingTimeMs,
		&e.OriginalDigest, &e.ProcessedDigest, &e.PreviousHash, &e.AuditHash); err != nil {
		return Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing audit timestamp: %w", err)
	}
	e.Timestamp = t
	e.RiskLevel = safety.RiskLevel(level)
	e.ActionTaken = safety.ActionTaken(action)
	if err := json.Unmarshal([]byte(issuesJSON), &e.IssuesDetected); err != nil {
		return Entry{}, fmt.Errorf("decoding detected issues: %w", err)
	}
	return e, nil
}
