package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	input            TEXT NOT NULL,
	algorithm        TEXT NOT NULL,
	status           TEXT NOT NULL,
	budget_allocated INTEGER NOT NULL,
	budget_consumed  INTEGER NOT NULL DEFAULT 0,
	items            TEXT NOT NULL DEFAULT '[]',
	edges            TEXT NOT NULL DEFAULT '[]',
	timeline         TEXT,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	rank       INTEGER NOT NULL,
	content_id TEXT NOT NULL,
	cluster_id TEXT,
	confidence TEXT NOT NULL,
	PRIMARY KEY (session_id, rank)
);

CREATE TABLE IF NOT EXISTS evidence (
	record_id    TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	generated_at DATETIME NOT NULL,
	record       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_fetches (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	platform       TEXT NOT NULL,
	ref            TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_evidence_session_id ON evidence(session_id);
CREATE INDEX IF NOT EXISTS idx_failed_fetches_next_retry ON failed_fetches(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *model.TraceSession) error {
	inputJSON, err := json.Marshal(sess.Input)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal input")
	}
	itemsJSON, err := json.Marshal(sess.Items)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal items")
	}
	edgesJSON, err := json.Marshal(sess.Edges)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal edges")
	}
	var timelineJSON sql.NullString
	if sess.Timeline != nil {
		b, err := json.Marshal(sess.Timeline)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal timeline")
		}
		timelineJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			budget_consumed = excluded.budget_consumed,
			items = excluded.items,
			edges = excluded.edges,
			timeline = excluded.timeline,
			updated_at = excluded.updated_at`,
		sess.SessionID, string(inputJSON), string(sess.Algorithm), string(sess.Status),
		sess.BudgetAllocated, sess.BudgetConsumed,
		string(itemsJSON), string(edgesJSON), timelineJSON,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save session %s", sess.SessionID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.TraceSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		sessionID,
	)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.TraceSession, error) {
	query := `SELECT id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at
	          FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.TraceSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) SaveCandidates(ctx context.Context, sessionID string, cands []model.OriginCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE session_id = ?`, sessionID); err != nil {
		return eris.Wrapf(err, "sqlite: clear candidates %s", sessionID)
	}
	for _, c := range cands {
		confJSON, err := json.Marshal(c.Confidence)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal confidence")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO candidates (session_id, rank, content_id, cluster_id, confidence) VALUES (?, ?, ?, ?, ?)`,
			sessionID, c.Rank, c.ContentID, c.ClusterID, string(confJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s", c.ContentID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit candidates")
}

func (s *SQLiteStore) GetCandidates(ctx context.Context, sessionID string) ([]model.OriginCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rank, content_id, cluster_id, confidence FROM candidates WHERE session_id = ? ORDER BY rank`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get candidates")
	}
	defer rows.Close()

	var cands []model.OriginCandidate
	for rows.Next() {
		var c model.OriginCandidate
		var clusterID sql.NullString
		var confJSON string
		if err := rows.Scan(&c.Rank, &c.ContentID, &clusterID, &confJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		c.ClusterID = clusterID.String
		if err := json.Unmarshal([]byte(confJSON), &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal confidence")
		}
		cands = append(cands, c)
	}
	return cands, eris.Wrap(rows.Err(), "sqlite: candidates iterate")
}

func (s *SQLiteStore) SaveEvidence(ctx context.Context, record *model.EvidenceRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (record_id, session_id, generated_at, record) VALUES (?, ?, ?, ?)`,
		record.RecordID, record.SessionID, record.GeneratedAt, string(recordJSON),
	)
	return eris.Wrapf(err, "sqlite: save evidence %s", record.RecordID)
}

func (s *SQLiteStore) GetEvidence(ctx context.Context, sessionID string) (*model.EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM evidence WHERE session_id = ? ORDER BY generated_at DESC LIMIT 1`,
		sessionID,
	)

	var recordJSON string
	err := row.Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get evidence")
	}

	var record model.EvidenceRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal evidence")
	}
	return &record, nil
}

func (s *SQLiteStore) EnqueueFailedFetch(ctx context.Context, entry resilience.FailedFetch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_fetches (id, session_id, platform, ref, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			error = excluded.error,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.SessionID, string(entry.Platform), entry.Ref,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue failed fetch %s", entry.ID)
}

func (s *SQLiteStore) ListFailedFetches(ctx context.Context, filter resilience.FailedFetchFilter) ([]resilience.FailedFetch, error) {
	query := `SELECT id, session_id, platform, ref, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM failed_fetches WHERE next_retry_at <= ?`
	args := []any{time.Now().UTC()}

	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed fetches")
	}
	defer rows.Close()

	var entries []resilience.FailedFetch
	for rows.Next() {
		var e resilience.FailedFetch
		var platform string
		err := rows.Scan(&e.ID, &e.SessionID, &platform, &e.Ref, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed fetch")
		}
		e.Platform = model.Platform(platform)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: failed fetches iterate")
}

func (s *SQLiteStore) DeleteFailedFetch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_fetches WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete failed fetch %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.TraceSession, error) {
	var sess model.TraceSession
	var inputJSON, itemsJSON, edgesJSON, algorithm, status string
	var timelineJSON sql.NullString

	err := row.Scan(&sess.SessionID, &inputJSON, &algorithm, &status,
		&sess.BudgetAllocated, &sess.BudgetConsumed,
		&itemsJSON, &edgesJSON, &timelineJSON,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}

	sess.Algorithm = model.Algorithm(algorithm)
	sess.Status = model.SessionStatus(status)
	if err := json.Unmarshal([]byte(inputJSON), &sess.Input); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal input")
	}
	if err := json.Unmarshal([]byte(itemsJSON), &sess.Items); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal items")
	}
	if err := json.Unmarshal([]byte(edgesJSON), &sess.Edges); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal edges")
	}
	if timelineJSON.Valid {
		sess.Timeline = &model.TimelineMetrics{}
		if err := json.Unmarshal([]byte(timelineJSON.String), sess.Timeline); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal timeline")
		}
	}
	return &sess, nil
}
