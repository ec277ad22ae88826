package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/osint-labs/viraltrace/internal/db"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"save_session": `INSERT INTO sessions (id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			budget_consumed = EXCLUDED.budget_consumed,
			items = EXCLUDED.items,
			edges = EXCLUDED.edges,
			timeline = EXCLUDED.timeline,
			updated_at = EXCLUDED.updated_at`,
	"get_session":         `SELECT id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at FROM sessions WHERE id = $1`,
	"get_candidates":      `SELECT rank, content_id, cluster_id, confidence FROM candidates WHERE session_id = $1 ORDER BY rank`,
	"save_evidence":       `INSERT INTO evidence (record_id, session_id, generated_at, record) VALUES ($1, $2, $3, $4)`,
	"get_evidence":        `SELECT record FROM evidence WHERE session_id = $1 ORDER BY generated_at DESC LIMIT 1`,
	"delete_failed_fetch": `DELETE FROM failed_fetches WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	input            JSONB NOT NULL,
	algorithm        TEXT NOT NULL,
	status           TEXT NOT NULL,
	budget_allocated INTEGER NOT NULL,
	budget_consumed  INTEGER NOT NULL DEFAULT 0,
	items            JSONB NOT NULL DEFAULT '[]',
	edges            JSONB NOT NULL DEFAULT '[]',
	timeline         JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	rank       INTEGER NOT NULL,
	content_id TEXT NOT NULL,
	cluster_id TEXT,
	confidence JSONB NOT NULL,
	PRIMARY KEY (session_id, rank)
);

CREATE TABLE IF NOT EXISTS evidence (
	record_id    TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	generated_at TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence_snapshots (
	record_id    TEXT NOT NULL,
	position     INTEGER NOT NULL,
	content_id   TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	chain_hash   TEXT NOT NULL,
	PRIMARY KEY (record_id, position)
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
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_evidence_session_id ON evidence(session_id);
CREATE INDEX IF NOT EXISTS idx_failed_fetches_next_retry ON failed_fetches(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.TraceSession) error {
	inputJSON, err := json.Marshal(sess.Input)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal input")
	}
	itemsJSON, err := json.Marshal(sess.Items)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal items")
	}
	edgesJSON, err := json.Marshal(sess.Edges)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal edges")
	}
	var timelineJSON []byte
	if sess.Timeline != nil {
		timelineJSON, err = json.Marshal(sess.Timeline)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal timeline")
		}
	}

	_, err = s.pool.Exec(ctx, preparedStatements["save_session"],
		sess.SessionID, inputJSON, string(sess.Algorithm), string(sess.Status),
		sess.BudgetAllocated, sess.BudgetConsumed,
		itemsJSON, edgesJSON, timelineJSON,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save session %s", sess.SessionID)
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.TraceSession, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_session"], sessionID)

	var sess model.TraceSession
	var inputJSON, itemsJSON, edgesJSON []byte
	var timelineJSON []byte
	var algorithm, status string

	err := row.Scan(&sess.SessionID, &inputJSON, &algorithm, &status,
		&sess.BudgetAllocated, &sess.BudgetConsumed,
		&itemsJSON, &edgesJSON, &timelineJSON,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", sessionID)
	}

	sess.Algorithm = model.Algorithm(algorithm)
	sess.Status = model.SessionStatus(status)
	if err := json.Unmarshal(inputJSON, &sess.Input); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal input")
	}
	if err := json.Unmarshal(itemsJSON, &sess.Items); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal items")
	}
	if err := json.Unmarshal(edgesJSON, &sess.Edges); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal edges")
	}
	if len(timelineJSON) > 0 {
		sess.Timeline = &model.TimelineMetrics{}
		if err := json.Unmarshal(timelineJSON, sess.Timeline); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal timeline")
		}
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.TraceSession, error) {
	query := `SELECT id, input, algorithm, status, budget_allocated, budget_consumed, items, edges, timeline, created_at, updated_at
	          FROM sessions WHERE TRUE`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.TraceSession
	for rows.Next() {
		var sess model.TraceSession
		var inputJSON, itemsJSON, edgesJSON, timelineJSON []byte
		var algorithm, status string
		err := rows.Scan(&sess.SessionID, &inputJSON, &algorithm, &status,
			&sess.BudgetAllocated, &sess.BudgetConsumed,
			&itemsJSON, &edgesJSON, &timelineJSON,
			&sess.CreatedAt, &sess.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sess.Algorithm = model.Algorithm(algorithm)
		sess.Status = model.SessionStatus(status)
		if err := json.Unmarshal(inputJSON, &sess.Input); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal input")
		}
		if err := json.Unmarshal(itemsJSON, &sess.Items); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal items")
		}
		if err := json.Unmarshal(edgesJSON, &sess.Edges); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal edges")
		}
		if len(timelineJSON) > 0 {
			sess.Timeline = &model.TimelineMetrics{}
			if err := json.Unmarshal(timelineJSON, sess.Timeline); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal timeline")
			}
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// SaveCandidates replaces the ranking for a session with a bulk upsert
// keyed on (session_id, rank).
func (s *PostgresStore) SaveCandidates(ctx context.Context, sessionID string, cands []model.OriginCandidate) error {
	rows := make([][]any, 0, len(cands))
	for _, c := range cands {
		confJSON, err := json.Marshal(c.Confidence)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal confidence")
		}
		rows = append(rows, []any{sessionID, c.Rank, c.ContentID, c.ClusterID, confJSON})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "candidates",
		Columns:      []string{"session_id", "rank", "content_id", "cluster_id", "confidence"},
		ConflictKeys: []string{"session_id", "rank"},
	}, rows)
	return eris.Wrapf(err, "postgres: save candidates %s", sessionID)
}

func (s *PostgresStore) GetCandidates(ctx context.Context, sessionID string) ([]model.OriginCandidate, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["get_candidates"], sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get candidates")
	}
	defer rows.Close()

	var cands []model.OriginCandidate
	for rows.Next() {
		var c model.OriginCandidate
		var clusterID sql.NullString
		var confJSON []byte
		if err := rows.Scan(&c.Rank, &c.ContentID, &clusterID, &confJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		c.ClusterID = clusterID.String
		if err := json.Unmarshal(confJSON, &c.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal confidence")
		}
		cands = append(cands, c)
	}
	return cands, eris.Wrap(rows.Err(), "postgres: candidates iterate")
}

// SaveEvidence stores the full record as JSONB and bulk-copies the hash
// chain into evidence_snapshots for per-item queries.
func (s *PostgresStore) SaveEvidence(ctx context.Context, record *model.EvidenceRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence")
	}
	_, err = s.pool.Exec(ctx, preparedStatements["save_evidence"],
		record.RecordID, record.SessionID, record.GeneratedAt, recordJSON)
	if err != nil {
		return eris.Wrapf(err, "postgres: save evidence %s", record.RecordID)
	}

	rows := make([][]any, 0, len(record.Snapshots))
	for i, snap := range record.Snapshots {
		rows = append(rows, []any{record.RecordID, i, snap.ContentID, snap.PayloadHash, snap.ChainHash})
	}
	_, err = db.CopyFrom(ctx, s.pool, "evidence_snapshots",
		[]string{"record_id", "position", "content_id", "payload_hash", "chain_hash"}, rows)
	return eris.Wrapf(err, "postgres: save evidence snapshots %s", record.RecordID)
}

func (s *PostgresStore) GetEvidence(ctx context.Context, sessionID string) (*model.EvidenceRecord, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_evidence"], sessionID)

	var recordJSON []byte
	err := row.Scan(&recordJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get evidence")
	}

	var record model.EvidenceRecord
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal evidence")
	}
	return &record, nil
}

func (s *PostgresStore) EnqueueFailedFetch(ctx context.Context, entry resilience.FailedFetch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_fetches (id, session_id, platform, ref, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			error = EXCLUDED.error,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_failed_at = EXCLUDED.last_failed_at`,
		entry.ID, entry.SessionID, string(entry.Platform), entry.Ref,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue failed fetch %s", entry.ID)
}

func (s *PostgresStore) ListFailedFetches(ctx context.Context, filter resilience.FailedFetchFilter) ([]resilience.FailedFetch, error) {
	query := `SELECT id, session_id, platform, ref, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM failed_fetches WHERE next_retry_at <= now()`
	var args []any

	if filter.Platform != "" {
		args = append(args, string(filter.Platform))
		query += ` AND platform = $` + strconv.Itoa(len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += ` AND error_type = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY next_retry_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed fetches")
	}
	defer rows.Close()

	var entries []resilience.FailedFetch
	for rows.Next() {
		var e resilience.FailedFetch
		var platform string
		err := rows.Scan(&e.ID, &e.SessionID, &platform, &e.Ref, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed fetch")
		}
		e.Platform = model.Platform(platform)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: failed fetches iterate")
}

func (s *PostgresStore) DeleteFailedFetch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, preparedStatements["delete_failed_fetch"], id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete failed fetch %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

