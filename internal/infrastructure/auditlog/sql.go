package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	sequence      BIGINT NOT NULL UNIQUE,
	timestamp     TIMESTAMPTZ NOT NULL,
	action        TEXT NOT NULL,
	rule_id       TEXT NOT NULL DEFAULT '',
	threat_id     TEXT NOT NULL DEFAULT '',
	score         DOUBLE PRECISION NOT NULL,
	outcome       TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	previous_hash TEXT NOT NULL,
	hash          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_timestamp_idx ON audit_records (timestamp);
`

// SQLSink stores records in the audit_records table
type SQLSink struct {
	db *sql.DB
}

// OpenSQL connects to PostgreSQL and ensures the schema exists
func OpenSQL(ctx context.Context, databaseURL string) (*SQLSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.NewConfigurationError("AUDIT_DATABASE", "invalid audit database url").WithCause(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewConfigurationError("AUDIT_DATABASE", "audit database unreachable").WithCause(err)
	}

	s := NewSQLSink(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetPool applies connection pool limits
func (s *SQLSink) SetPool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	s.db.SetMaxOpenConns(maxOpen)
	s.db.SetMaxIdleConns(maxIdle)
	s.db.SetConnMaxLifetime(maxLifetime)
}

// NewSQLSink wraps an open database
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// Init creates the table and index if missing
func (s *SQLSink) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (s *SQLSink) Write(ctx context.Context, r *audit.Record) error {
	var metadata interface{}
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = string(b)
	}

	query := `INSERT INTO audit_records
		(id, sequence, timestamp, action, rule_id, threat_id, score, outcome, actor, metadata, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Sequence, r.Timestamp, string(r.Action), r.RuleID, r.ThreatID,
		r.Score, r.Outcome, r.Actor, metadata, r.PreviousHash, r.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Head returns the sequence and hash of the newest stored record
func (s *SQLSink) Head(ctx context.Context) (int64, string, error) {
	query := `SELECT sequence, hash FROM audit_records ORDER BY sequence DESC LIMIT 1`
	var seq int64
	var hash string
	err := s.db.QueryRowContext(ctx, query).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read audit head: %w", err)
	}
	return seq, hash, nil
}

// Prune deletes records older than before and returns how many were removed
func (s *SQLSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
