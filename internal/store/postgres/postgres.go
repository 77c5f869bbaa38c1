// Package postgres stores the audit ledger in PostgreSQL.
//
// Each append is a SERIALIZABLE transaction that reads the tail row with
// FOR UPDATE before inserting, so concurrent writers in any number of
// processes either queue behind the lock or fail with a serialization error
// that is reported as audit.ErrWriteConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/asvo/qmsledger/internal/audit"
	"github.com/asvo/qmsledger/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id             BIGSERIAL PRIMARY KEY,
	chain_index    BIGINT UNIQUE,
	user_id        TEXT,
	action         TEXT NOT NULL,
	entity_type    TEXT NOT NULL DEFAULT '',
	entity_id      TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT 'null',
	severity       TEXT NOT NULL DEFAULT 'INFO',
	created_at     TIMESTAMPTZ(6) NOT NULL,
	data_hash      CHAR(64),
	prev_hash      CHAR(64),
	current_hash   CHAR(64),
	signed_by      TEXT,
	signed_at      TIMESTAMPTZ(6),
	signature_hash CHAR(64)
);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_severity ON audit_entries(severity);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);

CREATE OR REPLACE FUNCTION audit_entries_append_only() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'UPDATE'
		AND OLD.signed_by IS NULL AND OLD.signed_at IS NULL AND NEW.signed_by IS NOT NULL
		AND (NEW.id, NEW.chain_index, NEW.user_id, NEW.action, NEW.entity_type, NEW.entity_id,
		     NEW.description, NEW.metadata, NEW.severity, NEW.created_at,
		     NEW.data_hash, NEW.prev_hash, NEW.current_hash)
		IS NOT DISTINCT FROM
		    (OLD.id, OLD.chain_index, OLD.user_id, OLD.action, OLD.entity_type, OLD.entity_id,
		     OLD.description, OLD.metadata, OLD.severity, OLD.created_at,
		     OLD.data_hash, OLD.prev_hash, OLD.current_hash)
	THEN
		RETURN NEW;
	END IF;
	RAISE EXCEPTION 'audit_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_entries_append_only ON audit_entries;
CREATE TRIGGER audit_entries_append_only
	BEFORE UPDATE OR DELETE ON audit_entries
	FOR EACH ROW EXECUTE FUNCTION audit_entries_append_only();
`

// Store is an audit.Store backed by PostgreSQL.
type Store struct {
	*store.DB
}

// Open connects to databaseURL, checks the connection and ensures the
// schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w: %w", audit.ErrStorageUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}

	slog.Debug("postgres ledger opened")
	return &Store{DB: store.New(db, store.Dialect{
		Rebind:    store.RebindDollar,
		TimeArg:   func(t time.Time) any { return t.UTC() },
		MonthExpr: `to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM')`,
		TailLock:  " FOR UPDATE",
		Classify:  classify,
	})}, nil
}

// AppendChained implements audit.Store.
func (s *Store) AppendChained(ctx context.Context, build audit.BuildFunc) (*audit.Entry, error) {
	tx, err := s.Handle().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, s.Err("beginning append", err)
	}
	defer tx.Rollback()

	e, err := s.AppendTx(ctx, tx, build)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, s.Err("committing append", err)
	}
	return e, nil
}

// PostgreSQL error codes reported as a lost race for the tail.
var conflictCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"23505": true, // unique_violation
	"55P03": true, // lock_not_available
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if conflictCodes[pqErr.Code] {
			return fmt.Errorf("%w: %w", audit.ErrWriteConflict, err)
		}
		slog.Debug("postgres error", "code", pqErr.Code, "message", pqErr.Message)
	}
	return fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
}
