// Package sqlite stores the audit ledger in a single SQLite file.
//
// Appends run in a BEGIN IMMEDIATE transaction on a dedicated connection,
// which takes SQLite's write lock before the tail is read. Several
// processes can share one file; a writer that cannot get the lock within
// the busy timeout fails with audit.ErrWriteConflict.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/asvo/qmsledger/internal/audit"
	"github.com/asvo/qmsledger/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_index    INTEGER UNIQUE,
	user_id        TEXT,
	action         TEXT NOT NULL,
	entity_type    TEXT NOT NULL DEFAULT '',
	entity_id      TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT 'null',
	severity       TEXT NOT NULL DEFAULT 'INFO',
	created_at     TEXT NOT NULL,
	data_hash      TEXT,
	prev_hash      TEXT,
	current_hash   TEXT,
	signed_by      TEXT,
	signed_at      TEXT,
	signature_hash TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_severity ON audit_entries(severity);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
WHEN NOT (
	OLD.signed_by IS NULL AND OLD.signed_at IS NULL AND NEW.signed_by IS NOT NULL
	AND NEW.id IS OLD.id AND NEW.chain_index IS OLD.chain_index
	AND NEW.user_id IS OLD.user_id AND NEW.action IS OLD.action
	AND NEW.entity_type IS OLD.entity_type AND NEW.entity_id IS OLD.entity_id
	AND NEW.description IS OLD.description AND NEW.metadata IS OLD.metadata
	AND NEW.severity IS OLD.severity AND NEW.created_at IS OLD.created_at
	AND NEW.data_hash IS OLD.data_hash AND NEW.prev_hash IS OLD.prev_hash
	AND NEW.current_hash IS OLD.current_hash
)
BEGIN
	SELECT RAISE(ABORT, 'audit_entries is append-only');
END;
`

// Store is an audit.Store backed by SQLite.
type Store struct {
	*store.DB
	path string
}

// Open opens (or creates) the ledger database at path. WAL mode lets
// verifiers read while a writer holds the lock.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Debug("sqlite ledger opened", "path", path)
	return &Store{
		DB: store.New(db, store.Dialect{
			TimeArg:   func(t time.Time) any { return audit.FormatTime(t) },
			MonthExpr: "substr(created_at, 1, 7)",
			Classify:  classify,
		}),
		path: path,
	}, nil
}

// AppendChained implements audit.Store.
func (s *Store) AppendChained(ctx context.Context, build audit.BuildFunc) (*audit.Entry, error) {
	conn, err := s.Handle().Conn(ctx)
	if err != nil {
		return nil, s.Err("acquiring connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, s.Err("beginning append", err)
	}

	e, err := s.AppendTx(ctx, conn, build)
	if err != nil {
		rollback(conn)
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollback(conn)
		return nil, s.Err("committing append", err)
	}
	return e, nil
}

// rollback runs on a fresh context so a cancelled append still releases
// the write lock before the connection returns to the pool.
func rollback(conn *sql.Conn) {
	if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		slog.Debug("sqlite rollback", "error", err)
	}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SQLite result codes treated as a lost race for the tail.
const (
	codeBusy             = 5
	codeLocked           = 6
	codeConstraintPK     = 1555
	codeConstraintUnique = 2067
)

func classify(err error) error {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch code := coded.Code(); {
		case code&0xff == codeBusy, code&0xff == codeLocked,
			code == codeConstraintPK, code == codeConstraintUnique:
			return fmt.Errorf("%w: %w", audit.ErrWriteConflict, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", audit.ErrWriteConflict, err)
	}
	return fmt.Errorf("%w: %w", audit.ErrStorageUnavailable, err)
}
