// Package store holds the SQL plumbing shared by the SQLite and PostgreSQL
// ledger stores: column layout, row scanning, filter building and the
// tail-read/insert step of an append. Each adapter supplies its own schema,
// transaction discipline and driver error mapping through a Dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/asvo/qmsledger/internal/audit"
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Rebind rewrites "?" placeholders into the backend's syntax.
	Rebind func(query string) string
	// TimeArg converts a timestamp into a query argument matching how the
	// backend stores created_at and signed_at.
	TimeArg func(t time.Time) any
	// MonthExpr renders created_at as "YYYY-MM".
	MonthExpr string
	// TailLock is appended to the tail read inside an append transaction.
	TailLock string
	// Classify maps a driver error onto the audit sentinel errors. It must
	// return an error wrapping audit.ErrWriteConflict or
	// audit.ErrStorageUnavailable.
	Classify func(err error) error
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// columns lists audit_entries columns in ScanEntry order.
const columns = `id, chain_index, user_id, action, entity_type, entity_id, description,
	metadata, severity, created_at, data_hash, prev_hash, current_hash,
	signed_by, signed_at, signature_hash`

// DB implements every audit.Store method except AppendChained, which each
// adapter builds around AppendTx with its own locking.
type DB struct {
	db *sql.DB
	d  Dialect
}

// New wraps an open database handle.
func New(db *sql.DB, d Dialect) *DB {
	if d.Rebind == nil {
		d.Rebind = func(q string) string { return q }
	}
	return &DB{db: db, d: d}
}

// Handle exposes the underlying handle to adapters.
func (s *DB) Handle() *sql.DB { return s.db }

// Dialect returns the backend dialect.
func (s *DB) Dialect() Dialect { return s.d }

// Err classifies a driver error for operation op.
func (s *DB) Err(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, s.d.Classify(err))
}

// AppendTx reads the chain tail through q, calls build and inserts the
// result. The caller owns the transaction and its isolation.
func (s *DB) AppendTx(ctx context.Context, q Querier, build audit.BuildFunc) (*audit.Entry, error) {
	var tail audit.ChainTail
	row := q.QueryRowContext(ctx, s.d.Rebind(
		`SELECT chain_index, current_hash FROM audit_entries
		 WHERE chain_index IS NOT NULL ORDER BY chain_index DESC LIMIT 1`+s.d.TailLock))
	var hash sql.NullString
	switch err := row.Scan(&tail.Index, &hash); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, s.Err("reading chain tail", err)
	default:
		tail.Exists = true
		tail.CurrentHash = hash.String
	}

	e, err := build(tail)
	if err != nil {
		return nil, err
	}

	args, err := s.insertArgs(e)
	if err != nil {
		return nil, err
	}
	err = q.QueryRowContext(ctx, s.d.Rebind(
		`INSERT INTO audit_entries (chain_index, user_id, action, entity_type, entity_id, description,
			metadata, severity, created_at, data_hash, prev_hash, current_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&e.ID)
	if err != nil {
		return nil, s.Err("inserting audit entry", err)
	}
	return e, nil
}

// InsertUnchained stores a legacy entry without chain fields. It exists for
// importing records that predate chaining; the Writer never calls it.
func (s *DB) InsertUnchained(ctx context.Context, e *audit.Entry) (int64, error) {
	c := *e
	c.ChainIndex = nil
	c.DataHash, c.PrevHash, c.CurrentHash = "", "", ""
	args, err := s.insertArgs(&c)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.d.Rebind(
		`INSERT INTO audit_entries (chain_index, user_id, action, entity_type, entity_id, description,
			metadata, severity, created_at, data_hash, prev_hash, current_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`), args...).Scan(&id)
	if err != nil {
		return 0, s.Err("inserting legacy entry", err)
	}
	return id, nil
}

func (s *DB) insertArgs(e *audit.Entry) ([]any, error) {
	meta, err := audit.CanonicalMetadata(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, audit.ErrInvalidEvent)
	}
	return []any{
		nullInt(e.ChainIndex),
		nullString(e.UserID),
		e.Action,
		e.Entity.Type,
		e.Entity.ID,
		e.Description,
		string(meta),
		string(e.Severity),
		s.d.TimeArg(e.CreatedAt),
		nullString(e.DataHash),
		nullString(e.PrevHash),
		nullString(e.CurrentHash),
	}, nil
}

func (s *DB) Attest(ctx context.Context, id int64, signedBy string, signedAt time.Time, signatureHash string) error {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(
		`UPDATE audit_entries SET signed_by = ?, signed_at = ?, signature_hash = ?
		 WHERE id = ? AND signed_by IS NULL AND signed_at IS NULL`),
		signedBy, s.d.TimeArg(signedAt), signatureHash, id)
	if err != nil {
		return s.Err("attesting entry", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	// Nothing updated: the entry is missing or already signed.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("entry %d: %w", id, audit.ErrAlreadySigned)
}

func (s *DB) Get(ctx context.Context, id int64) (*audit.Entry, error) {
	return s.one(ctx, "entry "+strconv.FormatInt(id, 10), "SELECT "+columns+" FROM audit_entries WHERE id = ?", id)
}

func (s *DB) GetByChainIndex(ctx context.Context, index int64) (*audit.Entry, error) {
	return s.one(ctx, "chain index "+strconv.FormatInt(index, 10), "SELECT "+columns+" FROM audit_entries WHERE chain_index = ?", index)
}

func (s *DB) Tail(ctx context.Context) (*audit.Entry, error) {
	return s.one(ctx, "chain tail", "SELECT "+columns+
		" FROM audit_entries WHERE chain_index IS NOT NULL ORDER BY chain_index DESC LIMIT 1")
}

func (s *DB) one(ctx context.Context, what, query string, args ...any) (*audit.Entry, error) {
	e, err := ScanEntry(s.db.QueryRowContext(ctx, s.d.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, audit.ErrNotFound)
	}
	if err != nil {
		return nil, s.Err("reading "+what, err)
	}
	return e, nil
}

func (s *DB) Last(ctx context.Context, n int) ([]*audit.Entry, error) {
	return s.list(ctx, "SELECT "+columns+
		" FROM audit_entries WHERE chain_index IS NOT NULL ORDER BY chain_index DESC LIMIT ?", n)
}

func (s *DB) ScanChain(ctx context.Context, from, to int64, pageSize int, fn func(*audit.Entry) error) error {
	if pageSize <= 0 {
		pageSize = audit.DefaultPageSize
	}
	next := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Keyset paging: each page starts after the last index seen.
		page, err := s.list(ctx, "SELECT "+columns+
			" FROM audit_entries WHERE chain_index >= ? AND chain_index <= ? ORDER BY chain_index ASC LIMIT ?",
			next, to, pageSize)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		next = page[len(page)-1].Index() + 1
	}
}

func (s *DB) Count(ctx context.Context, f audit.Filter) (int64, error) {
	where, args := s.filterWhere(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, s.d.Rebind("SELECT COUNT(*) FROM audit_entries"+where), args...).Scan(&n); err != nil {
		return 0, s.Err("counting entries", err)
	}
	return n, nil
}

func (s *DB) CountBy(ctx context.Context, g audit.GroupBy, f audit.Filter, limit int) ([]audit.Bucket, error) {
	where, args := s.filterWhere(f)
	var key, order string
	switch g {
	case audit.GroupSeverity:
		key = "severity"
	case audit.GroupEntity:
		key = "entity_type"
		where += " AND entity_type <> ''"
	case audit.GroupAction:
		key = "action"
	case audit.GroupMonth:
		key = s.d.MonthExpr
		order = " ORDER BY 1 ASC"
	default:
		return nil, fmt.Errorf("unknown grouping %q", g)
	}
	if order == "" {
		order = " ORDER BY 2 DESC, 1 ASC"
	}

	query := "SELECT " + key + ", COUNT(*) FROM audit_entries" + where + " GROUP BY 1" + order
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, s.Err("counting by "+string(g), err)
	}
	defer rows.Close()

	buckets := []audit.Bucket{}
	for rows.Next() {
		var b audit.Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, s.Err("scanning bucket", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, s.Err("counting by "+string(g), err)
	}
	return buckets, nil
}

func (s *DB) Query(ctx context.Context, q audit.QueryParams) ([]*audit.Entry, error) {
	query := "SELECT " + columns + " FROM audit_entries WHERE 1=1"
	var args []any

	if q.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, q.Action)
	}
	if q.Entity != "" {
		query += " AND entity_type = ?"
		args = append(args, q.Entity)
	}
	if q.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, q.EntityID)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(q.Severity))
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, s.d.TimeArg(q.Since))
	}
	if !q.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, s.d.TimeArg(q.Until))
	}
	if q.BeforeID > 0 {
		query += " AND id < ?"
		args = append(args, q.BeforeID)
	}

	query += " ORDER BY id DESC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	return s.list(ctx, query, args...)
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) list(ctx context.Context, query string, args ...any) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, s.Err("querying audit entries", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e, err := ScanEntry(rows)
		if err != nil {
			return nil, s.Err("scanning audit entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.Err("querying audit entries", err)
	}
	return out, nil
}

func (s *DB) filterWhere(f audit.Filter) (string, []any) {
	where := " WHERE 1=1"
	var args []any

	if f.Chained != nil {
		if *f.Chained {
			where += " AND chain_index IS NOT NULL"
		} else {
			where += " AND chain_index IS NULL"
		}
	}
	if f.MinID > 0 {
		where += " AND id >= ?"
		args = append(args, f.MinID)
	}
	if f.MaxID > 0 {
		where += " AND id <= ?"
		args = append(args, f.MaxID)
	}
	if !f.Since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, s.d.TimeArg(f.Since))
	}
	if !f.Until.IsZero() {
		where += " AND created_at < ?"
		args = append(args, s.d.TimeArg(f.Until))
	}
	if f.Severity != "" {
		where += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.Entity != "" {
		where += " AND entity_type = ?"
		args = append(args, f.Entity)
	}
	return where, args
}

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanEntry reads one row selected with the shared column list.
func ScanEntry(r RowScanner) (*audit.Entry, error) {
	var (
		e                   audit.Entry
		chainIndex          sql.NullInt64
		userID, signedBy    sql.NullString
		dataHash, prevHash  sql.NullString
		currentHash         sql.NullString
		sigHash             sql.NullString
		metadata, severity  string
		createdAt, signedAt dbTime
	)
	err := r.Scan(
		&e.ID, &chainIndex, &userID, &e.Action, &e.Entity.Type, &e.Entity.ID, &e.Description,
		&metadata, &severity, &createdAt, &dataHash, &prevHash, &currentHash,
		&signedBy, &signedAt, &sigHash,
	)
	if err != nil {
		return nil, err
	}

	if chainIndex.Valid {
		v := chainIndex.Int64
		e.ChainIndex = &v
	}
	e.UserID = userID.String
	e.Severity = audit.Severity(severity)
	e.CreatedAt = createdAt.t
	e.DataHash = dataHash.String
	e.PrevHash = prevHash.String
	e.CurrentHash = currentHash.String
	e.SignedBy = signedBy.String
	e.SignatureHash = sigHash.String
	if signedAt.valid {
		t := signedAt.t
		e.SignedAt = &t
	}

	m, err := audit.DecodeMetadata([]byte(metadata))
	if err != nil {
		// Corrupted metadata must surface as a data hash mismatch, not as a
		// read failure that would abort verification.
		m = audit.Metadata{"$undecodable": metadata}
	}
	e.Metadata = m
	return &e, nil
}

// dbTime scans timestamps stored either as TimeLayout text (SQLite) or as
// native timestamps (PostgreSQL).
type dbTime struct {
	t     time.Time
	valid bool
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.t, d.valid = time.Time{}, false
		return nil
	case time.Time:
		d.t, d.valid = v.UTC(), true
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (d *dbTime) parse(s string) error {
	t, err := audit.ParseTime(s)
	if err != nil {
		// Accept RFC 3339 for rows written by other tools.
		t2, err2 := time.Parse(time.RFC3339Nano, s)
		if err2 != nil {
			return err
		}
		t = t2
	}
	d.t, d.valid = t.UTC(), true
	return nil
}

// RebindDollar converts "?" placeholders into "$1", "$2", ...
func RebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
