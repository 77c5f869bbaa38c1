package audit

import (
	"context"
	"time"
)

// BuildFunc computes the next chained entry from the current tail. It is
// called inside the store's exclusive append section and must not block.
type BuildFunc func(tail ChainTail) (*Entry, error)

// Store is the append-only persistence boundary of the ledger. It has no
// update or delete; Attest is the single one-time write to an existing
// entry.
type Store interface {
	// AppendChained reads the tail, calls build and persists the result as
	// one atomic unit. No other AppendChained may observe the tail between
	// the read and the commit. Returns the stored entry with its ID set.
	AppendChained(ctx context.Context, build BuildFunc) (*Entry, error)

	// Attest records signature fields on an entry that has none yet.
	Attest(ctx context.Context, id int64, signedBy string, signedAt time.Time, signatureHash string) error

	Get(ctx context.Context, id int64) (*Entry, error)
	GetByChainIndex(ctx context.Context, index int64) (*Entry, error)

	// Tail returns the chained entry with the highest index, or ErrNotFound.
	Tail(ctx context.Context) (*Entry, error)

	// Last returns up to n chained entries, newest first.
	Last(ctx context.Context, n int) ([]*Entry, error)

	// ScanChain streams chained entries with from <= index <= to in
	// ascending order, fetching pageSize rows at a time. fn returning an
	// error stops the scan and that error is returned.
	ScanChain(ctx context.Context, from, to int64, pageSize int, fn func(*Entry) error) error

	Count(ctx context.Context, f Filter) (int64, error)
	CountBy(ctx context.Context, g GroupBy, f Filter, limit int) ([]Bucket, error)

	// Query returns entries matching the read filter, newest first.
	Query(ctx context.Context, q QueryParams) ([]*Entry, error)

	Close() error
}

// Filter narrows Count and CountBy. Zero values mean "no filter".
type Filter struct {
	Chained  *bool
	MinID    int64
	MaxID    int64
	Since    time.Time
	Until    time.Time
	Severity Severity
	Entity   string
}

// OnlyChained and OnlyUnchained build Filter.Chained values.
func OnlyChained() *bool {
	v := true
	return &v
}

func OnlyUnchained() *bool {
	v := false
	return &v
}

// GroupBy selects the aggregation key of CountBy.
type GroupBy string

const (
	GroupSeverity GroupBy = "severity"
	GroupEntity   GroupBy = "entity"
	GroupAction   GroupBy = "action"
	GroupMonth    GroupBy = "month"
)

// Bucket is one aggregation row. GroupMonth keys look like "2026-03".
// GroupEntity skips entries without an entity type.
type Bucket struct {
	Key   string `json:"key" yaml:"key"`
	Count int64  `json:"count" yaml:"count"`
}

// QueryParams filters the read view over secondary indexes.
type QueryParams struct {
	UserID   string
	Action   string
	Entity   string
	EntityID string
	Severity Severity
	Since    time.Time
	Until    time.Time
	BeforeID int64 // keyset paging: only entries with id < BeforeID
	Limit    int
}

// matches applies a Filter to a single entry. Shared by in-memory paths.
func (f Filter) matches(e *Entry) bool {
	if f.Chained != nil && e.Chained() != *f.Chained {
		return false
	}
	if f.MinID > 0 && e.ID < f.MinID {
		return false
	}
	if f.MaxID > 0 && e.ID > f.MaxID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Entity != "" && e.Entity.Type != f.Entity {
		return false
	}
	return true
}

func (q QueryParams) matches(e *Entry) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Entity != "" && e.Entity.Type != q.Entity {
		return false
	}
	if q.EntityID != "" && e.Entity.ID != q.EntityID {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.CreatedAt.Before(q.Until) {
		return false
	}
	if q.BeforeID > 0 && e.ID >= q.BeforeID {
		return false
	}
	return true
}

// MonthKey is the GroupMonth key for t.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
