package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It serializes appends with a mutex,
// which is enough for a single process; use a SQL store when several
// processes write to the same ledger.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []*Entry // physical order (by ID)
	chain   []*Entry // chained entries, ascending chain index
	closed  bool
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) AppendChained(ctx context.Context, build BuildFunc) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store closed: %w", ErrStorageUnavailable)
	}

	var tail ChainTail
	if n := len(s.chain); n > 0 {
		last := s.chain[n-1]
		tail = ChainTail{Exists: true, Index: *last.ChainIndex, CurrentHash: last.CurrentHash}
	}

	e, err := build(tail)
	if err != nil {
		return nil, err
	}
	want := int64(0)
	if tail.Exists {
		want = tail.Index + 1
	}
	if e.ChainIndex == nil || *e.ChainIndex != want {
		return nil, fmt.Errorf("chain index %d does not follow tail: %w", e.Index(), ErrWriteConflict)
	}

	stored := cloneEntry(e)
	stored.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, stored)
	s.chain = append(s.chain, stored)
	return cloneEntry(stored), nil
}

// insertUnchained stores a legacy entry without chain fields.
func (s *MemoryStore) insertUnchained(e *Entry) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneEntry(e)
	stored.ChainIndex = nil
	stored.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, stored)
	return cloneEntry(stored)
}

func (s *MemoryStore) Attest(ctx context.Context, id int64, signedBy string, signedAt time.Time, signatureHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.byID(id)
	if e == nil {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if e.Signed() {
		return fmt.Errorf("entry %d: %w", id, ErrAlreadySigned)
	}
	at := timestamp(signedAt)
	e.SignedBy = signedBy
	e.SignedAt = &at
	e.SignatureHash = signatureHash
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.byID(id); e != nil {
		return cloneEntry(e), nil
	}
	return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
}

func (s *MemoryStore) GetByChainIndex(ctx context.Context, index int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.searchChain(index)
	if i < len(s.chain) && *s.chain[i].ChainIndex == index {
		return cloneEntry(s.chain[i]), nil
	}
	return nil, fmt.Errorf("chain index %d: %w", index, ErrNotFound)
}

func (s *MemoryStore) Tail(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain) == 0 {
		return nil, fmt.Errorf("chain tail: %w", ErrNotFound)
	}
	return cloneEntry(s.chain[len(s.chain)-1]), nil
}

func (s *MemoryStore) Last(ctx context.Context, n int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n = max(0, min(n, len(s.chain)))
	out := make([]*Entry, 0, n)
	for i := len(s.chain) - 1; i >= len(s.chain)-n; i-- {
		out = append(out, cloneEntry(s.chain[i]))
	}
	return out, nil
}

func (s *MemoryStore) ScanChain(ctx context.Context, from, to int64, pageSize int, fn func(*Entry) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	next := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := s.page(next, to, pageSize)
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		next = *page[len(page)-1].ChainIndex + 1
	}
}

// page copies one page under the read lock so fn runs without it.
func (s *MemoryStore) page(from, to int64, size int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for i := s.searchChain(from); i < len(s.chain) && len(out) < size; i++ {
		if *s.chain[i].ChainIndex > to {
			break
		}
		out = append(out, cloneEntry(s.chain[i]))
	}
	return out
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if f.matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountBy(ctx context.Context, g GroupBy, f Filter, limit int) ([]Bucket, error) {
	s.mu.RLock()
	counts := make(map[string]int64)
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		var key string
		switch g {
		case GroupSeverity:
			key = string(e.Severity)
		case GroupEntity:
			key = e.Entity.Type
			if key == "" {
				continue
			}
		case GroupAction:
			key = e.Action
		case GroupMonth:
			key = MonthKey(e.CreatedAt)
		default:
			s.mu.RUnlock()
			return nil, fmt.Errorf("unknown grouping %q", g)
		}
		counts[key]++
	}
	s.mu.RUnlock()

	buckets := make([]Bucket, 0, len(counts))
	for k, c := range counts {
		buckets = append(buckets, Bucket{Key: k, Count: c})
	}
	SortBuckets(g, buckets)
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets, nil
}

func (s *MemoryStore) Query(ctx context.Context, q QueryParams) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if q.matches(s.entries[i]) {
			out = append(out, cloneEntry(s.entries[i]))
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) byID(id int64) *Entry {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].ID >= id })
	if i < len(s.entries) && s.entries[i].ID == id {
		return s.entries[i]
	}
	return nil
}

func (s *MemoryStore) searchChain(index int64) int {
	return sort.Search(len(s.chain), func(i int) bool { return *s.chain[i].ChainIndex >= index })
}

// SortBuckets orders months chronologically and every other grouping by
// descending count, ties broken by key. Store adapters share it so all
// backends report identically.
func SortBuckets(g GroupBy, b []Bucket) {
	sort.Slice(b, func(i, j int) bool {
		if g == GroupMonth {
			return b[i].Key < b[j].Key
		}
		if b[i].Count != b[j].Count {
			return b[i].Count > b[j].Count
		}
		return b[i].Key < b[j].Key
	})
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	if e.ChainIndex != nil {
		c.ChainIndex = int64Ptr(*e.ChainIndex)
	}
	if e.SignedAt != nil {
		t := *e.SignedAt
		c.SignedAt = &t
	}
	if e.Metadata != nil {
		c.Metadata = cloneValue(map[string]any(e.Metadata)).(map[string]any)
	}
	return &c
}

// cloneValue deep-copies decoded JSON so callers never share nested maps
// or slices with a stored entry.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case Metadata:
		return Metadata(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}
