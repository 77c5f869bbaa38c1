package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asvo/qmsledger/internal/audit"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, w *audit.Writer, n int) []*audit.Entry {
	t.Helper()
	var out []*audit.Entry
	for i := 0; i < n; i++ {
		e, err := w.Append(context.Background(), audit.Event{
			UserID:      fmt.Sprintf("user-%d", i%2),
			Action:      "DOCUMENT_APPROVE",
			Entity:      audit.EntityRef{Type: "document", ID: fmt.Sprintf("DOC-%d", i)},
			Description: fmt.Sprintf("approval %d", i),
			Metadata:    audit.Metadata{"rev": i, "ratio": 0.5, "tags": []string{"a"}},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

// unprotect drops the append-only triggers, as someone with direct
// database access could, so tests can tamper with stored rows.
func unprotect(t *testing.T, s *Store) {
	t.Helper()
	for _, trg := range []string{"audit_entries_no_update", "audit_entries_no_delete"} {
		if _, err := s.Handle().Exec("DROP TRIGGER " + trg); err != nil {
			t.Fatalf("dropping %s: %v", trg, err)
		}
	}
}

func TestStore_AppendAndVerify(t *testing.T) {
	s := openTemp(t)
	w := audit.NewWriter(s, nil)
	entries := appendN(t, w, 5)

	if entries[0].Index() != 0 || entries[0].PrevHash != audit.GenesisHash {
		t.Errorf("first entry: index %d prev %s", entries[0].Index(), entries[0].PrevHash)
	}

	got, err := s.Get(context.Background(), entries[3].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentHash != entries[3].CurrentHash || !got.CreatedAt.Equal(entries[3].CreatedAt) {
		t.Errorf("stored entry differs: %+v", got)
	}

	rep, err := audit.NewVerifier(s).FullVerify(context.Background(), audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.TotalRecords != 5 {
		t.Errorf("round-tripped chain should verify: %+v", rep)
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	const k = 24
	s := openTemp(t)
	w := audit.NewWriter(s, nil)

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := audit.AppendWithRetry(context.Background(), w, audit.Event{
				Action: "NC_CREATE",
				Entity: audit.EntityRef{Type: "nonconformity", ID: fmt.Sprint(i)},
			}, 5)
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append failed: %v", err)
	}

	tail, err := s.Tail(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tail.Index() != k-1 {
		t.Errorf("tail index = %d, want %d", tail.Index(), k-1)
	}
	rep, err := audit.NewVerifier(s).FullVerify(context.Background(), audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.TotalRecords != k {
		t.Errorf("concurrent chain: valid=%v total=%d breaks=%+v", rep.Valid, rep.TotalRecords, rep.Breaks)
	}
}

func TestStore_ReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first := appendN(t, audit.NewWriter(s, nil), 2)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	next := appendN(t, audit.NewWriter(s, nil), 1)[0]

	if next.Index() != 2 || next.PrevHash != first[1].CurrentHash {
		t.Errorf("chain did not continue after reopen: index %d", next.Index())
	}
}

func TestStore_AppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	w := audit.NewWriter(s, nil)
	e := appendN(t, w, 1)[0]

	if _, err := s.Handle().Exec("UPDATE audit_entries SET description = 'x' WHERE id = ?", e.ID); err == nil {
		t.Error("UPDATE of content should be rejected")
	}
	if _, err := s.Handle().Exec("DELETE FROM audit_entries WHERE id = ?", e.ID); err == nil {
		t.Error("DELETE should be rejected")
	}

	if _, err := w.AttestSignature(ctx, e.ID, "qa-lead", time.Now()); err != nil {
		t.Fatalf("one-time signature should be allowed: %v", err)
	}
	if _, err := s.Handle().Exec("UPDATE audit_entries SET signed_by = 'other' WHERE id = ?", e.ID); err == nil {
		t.Error("re-signing should be rejected")
	}
	if _, err := w.AttestSignature(ctx, e.ID, "qa-lead", time.Now()); !errors.Is(err, audit.ErrAlreadySigned) {
		t.Errorf("expected ErrAlreadySigned, got %v", err)
	}
	if err := s.Attest(ctx, 999, "qa", time.Now(), "h"); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rep, err := audit.NewVerifier(s).FullVerify(ctx, audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Errorf("signed entry should verify: %+v", rep.Breaks)
	}
}

func TestStore_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		index  int64
		reason audit.BreakReason
	}{
		{"content", "UPDATE audit_entries SET description = 'rewritten' WHERE chain_index = 1", 1, audit.ReasonDataTamper},
		{"metadata", `UPDATE audit_entries SET metadata = '{"rev":7}' WHERE chain_index = 1`, 1, audit.ReasonDataTamper},
		{"corrupt metadata", `UPDATE audit_entries SET metadata = '{not json' WHERE chain_index = 1`, 1, audit.ReasonDataTamper},
		{"created at", "UPDATE audit_entries SET created_at = '2020-01-01T00:00:00.000000Z' WHERE chain_index = 1", 1, audit.ReasonDataTamper},
		{"forged hash", "UPDATE audit_entries SET current_hash = 'ffff' WHERE chain_index = 1", 1, audit.ReasonChainTamper},
		{"deletion", "DELETE FROM audit_entries WHERE chain_index = 1", 2, audit.ReasonLinkBroken},
		{"forged signer", "UPDATE audit_entries SET signed_by = 'x', signed_at = '2026-01-01T00:00:00.000000Z' WHERE chain_index = 1", 1, audit.ReasonSignatureTamper},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTemp(t)
			appendN(t, audit.NewWriter(s, nil), 3)
			unprotect(t, s)

			if _, err := s.Handle().Exec(tt.sql); err != nil {
				t.Fatalf("tampering: %v", err)
			}

			rep, err := audit.NewVerifier(s).FullVerify(context.Background(), audit.Range{})
			if err != nil {
				t.Fatalf("verification must report tampering as findings, got error %v", err)
			}
			if rep.Valid || len(rep.Breaks) == 0 {
				t.Fatalf("tampering not detected: %+v", rep)
			}
			if b := rep.Breaks[0]; b.ChainIndex != tt.index || b.Reason != tt.reason {
				t.Errorf("break = %+v, want %s at %d", b, tt.reason, tt.index)
			}
		})
	}
}

func TestStore_LegacyEntries(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	legacy := &audit.Entry{Action: "LEGACY_IMPORT", Severity: audit.SeverityInfo, CreatedAt: time.Now()}

	if _, err := s.InsertUnchained(ctx, legacy); err != nil {
		t.Fatal(err)
	}
	appendN(t, audit.NewWriter(s, nil), 2)
	if _, err := s.InsertUnchained(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	rep, err := audit.NewVerifier(s).FullVerify(ctx, audit.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.UnchainedRecords != 2 || rep.InvalidRecords != 0 {
		t.Errorf("legacy handling: %+v", rep)
	}

	q, err := audit.NewVerifier(s).QuickVerify(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !q.Valid || q.UnchainedRecords != 2 {
		t.Errorf("quick legacy handling: %+v", q)
	}
}

func TestStore_QueryAndAggregates(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	w := audit.NewWriter(s, nil)
	appendN(t, w, 4)
	if _, err := w.Append(ctx, audit.Event{Action: "CAPA_CLOSE", Entity: audit.EntityRef{Type: "capa", ID: "1"}, Severity: audit.SeverityCritical}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, audit.QueryParams{UserID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID < got[1].ID {
		t.Errorf("query by user: %d entries", len(got))
	}

	got, err = s.Query(ctx, audit.QueryParams{Entity: "document", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("limited query returned %d", len(got))
	}

	got, err = s.Query(ctx, audit.QueryParams{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("future since returned %d entries", len(got))
	}

	sev, err := s.CountBy(ctx, audit.GroupSeverity, audit.Filter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sev) != 2 || sev[0].Key != "INFO" || sev[0].Count != 4 {
		t.Errorf("by severity = %+v", sev)
	}

	months, err := s.CountBy(ctx, audit.GroupMonth, audit.Filter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(months) != 1 || months[0].Key != audit.MonthKey(time.Now()) || months[0].Count != 5 {
		t.Errorf("by month = %+v", months)
	}

	n, err := s.Count(ctx, audit.Filter{Chained: audit.OnlyChained(), Entity: "capa"})
	if err != nil || n != 1 {
		t.Errorf("count capa = %d, %v", n, err)
	}
}

func TestStore_ScanChainPaging(t *testing.T) {
	s := openTemp(t)
	appendN(t, audit.NewWriter(s, nil), 7)

	var seen []int64
	err := s.ScanChain(context.Background(), 1, 5, 2, func(e *audit.Entry) error {
		seen = append(seen, e.Index())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(seen) != "[1 2 3 4 5]" {
		t.Errorf("scanned %v", seen)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTemp(t)
	if _, err := s.Tail(context.Background()); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("empty tail: %v", err)
	}
	if _, err := s.GetByChainIndex(context.Background(), 3); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("missing index: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"database is locked (5) (SQLITE_BUSY)", audit.ErrWriteConflict},
		{"constraint failed: UNIQUE constraint failed: audit_entries.chain_index (2067)", audit.ErrWriteConflict},
		{"unable to open database file", audit.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		if err := classify(errors.New(tt.msg)); !errors.Is(err, tt.want) {
			t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
		}
	}
}
