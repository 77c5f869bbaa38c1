package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newLedger(t *testing.T, n int) (*MemoryStore, *Writer, *Verifier) {
	t.Helper()
	s := NewMemoryStore()
	w := NewWriter(s, nil)
	seed(t, w, n)
	return s, w, NewVerifier(s)
}

func fullVerify(t *testing.T, v *Verifier) *Report {
	t.Helper()
	rep, err := v.FullVerify(context.Background(), Range{})
	if err != nil {
		t.Fatalf("full verify: %v", err)
	}
	return rep
}

func TestFullVerify_Untampered(t *testing.T) {
	_, _, v := newLedger(t, 25)
	rep := fullVerify(t, v)

	if !rep.Valid || !rep.Complete {
		t.Fatalf("untampered chain should verify: %+v", rep)
	}
	if rep.TotalRecords != 25 || rep.InvalidRecords != 0 || len(rep.Breaks) != 0 {
		t.Errorf("unexpected counts: %+v", rep)
	}
	if *rep.FirstChainIndex != 0 || *rep.LastChainIndex != 24 {
		t.Errorf("index span = %d..%d", *rep.FirstChainIndex, *rep.LastChainIndex)
	}
}

func TestFullVerify_EmptyLedger(t *testing.T) {
	v := NewVerifier(NewMemoryStore())
	rep := fullVerify(t, v)
	if !rep.Valid || rep.TotalRecords != 0 || rep.FirstChainIndex != nil {
		t.Errorf("empty ledger: %+v", rep)
	}
}

func TestFullVerify_ContentTamper(t *testing.T) {
	s, _, v := newLedger(t, 3)
	tamper(t, s, 1, func(e *Entry) { e.Description = "rewritten after the fact" })

	rep := fullVerify(t, v)
	if rep.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if rep.InvalidRecords != 1 || len(rep.Breaks) != 1 {
		t.Fatalf("expected exactly one invalid record, got %+v", rep.Breaks)
	}
	b := rep.Breaks[0]
	if b.ChainIndex != 1 || b.Reason != ReasonDataTamper {
		t.Errorf("break = %+v, want DATA_TAMPER at 1", b)
	}
	if len(b.Findings) != 1 {
		t.Errorf("linkage should be intact, got findings %+v", b.Findings)
	}
}

func TestFullVerify_MetadataTamper(t *testing.T) {
	s, _, v := newLedger(t, 3)
	tamper(t, s, 2, func(e *Entry) { e.Metadata = Metadata{"n": 3} })

	rep := fullVerify(t, v)
	if rep.Valid || rep.Breaks[0].ChainIndex != 2 || rep.Breaks[0].Reason != ReasonDataTamper {
		t.Errorf("metadata tamper not detected: %+v", rep.Breaks)
	}
}

func TestFullVerify_Deletion(t *testing.T) {
	s, _, v := newLedger(t, 3)
	remove(t, s, 1)

	rep := fullVerify(t, v)
	if rep.Valid {
		t.Fatal("chain with deleted entry reported valid")
	}
	if rep.TotalRecords != 2 || rep.InvalidRecords != 1 {
		t.Errorf("counts: total=%d invalid=%d", rep.TotalRecords, rep.InvalidRecords)
	}
	b := rep.Breaks[0]
	if b.ChainIndex != 2 || b.Reason != ReasonLinkBroken {
		t.Errorf("break = %+v, want LINK_BROKEN at 2", b)
	}
}

func TestFullVerify_ForgedChainHash(t *testing.T) {
	s, _, v := newLedger(t, 3)
	tamper(t, s, 1, func(e *Entry) { e.CurrentHash = SHA256{}.Digest([]byte("forged")) })

	rep := fullVerify(t, v)
	if rep.InvalidRecords != 2 {
		t.Fatalf("invalid = %d, want 2 (forged entry and its successor)", rep.InvalidRecords)
	}
	if rep.Breaks[0].ChainIndex != 1 || rep.Breaks[0].Reason != ReasonChainTamper {
		t.Errorf("first break = %+v, want CHAIN_TAMPER at 1", rep.Breaks[0])
	}
	if rep.Breaks[1].ChainIndex != 2 || rep.Breaks[1].Reason != ReasonLinkBroken {
		t.Errorf("second break = %+v, want LINK_BROKEN at 2", rep.Breaks[1])
	}
}

func TestFullVerify_RecomputedContentBreaksLink(t *testing.T) {
	s, _, v := newLedger(t, 4)
	// A careful forger rewrites content and recomputes both digests of
	// entry 1; the successor's prevHash still points at the original.
	tamper(t, s, 1, func(e *Entry) {
		e.Description = "forged"
		e.DataHash, _ = computeDataHash(SHA256{}, e)
		e.CurrentHash = computeChainHash(SHA256{}, e.Index(), e.PrevHash, e.DataHash)
	})

	rep := fullVerify(t, v)
	if rep.InvalidRecords != 1 || rep.Breaks[0].ChainIndex != 2 || rep.Breaks[0].Reason != ReasonLinkBroken {
		t.Errorf("breaks = %+v, want LINK_BROKEN at 2", rep.Breaks)
	}
}

func TestFullVerify_GenesisTamper(t *testing.T) {
	s, _, v := newLedger(t, 2)
	tamper(t, s, 0, func(e *Entry) {
		e.PrevHash = SHA256{}.Digest([]byte("x"))
		e.CurrentHash = computeChainHash(SHA256{}, 0, e.PrevHash, e.DataHash)
	})

	rep := fullVerify(t, v)
	if rep.Valid || rep.Breaks[0].ChainIndex != 0 || rep.Breaks[0].Reason != ReasonLinkBroken {
		t.Errorf("genesis link tamper not detected: %+v", rep.Breaks)
	}
}

func TestQuickVerify_SamplingBlindness(t *testing.T) {
	s, _, v := newLedger(t, 20)
	tamper(t, s, 3, func(e *Entry) { e.Description = "tampered outside window" })

	quick, err := v.QuickVerify(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if !quick.Valid || quick.TotalRecords != 5 {
		t.Errorf("quick verify should pass on the untouched window: %+v", quick)
	}
	if *quick.FirstChainIndex != 15 || *quick.LastChainIndex != 19 {
		t.Errorf("window = %d..%d", *quick.FirstChainIndex, *quick.LastChainIndex)
	}

	if full := fullVerify(t, v); full.Valid {
		t.Error("full verify must catch tampering outside the quick window")
	}
}

func TestQuickVerify_DetectsTamperInWindow(t *testing.T) {
	s, _, v := newLedger(t, 10)
	tamper(t, s, 8, func(e *Entry) { e.UserID = "intruder" })

	rep, err := v.QuickVerify(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || rep.InvalidRecords != 1 || rep.Breaks[0].ChainIndex != 8 {
		t.Errorf("quick verify missed tamper: %+v", rep)
	}
}

func TestQuickVerify_DefaultsAndShortChains(t *testing.T) {
	_, _, v := newLedger(t, 3)
	rep, err := v.QuickVerify(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.TotalRecords != 3 {
		t.Errorf("quick verify over short chain: %+v", rep)
	}

	empty, err := NewVerifier(NewMemoryStore()).QuickVerify(context.Background(), 10)
	if err != nil || !empty.Valid || empty.TotalRecords != 0 {
		t.Errorf("empty quick verify: %+v, %v", empty, err)
	}
}

func TestVerify_LegacyRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	w := NewWriter(s, nil)

	legacy := func() {
		s.insertUnchained(&Entry{Action: "LEGACY_IMPORT", Severity: SeverityInfo, CreatedAt: time.Now()})
	}
	legacy()
	seed(t, w, 2)
	legacy()
	seed(t, w, 2)
	legacy()

	full := fullVerify(t, NewVerifier(s))
	if !full.Valid || full.InvalidRecords != 0 {
		t.Errorf("legacy entries must not be breaks: %+v", full.Breaks)
	}
	if full.UnchainedRecords != 3 || full.TotalRecords != 4 {
		t.Errorf("full: unchained=%d total=%d", full.UnchainedRecords, full.TotalRecords)
	}

	quick, err := NewVerifier(s).QuickVerify(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !quick.Valid || quick.InvalidRecords != 0 {
		t.Errorf("quick: legacy entries must not be breaks: %+v", quick.Breaks)
	}
	// The window covers chain indexes 2..3 and the trailing legacy entry.
	if quick.UnchainedRecords != 1 {
		t.Errorf("quick unchained = %d, want 1", quick.UnchainedRecords)
	}
}

func TestFullVerify_Range(t *testing.T) {
	s, _, v := newLedger(t, 10)
	tamper(t, s, 1, func(e *Entry) { e.Description = "x" })

	from, to := int64(4), int64(7)
	rep, err := v.FullVerify(context.Background(), Range{From: &from, To: &to})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.TotalRecords != 4 {
		t.Errorf("range 4..7 should verify: %+v", rep)
	}

	// An open end is clamped to the snapshot tail.
	far := int64(1000)
	rep, err = v.FullVerify(context.Background(), Range{From: &from, To: &far})
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalRecords != 6 {
		t.Errorf("range 4..tail covered %d entries, want 6", rep.TotalRecords)
	}

	// A window past the tail has nothing to check.
	rep, err = v.FullVerify(context.Background(), Range{From: &far})
	if err != nil || !rep.Valid || rep.TotalRecords != 0 {
		t.Errorf("range past tail: %+v, %v", rep, err)
	}
}

func TestFullVerify_RangeSeededFromPredecessor(t *testing.T) {
	s, _, v := newLedger(t, 6)
	remove(t, s, 2)

	from := int64(3)
	rep, err := v.FullVerify(context.Background(), Range{From: &from})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || rep.Breaks[0].ChainIndex != 3 || rep.Breaks[0].Reason != ReasonLinkBroken {
		t.Errorf("missing predecessor should break the first link: %+v", rep.Breaks)
	}
}

func TestFullVerify_InvalidRange(t *testing.T) {
	_, _, v := newLedger(t, 3)
	neg, one, three := int64(-1), int64(1), int64(3)

	tests := []struct {
		name string
		rng  Range
	}{
		{"negative from", Range{From: &neg}},
		{"negative to", Range{To: &neg}},
		{"inverted", Range{From: &three, To: &one}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := v.FullVerify(context.Background(), tt.rng)
			if !errors.Is(err, ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
			if rep != nil {
				t.Error("no report should be produced for an invalid range")
			}
		})
	}
}

func TestFullVerify_MaxBreaks(t *testing.T) {
	s, _, v := newLedger(t, 10)
	for i := int64(0); i < 5; i++ {
		tamper(t, s, i*2, func(e *Entry) { e.Description = "x" })
	}
	v.MaxBreaks = 2

	rep := fullVerify(t, v)
	if rep.InvalidRecords != 5 || len(rep.Breaks) != 2 || !rep.Truncated {
		t.Errorf("invalid=%d breaks=%d truncated=%v", rep.InvalidRecords, len(rep.Breaks), rep.Truncated)
	}
}

func TestFullVerify_SignatureTamper(t *testing.T) {
	ctx := context.Background()
	s, w, v := newLedger(t, 3)
	if _, err := w.AttestSignature(ctx, 2, "qa-lead", time.Now()); err != nil {
		t.Fatal(err)
	}
	tamper(t, s, 1, func(e *Entry) { e.SignedBy = "impostor" })

	rep := fullVerify(t, v)
	if rep.Valid || rep.Breaks[0].ChainIndex != 1 || rep.Breaks[0].Reason != ReasonSignatureTamper {
		t.Errorf("forged signer not detected: %+v", rep.Breaks)
	}
}

// scanHook wraps a MemoryStore and calls hook for every scanned entry.
type scanHook struct {
	*MemoryStore
	hook func(n int) error
}

func (s *scanHook) ScanChain(ctx context.Context, from, to int64, pageSize int, fn func(*Entry) error) error {
	n := 0
	return s.MemoryStore.ScanChain(ctx, from, to, pageSize, func(e *Entry) error {
		n++
		if err := s.hook(n); err != nil {
			return err
		}
		return fn(e)
	})
}

func TestFullVerify_StorageFailureIsNotValid(t *testing.T) {
	s := NewMemoryStore()
	seed(t, NewWriter(s, nil), 10)
	flaky := &scanHook{MemoryStore: s, hook: func(n int) error {
		if n > 4 {
			return errors.New("connection reset by peer")
		}
		return nil
	}}

	rep, err := NewVerifier(flaky).FullVerify(context.Background(), Range{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if rep == nil || rep.Valid || rep.Complete {
		t.Fatalf("partial report must be neither valid nor complete: %+v", rep)
	}
	if rep.TotalRecords != 4 || rep.InvalidRecords != 0 {
		t.Errorf("partial counts: total=%d invalid=%d", rep.TotalRecords, rep.InvalidRecords)
	}
}

func TestFullVerify_Cancellation(t *testing.T) {
	s := NewMemoryStore()
	seed(t, NewWriter(s, nil), 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooked := &scanHook{MemoryStore: s, hook: func(n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	v := NewVerifier(hooked)
	v.PageSize = 3

	rep, err := v.FullVerify(ctx, Range{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Valid || rep.Complete || rep.TotalRecords != 3 {
		t.Errorf("cancelled run: %+v", rep)
	}
}

func TestFullVerify_SnapshotExcludesConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	w := NewWriter(s, nil)
	seed(t, w, 5)

	hooked := &scanHook{MemoryStore: s, hook: func(n int) error {
		if n == 1 {
			_, err := w.Append(context.Background(), Event{Action: "LATE"})
			return err
		}
		return nil
	}}

	rep, err := NewVerifier(hooked).FullVerify(context.Background(), Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.TotalRecords != 5 || *rep.LastChainIndex != 4 {
		t.Errorf("scan should stop at the snapshot tail: %+v", rep)
	}
}

func TestEntryView(t *testing.T) {
	ctx := context.Background()
	s, _, v := newLedger(t, 3)

	t.Run("middle", func(t *testing.T) {
		view, err := v.EntryView(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		cc := view.ChainContext
		if cc.Previous == nil || cc.Previous.Index() != 0 || cc.Next == nil || cc.Next.Index() != 2 {
			t.Fatalf("neighbours not resolved: %+v", cc)
		}
		if !cc.PrevLinkValid || !cc.NextLinkValid || len(cc.Findings) != 0 {
			t.Errorf("links should be valid: %+v", cc)
		}
	})

	t.Run("genesis", func(t *testing.T) {
		view, err := v.EntryView(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if view.ChainContext.Previous != nil || !view.ChainContext.PrevLinkValid {
			t.Errorf("first entry links to genesis: %+v", view.ChainContext)
		}
	})

	t.Run("tail", func(t *testing.T) {
		view, err := v.EntryView(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if view.ChainContext.Next != nil || !view.ChainContext.NextLinkValid {
			t.Errorf("tail has no successor yet: %+v", view.ChainContext)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		tamper(t, s, 1, func(e *Entry) { e.CurrentHash = "bad" })
		view, err := v.EntryView(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		cc := view.ChainContext
		if cc.NextLinkValid || len(cc.Findings) == 0 || cc.Findings[0].Reason != ReasonChainTamper {
			t.Errorf("tamper not reflected in context: %+v", cc)
		}
	})

	t.Run("unchained", func(t *testing.T) {
		legacy := s.insertUnchained(&Entry{Action: "LEGACY", CreatedAt: time.Now()})
		view, err := v.EntryView(ctx, legacy.ID)
		if err != nil {
			t.Fatal(err)
		}
		if view.ChainContext != nil {
			t.Error("unchained entries have no chain context")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := v.EntryView(ctx, 404); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
