package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// BreakReason classifies a verification finding.
type BreakReason string

const (
	// ReasonDataTamper: business content no longer matches dataHash.
	ReasonDataTamper BreakReason = "DATA_TAMPER"
	// ReasonChainTamper: currentHash does not match (index, prevHash, dataHash).
	ReasonChainTamper BreakReason = "CHAIN_TAMPER"
	// ReasonLinkBroken: prevHash does not match the predecessor, or an
	// index is missing (deletion, reordering, insertion).
	ReasonLinkBroken BreakReason = "LINK_BROKEN"
	// ReasonSignatureTamper: signedBy/signedAt do not match signatureHash.
	ReasonSignatureTamper BreakReason = "SIGNATURE_TAMPER"
)

const (
	// DefaultPageSize is the number of entries fetched per ScanChain page.
	DefaultPageSize = 1000
	// DefaultMaxBreaks caps the break descriptors listed in a Report.
	DefaultMaxBreaks = 100
	// DefaultQuickCount is the quick verify window when none is given.
	DefaultQuickCount = 100
)

// Finding is one failed check on one entry.
type Finding struct {
	Reason BreakReason `json:"reason" yaml:"reason"`
	Detail string      `json:"detail" yaml:"detail"`
}

// Break describes an invalid entry. Reason is the first failed check in
// check order; Findings lists all of them.
type Break struct {
	ChainIndex int64       `json:"chainIndex" yaml:"chainIndex"`
	EntryID    int64       `json:"entryId" yaml:"entryId"`
	Reason     BreakReason `json:"reason" yaml:"reason"`
	Findings   []Finding   `json:"findings" yaml:"findings"`
}

// Report is the result of QuickVerify or FullVerify.
//
// Valid is true only when the run completed and found no invalid entry. A
// run that stopped early (storage failure, cancellation) has Complete set to
// false and is never Valid, whatever it saw before stopping.
type Report struct {
	Valid            bool      `json:"valid" yaml:"valid"`
	Complete         bool      `json:"complete" yaml:"complete"`
	TotalRecords     int64     `json:"totalRecords" yaml:"totalRecords"`
	InvalidRecords   int64     `json:"invalidRecords" yaml:"invalidRecords"`
	UnchainedRecords int64     `json:"unchainedRecords" yaml:"unchainedRecords"`
	FirstChainIndex  *int64    `json:"firstChainIndex" yaml:"firstChainIndex"`
	LastChainIndex   *int64    `json:"lastChainIndex" yaml:"lastChainIndex"`
	Breaks           []Break   `json:"breaks" yaml:"breaks"`
	Truncated        bool      `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	VerifiedAt       time.Time `json:"verifiedAt" yaml:"verifiedAt"`
	DurationMs       int64     `json:"durationMs" yaml:"durationMs"`
}

// Range bounds a full verification by chain index, both ends inclusive.
// A nil end is open.
type Range struct {
	From *int64
	To   *int64
}

// Validate rejects negative or inverted ranges.
func (r Range) Validate() error {
	if r.From != nil && *r.From < 0 {
		return fmt.Errorf("from %d is negative: %w", *r.From, ErrInvalidRange)
	}
	if r.To != nil && *r.To < 0 {
		return fmt.Errorf("to %d is negative: %w", *r.To, ErrInvalidRange)
	}
	if r.From != nil && r.To != nil && *r.From > *r.To {
		return fmt.Errorf("from %d is after to %d: %w", *r.From, *r.To, ErrInvalidRange)
	}
	return nil
}

// Verifier re-derives every digest from stored data. It only reads the
// store, never locks it, and bounds each run to the tail seen at its start,
// so it is safe to run alongside any number of writers.
type Verifier struct {
	store     Store
	hasher    Hasher
	now       func() time.Time
	PageSize  int
	MaxBreaks int
}

// NewVerifier creates a Verifier with default paging and break cap.
func NewVerifier(store Store) *Verifier {
	return &Verifier{
		store:     store,
		hasher:    SHA256{},
		now:       time.Now,
		PageSize:  DefaultPageSize,
		MaxBreaks: DefaultMaxBreaks,
	}
}

// checkEntry is the shared check primitive. running is the currentHash the
// entry's prevHash must equal; expectIndex is the index it must carry, or
// -1 when contiguity is not checked.
func (v *Verifier) checkEntry(e *Entry, running string, expectIndex int64) []Finding {
	var out []Finding

	dataHash, err := computeDataHash(v.hasher, e)
	switch {
	case err != nil:
		out = append(out, Finding{ReasonDataTamper, fmt.Sprintf("content cannot be canonicalized: %v", err)})
	case dataHash != e.DataHash:
		out = append(out, Finding{ReasonDataTamper, mismatch("dataHash", e.DataHash, dataHash)})
	}

	if chainHash := computeChainHash(v.hasher, e.Index(), e.PrevHash, e.DataHash); chainHash != e.CurrentHash {
		out = append(out, Finding{ReasonChainTamper, mismatch("currentHash", e.CurrentHash, chainHash)})
	}

	switch {
	case expectIndex >= 0 && e.Index() != expectIndex:
		out = append(out, Finding{ReasonLinkBroken, fmt.Sprintf("index gap: expected %d, got %d", expectIndex, e.Index())})
	case e.PrevHash != running:
		out = append(out, Finding{ReasonLinkBroken, mismatch("prevHash", e.PrevHash, running)})
	}

	if e.Signed() {
		var sigHash string
		if e.SignedAt != nil {
			sigHash = computeSignatureHash(v.hasher, e.CurrentHash, e.SignedBy, *e.SignedAt)
		}
		if sigHash == "" || sigHash != e.SignatureHash {
			out = append(out, Finding{ReasonSignatureTamper, mismatch("signatureHash", e.SignatureHash, sigHash)})
		}
	}
	return out
}

func mismatch(field, stored, expected string) string {
	return fmt.Sprintf("%s mismatch: stored=%s expected=%s", field, short(stored), short(expected))
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12] + "..."
	}
	if h == "" {
		return "<empty>"
	}
	return h
}

// run accumulates one verification pass.
type run struct {
	v       *Verifier
	report  *Report
	running string
	next    int64 // expected next index, -1 before the first entry
	first   *Entry
	last    *Entry

	// beyondTail marks a window that starts after the snapshot tail.
	beyondTail bool
}

func (v *Verifier) newRun() *run {
	return &run{
		v:      v,
		report: &Report{Breaks: []Break{}, VerifiedAt: v.now().UTC()},
		next:   -1,
	}
}

func (r *run) visit(e *Entry) error {
	if !e.Chained() {
		// Stores only scan chained entries; guard anyway so a legacy row can
		// never be reported as a break.
		return nil
	}
	if r.first == nil {
		r.first = e
	}
	r.last = e
	r.report.TotalRecords++

	if findings := r.v.checkEntry(e, r.running, r.next); len(findings) > 0 {
		r.report.InvalidRecords++
		if r.v.MaxBreaks <= 0 || len(r.report.Breaks) < r.v.MaxBreaks {
			r.report.Breaks = append(r.report.Breaks, Break{
				ChainIndex: e.Index(),
				EntryID:    e.ID,
				Reason:     findings[0].Reason,
				Findings:   findings,
			})
		} else {
			r.report.Truncated = true
		}
	}

	r.running = e.CurrentHash
	r.next = e.Index() + 1
	return nil
}

// finish counts unchained entries and seals the report. A window that
// starts at index 0 or ends at the snapshot tail is open on that side, so a
// full-range run counts every legacy entry. err non-nil marks the report as
// partial.
func (r *run) finish(ctx context.Context, start time.Time, tail int64, err error) (*Report, error) {
	rep := r.report
	if r.first != nil {
		rep.FirstChainIndex = int64Ptr(r.first.Index())
		rep.LastChainIndex = int64Ptr(r.last.Index())
	}

	if err == nil && !r.beyondTail {
		f := Filter{Chained: OnlyUnchained()}
		if r.first != nil && r.first.Index() > 0 {
			f.MinID = r.first.ID
		}
		if r.last != nil && r.last.Index() < tail {
			f.MaxID = r.last.ID
		}
		n, cerr := r.v.store.Count(ctx, f)
		if cerr != nil {
			err = storageErr("counting unchained entries", cerr)
		}
		rep.UnchainedRecords = n
	}

	rep.Complete = err == nil
	rep.Valid = rep.Complete && rep.InvalidRecords == 0
	rep.DurationMs = time.Since(start).Milliseconds()
	return rep, err
}

// QuickVerify checks the last count chained entries as one window, seeded
// from the first examined entry's own prevHash. It proves the window is
// internally consistent, nothing about history before it.
func (v *Verifier) QuickVerify(ctx context.Context, count int) (*Report, error) {
	start := time.Now()
	if count <= 0 {
		count = DefaultQuickCount
	}
	r := v.newRun()

	entries, err := v.store.Last(ctx, count)
	if err != nil {
		return r.finish(ctx, start, 0, storageErr("reading chain window", err))
	}
	if len(entries) == 0 {
		return r.finish(ctx, start, 0, nil)
	}

	tail := entries[0].Index()
	r.running = entries[len(entries)-1].PrevHash
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.visit(entries[i]); err != nil {
			return r.finish(ctx, start, tail, err)
		}
	}

	rep, err := r.finish(ctx, start, tail, nil)
	logReport("quick", rep)
	return rep, err
}

// FullVerify streams every chained entry in rng in ascending order, in
// bounded memory. The tail is read once at the start; entries appended
// afterwards are left for the next run.
//
// On storage failure or cancellation the partial report is returned with
// Complete=false and Valid=false, together with the error. A completed run
// that found tampering returns a nil error and Valid=false.
func (v *Verifier) FullVerify(ctx context.Context, rng Range) (*Report, error) {
	start := time.Now()
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	r := v.newRun()

	tail, err := v.store.Tail(ctx)
	if errors.Is(err, ErrNotFound) {
		return r.finish(ctx, start, -1, nil)
	}
	if err != nil {
		return r.finish(ctx, start, -1, storageErr("reading chain tail", err))
	}

	from, to := int64(0), tail.Index()
	if rng.From != nil {
		from = *rng.From
	}
	if rng.To != nil && *rng.To < to {
		to = *rng.To
	}
	if from > to {
		r.beyondTail = true
		return r.finish(ctx, start, tail.Index(), nil)
	}

	r.running = GenesisHash
	r.next = from
	if from > 0 {
		prev, err := v.store.GetByChainIndex(ctx, from-1)
		switch {
		case errors.Is(err, ErrNotFound):
			// Predecessor gone: the first entry's link cannot hold.
			r.running = ""
		case err != nil:
			return r.finish(ctx, start, tail.Index(), storageErr("reading predecessor", err))
		default:
			r.running = prev.CurrentHash
		}
	}

	pageSize := v.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	err = v.store.ScanChain(ctx, from, to, pageSize, r.visit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("verification cancelled: %w", ctxErr)
		} else {
			err = storageErr("scanning chain", err)
		}
		rep, ferr := r.finish(ctx, start, tail.Index(), err)
		slog.Warn("audit full verify incomplete",
			"checked", rep.TotalRecords, "invalid", rep.InvalidRecords, "error", ferr)
		return rep, ferr
	}

	rep, err := r.finish(ctx, start, tail.Index(), nil)
	logReport("full", rep)
	return rep, err
}

func logReport(kind string, rep *Report) {
	if rep == nil {
		return
	}
	attrs := []any{
		"kind", kind,
		"checked", rep.TotalRecords,
		"invalid", rep.InvalidRecords,
		"unchained", rep.UnchainedRecords,
		"duration_ms", rep.DurationMs,
	}
	if rep.Valid {
		slog.Info("audit chain verified", attrs...)
		return
	}
	slog.Warn("audit chain integrity violation", attrs...)
}

// storageErr wraps err so callers can match ErrStorageUnavailable, unless it
// already carries it.
func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

// ChainContext places an entry among its neighbours.
type ChainContext struct {
	Previous      *Entry    `json:"previous"`
	Next          *Entry    `json:"next"`
	PrevLinkValid bool      `json:"prevLinkValid"`
	NextLinkValid bool      `json:"nextLinkValid"`
	Findings      []Finding `json:"findings"`
}

// EntryView is an entry with its chain context.
type EntryView struct {
	*Entry
	ChainContext *ChainContext `json:"chainContext"`
}

// EntryView runs the check primitive on a one-entry window. PrevLinkValid
// compares against the predecessor (genesis at index 0); NextLinkValid is
// true when there is no successor yet. Unchained entries have no context.
func (v *Verifier) EntryView(ctx context.Context, id int64) (*EntryView, error) {
	e, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &EntryView{Entry: e}
	if !e.Chained() {
		return view, nil
	}

	cc := &ChainContext{Findings: []Finding{}}
	running := GenesisHash
	if e.Index() > 0 {
		prev, err := v.store.GetByChainIndex(ctx, e.Index()-1)
		switch {
		case errors.Is(err, ErrNotFound):
			running = ""
		case err != nil:
			return nil, storageErr("reading previous entry", err)
		default:
			cc.Previous = prev
			running = prev.CurrentHash
		}
	}
	cc.PrevLinkValid = e.PrevHash == running

	next, err := v.store.GetByChainIndex(ctx, e.Index()+1)
	switch {
	case errors.Is(err, ErrNotFound):
		cc.NextLinkValid = true
	case err != nil:
		return nil, storageErr("reading next entry", err)
	default:
		cc.Next = next
		cc.NextLinkValid = next.PrevHash == e.CurrentHash
	}

	if findings := v.checkEntry(e, running, -1); len(findings) > 0 {
		cc.Findings = findings
	}
	view.ChainContext = cc
	return view, nil
}
