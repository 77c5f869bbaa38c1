package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Classifier resolves the severity of an action when the caller did not
// supply one. internal/severity provides the rule-based implementation.
type Classifier interface {
	Classify(action string) Severity
}

// Writer is the only component that mutates the ledger. It assigns chain
// positions and computes digests inside the store's exclusive append
// section, so concurrent Append calls never fork or skip an index.
//
// Thread-safe. Any number of goroutines (HTTP handlers, the Kafka consumer,
// CLI invocations in other processes) may call Append at once.
type Writer struct {
	store      Store
	hasher     Hasher
	classifier Classifier
	now        func() time.Time

	// OnAppend, if set, is called after every committed append. Used by the
	// dashboard to push entries to the live feed. Must not block.
	OnAppend func(*Entry)
}

// NewWriter creates a Writer over store with the SHA-256 hasher. A nil
// classifier means every event without an explicit severity is INFO.
func NewWriter(store Store, classifier Classifier) *Writer {
	return &Writer{
		store:      store,
		hasher:     SHA256{},
		classifier: classifier,
		now:        time.Now,
	}
}

// Append records one event as the next chained entry.
//
// The tail read, digest computation and insert happen as one unit inside
// Store.AppendChained. On any failure nothing is persisted and the error
// wraps ErrInvalidEvent, ErrWriteConflict or ErrStorageUnavailable. There
// is no unchained fallback write: an event that cannot be chained fails.
func (w *Writer) Append(ctx context.Context, ev Event) (*Entry, error) {
	ev.Action = strings.TrimSpace(ev.Action)
	if ev.Action == "" {
		return nil, fmt.Errorf("action is required: %w", ErrInvalidEvent)
	}

	sev, err := w.resolveSeverity(ev)
	if err != nil {
		return nil, err
	}

	// The entry keeps its own copy of the metadata in canonical form, the
	// same tree the SQL stores read back. Later changes to the caller's maps
	// cannot reach it.
	metadata, err := ownMetadata(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}

	// Content and digests are fixed before the exclusive section; only the
	// chain fields depend on the tail.
	draft := &Entry{
		UserID:      ev.UserID,
		Action:      ev.Action,
		Entity:      ev.Entity,
		Description: ev.Description,
		Metadata:    metadata,
		Severity:    sev,
		CreatedAt:   timestamp(w.now()),
	}
	dataHash, err := computeDataHash(w.hasher, draft)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}
	draft.DataHash = dataHash

	entry, err := w.store.AppendChained(ctx, func(tail ChainTail) (*Entry, error) {
		e := *draft
		index, prev := int64(0), GenesisHash
		if tail.Exists {
			index, prev = tail.Index+1, tail.CurrentHash
		}
		e.ChainIndex = int64Ptr(index)
		e.PrevHash = prev
		e.CurrentHash = computeChainHash(w.hasher, index, prev, e.DataHash)
		return &e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s: %w", ev.Action, err)
	}

	slog.Debug("audit entry appended",
		"id", entry.ID,
		"chain_index", entry.Index(),
		"action", entry.Action,
		"severity", entry.Severity,
	)

	if w.OnAppend != nil {
		w.OnAppend(entry)
	}
	return entry, nil
}

// AttestSignature records that signerID attested entry id at signedAt. It
// succeeds at most once per entry. The chain digests are untouched; the
// attestation gets its own signatureHash bound to the entry's currentHash.
func (w *Writer) AttestSignature(ctx context.Context, id int64, signerID string, signedAt time.Time) (*Entry, error) {
	signerID = strings.TrimSpace(signerID)
	if signerID == "" {
		return nil, fmt.Errorf("signer is required: %w", ErrInvalidEvent)
	}
	if signedAt.IsZero() {
		signedAt = w.now()
	}
	signedAt = timestamp(signedAt)

	e, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Signed() {
		return nil, fmt.Errorf("entry %d: %w", id, ErrAlreadySigned)
	}

	sigHash := computeSignatureHash(w.hasher, e.CurrentHash, signerID, signedAt)
	if err := w.store.Attest(ctx, id, signerID, signedAt, sigHash); err != nil {
		return nil, err
	}

	e.SignedBy = signerID
	e.SignedAt = &signedAt
	e.SignatureHash = sigHash

	slog.Info("audit entry signed", "id", id, "chain_index", e.Index(), "signed_by", signerID)
	return e, nil
}

func ownMetadata(m Metadata) (Metadata, error) {
	raw, err := CanonicalMetadata(m)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}

func (w *Writer) resolveSeverity(ev Event) (Severity, error) {
	if ev.Severity != "" {
		sev, err := ParseSeverity(string(ev.Severity))
		if err != nil {
			return "", fmt.Errorf("%v: %w", err, ErrInvalidEvent)
		}
		return sev, nil
	}
	if w.classifier != nil {
		if sev := w.classifier.Classify(ev.Action); sev != "" {
			return sev, nil
		}
	}
	return SeverityInfo, nil
}

// AppendWithRetry calls w.Append up to attempts times, retrying only when a
// concurrent writer won the tail. Each attempt re-reads the tail from
// scratch. Backoff grows linearly from 10ms.
func AppendWithRetry(ctx context.Context, w *Writer, ev Event, attempts int) (*Entry, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		e, err := w.Append(ctx, ev)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return nil, err
		}
		lastErr = err
		slog.Warn("audit append conflict, retrying", "action", ev.Action, "attempt", i+1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return nil, lastErr
}
