package audit

import "errors"

// Sentinel errors returned by ledger operations. Callers match them with
// errors.Is; adapters wrap driver errors around them.
var (
	// ErrWriteConflict means a concurrent append won the tail. The whole
	// append may be retried from a fresh tail read.
	ErrWriteConflict = errors.New("audit: write conflict on chain tail")

	// ErrInvalidRange rejects a verification range before any scan.
	ErrInvalidRange = errors.New("audit: invalid chain index range")

	// ErrStorageUnavailable means the store could not be read or written.
	ErrStorageUnavailable = errors.New("audit: storage unavailable")

	ErrInvalidEvent  = errors.New("audit: invalid event")
	ErrNotFound      = errors.New("audit: entry not found")
	ErrAlreadySigned = errors.New("audit: entry already signed")
)
