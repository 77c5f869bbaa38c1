// Package audit implements the tamper-evident audit ledger of the QMS.
//
// Every compliance-relevant action is recorded as an Entry carrying three
// digests:
//
//	dataHash    = H(canonical(business fields))
//	currentHash = H(chainIndex ":" prevHash ":" dataHash)
//	prevHash    = currentHash of the entry at chainIndex-1 (GenesisHash at 0)
//
// The Writer is the only component that mutates the ledger. The Verifier
// and Reporter only read, and re-derive every digest from stored data to
// tell content tampering, forged chain fields and broken links apart.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the prevHash of the entry at chain index 0.
var GenesisHash = strings.Repeat("0", 64)

// Hasher produces a fixed-length hex digest. Implementations must be pure
// and safe for concurrent use.
type Hasher interface {
	Digest(data []byte) string
}

// SHA256 is the default Hasher.
type SHA256 struct{}

// Digest returns the lowercase hex SHA-256 of data.
func (SHA256) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// computeDataHash hashes the canonical encoding of an entry's business
// fields. Chain and signature fields never participate.
func computeDataHash(h Hasher, e *Entry) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	return h.Digest(b), nil
}

// computeChainHash binds an entry's position, predecessor and content.
func computeChainHash(h Hasher, index int64, prevHash, dataHash string) string {
	return h.Digest([]byte(fmt.Sprintf("%d:%s:%s", index, prevHash, dataHash)))
}

// computeSignatureHash binds an attestation to the chain hash of the entry
// it attests, so a forged signer or time is detectable.
func computeSignatureHash(h Hasher, currentHash, signedBy string, signedAt time.Time) string {
	return h.Digest([]byte(fmt.Sprintf("%s:%s:%s", currentHash, signedBy, FormatTime(signedAt))))
}
