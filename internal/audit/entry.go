package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity classifies how compliance-relevant an audit event is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeveritySecurity Severity = "SECURITY"
)

// Severities lists every valid severity in reporting order.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeveritySecurity}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range Severities {
		if sev == v {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q (use INFO, WARNING, CRITICAL or SECURITY)", s)
}

// EntityRef points at an arbitrary business object owned by another
// service. The ledger never resolves it.
type EntityRef struct {
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
}

// IsZero reports whether the reference is empty.
func (r EntityRef) IsZero() bool { return r.Type == "" && r.ID == "" }

// Metadata is the opaque structured payload attached to an event.
type Metadata map[string]any

// Event is what a business collaborator hands to the Writer. Chain fields
// are assigned by the Writer, never by the caller.
type Event struct {
	UserID      string    `json:"userId,omitempty"`
	Action      string    `json:"action"`
	Entity      EntityRef `json:"entity"`
	Description string    `json:"description,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Severity    Severity  `json:"severity,omitempty"`
}

// UnmarshalJSON accepts the entity reference either nested,
//
//	{"action": "NC_CREATE", "entity": {"type": "nonconformity", "id": "42"}}
//
// or flat, the way QMS services publish it:
//
//	{"action": "NC_CREATE", "entity": "nonconformity", "entityId": 42}
//
// Numeric user and entity IDs are kept as their decimal text. Metadata
// numbers decode as json.Number.
func (ev *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID      looseString     `json:"userId"`
		Action      string          `json:"action"`
		Entity      json.RawMessage `json:"entity"`
		EntityType  string          `json:"entityType"`
		EntityID    looseString     `json:"entityId"`
		Description string          `json:"description"`
		Metadata    Metadata        `json:"metadata"`
		Severity    Severity        `json:"severity"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	ref := EntityRef{Type: raw.EntityType}
	switch e := bytes.TrimSpace(raw.Entity); {
	case len(e) == 0 || bytes.Equal(e, []byte("null")):
	case e[0] == '"':
		if err := json.Unmarshal(e, &ref.Type); err != nil {
			return fmt.Errorf("decoding entity: %w", err)
		}
	case e[0] == '{':
		var nested struct {
			Type string      `json:"type"`
			ID   looseString `json:"id"`
		}
		if err := json.Unmarshal(e, &nested); err != nil {
			return fmt.Errorf("decoding entity: %w", err)
		}
		ref = EntityRef{Type: nested.Type, ID: string(nested.ID)}
	default:
		return fmt.Errorf("entity must be a string or an object, got %s", e)
	}
	if raw.EntityID != "" {
		ref.ID = string(raw.EntityID)
	}

	*ev = Event{
		UserID:      string(raw.UserID),
		Action:      raw.Action,
		Entity:      ref,
		Description: raw.Description,
		Metadata:    raw.Metadata,
		Severity:    raw.Severity,
	}
	return nil
}

// looseString decodes a JSON string or number into its text.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected a string or a number, got %s", b)
		}
		*s = looseString(n.String())
	}
	return nil
}

// Entry is a single immutable ledger record.
//
// ID is the physical row identity. ChainIndex is nil for legacy entries
// that predate chaining; those are counted but never checked.
type Entry struct {
	ID          int64     `json:"id"`
	ChainIndex  *int64    `json:"chainIndex"`
	UserID      string    `json:"userId,omitempty"`
	Action      string    `json:"action"`
	Entity      EntityRef `json:"entity"`
	Description string    `json:"description,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Severity    Severity  `json:"severity"`
	CreatedAt   time.Time `json:"createdAt"`

	DataHash    string `json:"dataHash,omitempty"`
	PrevHash    string `json:"prevHash,omitempty"`
	CurrentHash string `json:"currentHash,omitempty"`

	SignedBy      string     `json:"signedBy,omitempty"`
	SignedAt      *time.Time `json:"signedAt,omitempty"`
	SignatureHash string     `json:"signatureHash,omitempty"`
}

// Chained reports whether the entry participates in the hash chain.
func (e *Entry) Chained() bool { return e.ChainIndex != nil }

// Index returns the chain index, or -1 for unchained entries.
func (e *Entry) Index() int64 {
	if e.ChainIndex == nil {
		return -1
	}
	return *e.ChainIndex
}

// Signed reports whether an attestation has been recorded.
func (e *Entry) Signed() bool { return e.SignedBy != "" || e.SignedAt != nil }

// ChainTail is the newest chained entry as seen inside the append critical
// section. Exists is false for an empty chain.
type ChainTail struct {
	Exists      bool
	Index       int64
	CurrentHash string
}

// timestamp returns t in the precision every store keeps.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// TimeLayout is the fixed-width UTC layout used for hashing and for
// text-typed storage. Lexical order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func int64Ptr(v int64) *int64 { return &v }
