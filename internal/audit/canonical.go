package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// canonicalVersion is bumped if the encoding below ever changes. Entries
// hashed under an older version stay verifiable only with that version.
const canonicalVersion = 1

// canonicalRecord fixes the field order of the hashed encoding. Do not
// reorder or rename fields: every stored dataHash depends on it.
type canonicalRecord struct {
	V           int             `json:"v"`
	UserID      *string         `json:"userId"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	Severity    string          `json:"severity"`
	CreatedAt   string          `json:"createdAt"`
}

// Canonicalize returns the deterministic byte encoding of an entry's
// business fields. Two entries with semantically equal content always
// produce identical bytes, whatever map order or number spelling their
// metadata arrived with.
func Canonicalize(e *Entry) ([]byte, error) {
	meta, err := CanonicalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}

	rec := canonicalRecord{
		V:           canonicalVersion,
		Action:      e.Action,
		EntityType:  e.Entity.Type,
		EntityID:    e.Entity.ID,
		Description: e.Description,
		Metadata:    meta,
		Severity:    string(e.Severity),
		CreatedAt:   FormatTime(e.CreatedAt),
	}
	if e.UserID != "" {
		uid := e.UserID
		rec.UserID = &uid
	}

	return encodeCompact(rec)
}

// CanonicalMetadata normalizes metadata into its stable JSON form. nil and
// empty metadata both encode as null.
func CanonicalMetadata(m Metadata) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("null"), nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalizing metadata: %w", err)
	}

	normalized, err := normalizeValue(generic)
	if err != nil {
		return nil, err
	}
	return encodeCompact(normalized)
}

// DecodeMetadata parses stored canonical metadata back into a map,
// keeping number precision.
func DecodeMetadata(data []byte) (Metadata, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// normalizeValue rewrites numbers to one spelling. Maps are left to
// encoding/json, which already emits keys in sorted order.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalizeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalizeValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.Number:
		return canonicalNumber(t)
	default:
		return t, nil
	}
}

// canonicalNumber maps 1, 1.0, 1e0 and 10E-1 to the same literal.
// Integers that fit int64 keep full precision.
func canonicalNumber(n json.Number) (json.Number, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("metadata number %q: %w", s, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("metadata number %q out of range", s)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}
