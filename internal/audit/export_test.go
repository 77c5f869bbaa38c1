package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExport_Formats(t *testing.T) {
	s, _, _ := newLedger(t, 3)
	ctx := context.Background()

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, s, &buf, "jsonl"); err != nil {
			t.Fatal(err)
		}
		sc := bufio.NewScanner(&buf)
		n := 0
		for sc.Scan() {
			var e Entry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.Fatalf("line %d: %v", n, err)
			}
			if e.Index() != int64(n) || e.CurrentHash == "" {
				t.Errorf("line %d: index %d hash %q", n, e.Index(), e.CurrentHash)
			}
			n++
		}
		if n != 3 {
			t.Errorf("exported %d lines, want 3", n)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, s, &buf, "json"); err != nil {
			t.Fatal(err)
		}
		var entries []Entry
		if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
			t.Fatalf("invalid json array: %v\n%s", err, buf.String())
		}
		if len(entries) != 3 || entries[2].PrevHash != entries[1].CurrentHash {
			t.Errorf("unexpected export: %d entries", len(entries))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Export(ctx, s, &buf, "csv"); err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 4 || rows[0][0] != "id" || rows[1][1] != "0" {
			t.Errorf("unexpected csv: %v", rows)
		}
		if rows[1][8] != `{"n":0}` {
			t.Errorf("metadata column = %q", rows[1][8])
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := Export(ctx, s, &bytes.Buffer{}, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestExport_EmptyLedger(t *testing.T) {
	s := NewMemoryStore()
	var buf bytes.Buffer
	if err := Export(context.Background(), s, &buf, "json"); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty json export = %q", buf.String())
	}
}

func TestExport_CSVCarriesSignatureHash(t *testing.T) {
	s, w, _ := newLedger(t, 2)
	ctx := context.Background()
	signed, err := w.AttestSignature(ctx, 2, "qa-lead", time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Export(ctx, s, &buf, "csv"); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	last := len(rows[0]) - 1
	if rows[0][last] != "signature_hash" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][last] != "" {
		t.Errorf("unsigned entry has signature hash %q", rows[1][last])
	}

	// The exported columns are enough to re-derive the seal.
	row := rows[2]
	signedAt, err := ParseTime(row[14])
	if err != nil {
		t.Fatal(err)
	}
	want := computeSignatureHash(SHA256{}, row[12], row[13], signedAt)
	if row[last] != signed.SignatureHash || row[last] != want {
		t.Errorf("signature_hash = %q, want %q", row[last], want)
	}
}
