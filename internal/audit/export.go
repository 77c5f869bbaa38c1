package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Export writes every chained entry, in chain order, to w in the given
// format: "jsonl" (default), "json" or "csv". Entries are streamed page by
// page, so memory use does not grow with the ledger. Hashes are included so
// an inspector can re-verify the chain independently.
func Export(ctx context.Context, store Store, w io.Writer, format string) error {
	switch format {
	case "jsonl", "", "json", "csv":
	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}

	tail, err := store.Tail(ctx)
	if errors.Is(err, ErrNotFound) {
		if format == "json" {
			_, err := io.WriteString(w, "[]\n")
			return err
		}
		if format == "csv" {
			return writeCSVHeader(csv.NewWriter(w))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading chain tail for export: %w", err)
	}

	scan := func(fn func(*Entry) error) error {
		return store.ScanChain(ctx, 0, tail.Index(), DefaultPageSize, fn)
	}

	switch format {
	case "json":
		// A JSON array written element by element.
		if _, err := io.WriteString(w, "[\n"); err != nil {
			return err
		}
		first := true
		err := scan(func(e *Entry) error {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshaling entry %d: %w", e.ID, err)
			}
			sep := ",\n"
			if first {
				sep, first = "", false
			}
			_, err = fmt.Fprintf(w, "%s  %s", sep, data)
			return err
		})
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "\n]\n")
		return err

	case "csv":
		cw := csv.NewWriter(w)
		if err := writeCSVHeader(cw); err != nil {
			return err
		}
		err := scan(func(e *Entry) error {
			meta, err := CanonicalMetadata(e.Metadata)
			if err != nil {
				return err
			}
			signedAt := ""
			if e.SignedAt != nil {
				signedAt = FormatTime(*e.SignedAt)
			}
			return cw.Write([]string{
				strconv.FormatInt(e.ID, 10),
				strconv.FormatInt(e.Index(), 10),
				FormatTime(e.CreatedAt),
				e.UserID,
				e.Action,
				e.Entity.Type,
				e.Entity.ID,
				e.Description,
				string(meta),
				string(e.Severity),
				e.DataHash,
				e.PrevHash,
				e.CurrentHash,
				e.SignedBy,
				signedAt,
				e.SignatureHash,
			})
		})
		cw.Flush()
		if err != nil {
			return err
		}
		return cw.Error()

	default:
		enc := json.NewEncoder(w)
		return scan(func(e *Entry) error { return enc.Encode(e) })
	}
}

var csvHeader = []string{
	"id", "chain_index", "created_at", "user_id", "action", "entity_type", "entity_id",
	"description", "metadata", "severity", "data_hash", "prev_hash", "current_hash",
	"signed_by", "signed_at", "signature_hash",
}

func writeCSVHeader(cw *csv.Writer) error {
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
