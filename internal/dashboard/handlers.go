package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/asvo/qmsledger/internal/audit"
)

// handleAPIAppend records one event.
// POST /api/audit/events  { "action": "NC_CREATE", "entity": "nonconformity", "entityId": 42, ... }
// The nested form "entity": {"type": ..., "id": ...} is accepted too.
func (d *Dashboard) handleAPIAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var ev audit.Event
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	e, err := audit.AppendWithRetry(r.Context(), d.writer, ev, d.appendAttempts)
	if err != nil {
		writeError(w, "append", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleAPISign attests an electronic signature on an entry.
// POST /api/audit/sign  { "id": 12, "signerId": "qa-lead", "signedAt": "..." }
func (d *Dashboard) handleAPISign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID       int64     `json:"id"`
		SignerID string    `json:"signerId"`
		SignedAt time.Time `json:"signedAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ID <= 0 {
		http.Error(w, "id field required", http.StatusBadRequest)
		return
	}

	e, err := d.writer.AttestSignature(r.Context(), req.ID, req.SignerID, req.SignedAt)
	if err != nil {
		writeError(w, "sign", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleAPIEntry returns one entry with its chain context.
// GET /api/audit/entry?id=12
func (d *Dashboard) handleAPIEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return
	}

	view, err := d.verifier.EntryView(r.Context(), id)
	if err != nil {
		writeError(w, "entry", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleAPIQuery returns entries newest first.
// GET /api/audit?userId=&action=&entity=&entityId=&severity=&since=&until=&before=&limit=50
func (d *Dashboard) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	params := audit.QueryParams{
		UserID:   q.Get("userId"),
		Action:   q.Get("action"),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entityId"),
		Limit:    50,
	}
	if s := q.Get("severity"); s != "" {
		sev, err := audit.ParseSeverity(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Severity = sev
	}
	var err error
	if params.Since, err = parseTimeParam(q.Get("since")); err != nil {
		http.Error(w, "since: "+err.Error(), http.StatusBadRequest)
		return
	}
	if params.Until, err = parseTimeParam(q.Get("until")); err != nil {
		http.Error(w, "until: "+err.Error(), http.StatusBadRequest)
		return
	}
	if b := q.Get("before"); b != "" {
		if params.BeforeID, err = strconv.ParseInt(b, 10, 64); err != nil {
			http.Error(w, "before must be an entry id", http.StatusBadRequest)
			return
		}
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			params.Limit = min(parsed, 1000)
		}
	}

	entries, err := d.store.Query(r.Context(), params)
	if err != nil {
		writeError(w, "query", err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAPIQuickVerify checks the most recent entries.
// GET /api/audit/verify?count=100
func (d *Dashboard) handleAPIQuickVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	count := d.quickCount
	if c := r.URL.Query().Get("count"); c != "" {
		parsed, err := strconv.Atoi(c)
		if err != nil || parsed < 1 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = min(parsed, d.maxQuickCount)
	}

	rep, err := d.verifier.QuickVerify(r.Context(), count)
	d.writeVerification(w, "quick", rep, err)
}

// handleAPIFullVerify walks the chain, optionally bounded by index.
// GET /api/audit/verify/full?from=0&to=500
func (d *Dashboard) handleAPIFullVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	var rng audit.Range
	var err error
	if rng.From, err = parseIndexParam(r.URL.Query().Get("from")); err != nil {
		http.Error(w, "from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if rng.To, err = parseIndexParam(r.URL.Query().Get("to")); err != nil {
		http.Error(w, "to: "+err.Error(), http.StatusBadRequest)
		return
	}

	rep, err := d.verifier.FullVerify(r.Context(), rng)
	d.writeVerification(w, "full", rep, err)
}

// writeVerification sends a report. An interrupted run still returns the
// partial report next to the error.
func (d *Dashboard) writeVerification(w http.ResponseWriter, kind string, rep *audit.Report, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("verification failed", "kind", kind, "status", status, "error", err)
		}
		body := map[string]any{"error": err.Error()}
		if rep != nil {
			body["report"] = rep
		}
		writeJSON(w, status, body)
		return
	}
	d.BroadcastVerification(kind, rep)
	writeJSON(w, http.StatusOK, rep)
}

// handleAPIReport generates an inspection report.
// GET /api/audit/report?from=2026-01-01&to=2026-07-01&format=json|yaml
func (d *Dashboard) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var opts audit.ReportOptions
	var err error
	if opts.Period.From, err = parseTimeParam(q.Get("from")); err != nil {
		http.Error(w, "from: "+err.Error(), http.StatusBadRequest)
		return
	}
	if opts.Period.To, err = parseTimeParam(q.Get("to")); err != nil {
		http.Error(w, "to: "+err.Error(), http.StatusBadRequest)
		return
	}
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "yaml" {
		http.Error(w, "format must be json or yaml", http.StatusBadRequest)
		return
	}

	rep, err := d.reporter.Generate(r.Context(), opts)
	if err != nil {
		writeError(w, "report", err)
		return
	}

	if format == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if err := rep.Encode(w, format); err != nil {
		slog.Error("writing report", "error", err)
	}
}

// handleAPIStats returns activity statistics over the last N days.
// GET /api/audit/stats?days=30
func (d *Dashboard) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			http.Error(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = parsed
	}

	stats, err := d.reporter.Stats(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAPIRules lists or adds severity rules.
// GET  /api/severity/rules
// POST /api/severity/rules  { "yaml": "..." }
func (d *Dashboard) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	if d.severity == nil {
		http.Error(w, "severity rules not configured", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, d.severity.ListRules())

	case http.MethodPost:
		var req struct {
			YAML string `json:"yaml"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.YAML == "" {
			http.Error(w, "yaml field required", http.StatusBadRequest)
			return
		}
		if err := d.severity.AddRule(req.YAML); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.saveRules("add")
		writeJSON(w, http.StatusOK, map[string]string{"status": "added"})

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleAPIRulesDelete removes a custom severity rule.
// POST /api/severity/rules/delete  { "name": "my_rule" }
func (d *Dashboard) handleAPIRulesDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if d.severity == nil {
		http.Error(w, "severity rules not configured", http.StatusNotFound)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name field required", http.StatusBadRequest)
		return
	}

	if err := d.severity.RemoveRule(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.saveRules("remove")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": req.Name})
}

func (d *Dashboard) saveRules(op string) {
	if d.severityPath == "" {
		return
	}
	if err := d.severity.Save(d.severityPath); err != nil {
		slog.Error("failed to save severity rules", "op", op, "error", err)
	}
}

// --- Helpers ---

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrInvalidEvent), errors.Is(err, audit.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrWriteConflict), errors.Is(err, audit.ErrAlreadySigned):
		return http.StatusConflict
	case errors.Is(err, audit.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool { return errors.Is(err, audit.ErrNotFound) }

// writeError sends err as a JSON error body with its mapped status.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api request failed", "op", op, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// parseTimeParam accepts RFC 3339 or a plain date. Empty means zero.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// parseIndexParam parses an optional chain index.
func parseIndexParam(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
