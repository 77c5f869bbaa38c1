// Package dashboard serves the qmsledger REST API and live feed.
//
//   - WebSocket:  GET  /dashboard/ws             live entries and verification runs
//   - Health:     GET  /health
//   - REST API:   POST /api/audit/events         append an event
//                 POST /api/audit/sign           attest a signature
//                 GET  /api/audit                query entries
//                 GET  /api/audit/entry?id=      entry with chain context
//                 GET  /api/audit/verify         quick verification
//                 GET  /api/audit/verify/full    full verification
//                 GET  /api/audit/report         inspection report
//                 GET  /api/audit/stats          activity statistics
//                 GET  /api/severity/rules       list severity rules
//                 POST /api/severity/rules       add a custom rule
//                 POST /api/severity/rules/delete
//
// Storage failures map to 503, invalid input to 400, unknown entries to
// 404 and conflicts to 409. A verification that found tampering is a 200
// with "valid": false.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/asvo/qmsledger/internal/audit"
	"github.com/asvo/qmsledger/internal/severity"
)

// DefaultAppendAttempts bounds retries of an HTTP append after write
// conflicts.
const DefaultAppendAttempts = 5

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Store    audit.Store
	Writer   *audit.Writer
	Verifier *audit.Verifier
	Reporter *audit.Reporter
	Severity *severity.Engine

	// SeverityPath is where rule changes made over the API are saved.
	SeverityPath string

	// QuickCount is the quick-verify window when the caller gives none;
	// MaxQuickCount caps what a caller may ask for.
	QuickCount    int
	MaxQuickCount int

	AppendAttempts int
}

// Dashboard serves the REST API and the websocket feed.
type Dashboard struct {
	store    audit.Store
	writer   *audit.Writer
	verifier *audit.Verifier
	reporter *audit.Reporter
	severity *severity.Engine

	severityPath   string
	quickCount     int
	maxQuickCount  int
	appendAttempts int

	wsHub *wsHub
}

// New creates a Dashboard and starts its websocket hub.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		store:          opts.Store,
		writer:         opts.Writer,
		verifier:       opts.Verifier,
		reporter:       opts.Reporter,
		severity:       opts.Severity,
		severityPath:   opts.SeverityPath,
		quickCount:     opts.QuickCount,
		maxQuickCount:  opts.MaxQuickCount,
		appendAttempts: opts.AppendAttempts,
		wsHub:          newWSHub(),
	}
	if d.quickCount <= 0 {
		d.quickCount = audit.DefaultQuickCount
	}
	if d.maxQuickCount < d.quickCount {
		d.maxQuickCount = d.quickCount
	}
	if d.appendAttempts <= 0 {
		d.appendAttempts = DefaultAppendAttempts
	}

	go d.wsHub.run()
	return d
}

// Handler returns the full route table.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/dashboard/ws", d.WebSocketHandler())

	mux.HandleFunc("/api/audit", d.handleAPIQuery)
	mux.HandleFunc("/api/audit/events", d.handleAPIAppend)
	mux.HandleFunc("/api/audit/sign", d.handleAPISign)
	mux.HandleFunc("/api/audit/entry", d.handleAPIEntry)
	mux.HandleFunc("/api/audit/verify", d.handleAPIQuickVerify)
	mux.HandleFunc("/api/audit/verify/full", d.handleAPIFullVerify)
	mux.HandleFunc("/api/audit/report", d.handleAPIReport)
	mux.HandleFunc("/api/audit/stats", d.handleAPIStats)

	mux.HandleFunc("/api/severity/rules", d.handleAPIRules)
	mux.HandleFunc("/api/severity/rules/delete", d.handleAPIRulesDelete)

	return mux
}

// WebSocketHandler returns the handler for /dashboard/ws.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(d.handleWebSocket)
}

// Close stops the websocket hub and disconnects its clients.
func (d *Dashboard) Close() {
	d.wsHub.stop()
}

// feedMessage is the envelope pushed to websocket clients.
type feedMessage struct {
	Type string    `json:"type"` // "entry" or "verification"
	Kind string    `json:"kind,omitempty"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// BroadcastEntry pushes a committed entry to the live feed. Wired as
// audit.Writer.OnAppend. Never blocks.
func (d *Dashboard) BroadcastEntry(e *audit.Entry) {
	d.broadcast(feedMessage{Type: "entry", At: time.Now().UTC(), Data: e})
}

// BroadcastVerification pushes a verification result (scheduled or
// on-demand) to the live feed.
func (d *Dashboard) BroadcastVerification(kind string, rep *audit.Report) {
	d.broadcast(feedMessage{Type: "verification", Kind: kind, At: time.Now().UTC(), Data: rep})
}

func (d *Dashboard) broadcast(msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal feed message", "type", msg.Type, "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// handleHealth reports liveness and the chain tail.
// GET /health
func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"status":  "ok",
		"clients": d.wsHub.count(),
	}
	tail, err := d.store.Tail(r.Context())
	switch {
	case err == nil:
		status["chainTail"] = tail.Index()
	case isNotFound(err):
		status["chainTail"] = nil
	default:
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}
