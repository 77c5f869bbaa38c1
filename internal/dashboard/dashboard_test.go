package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asvo/qmsledger/internal/audit"
	"github.com/asvo/qmsledger/internal/severity"
)

// tamperingStore rewrites the description of one chain index on every
// read, as if the row had been edited in the database.
type tamperingStore struct {
	*audit.MemoryStore
	index int64
}

func (s *tamperingStore) edit(e *audit.Entry) {
	if e.Chained() && e.Index() == s.index {
		e.Description = "rewritten"
	}
}

func (s *tamperingStore) ScanChain(ctx context.Context, from, to int64, pageSize int, fn func(*audit.Entry) error) error {
	return s.MemoryStore.ScanChain(ctx, from, to, pageSize, func(e *audit.Entry) error {
		s.edit(e)
		return fn(e)
	})
}

func (s *tamperingStore) Last(ctx context.Context, n int) ([]*audit.Entry, error) {
	entries, err := s.MemoryStore.Last(ctx, n)
	for _, e := range entries {
		s.edit(e)
	}
	return entries, err
}

// downStore fails every read, like a database that went away.
type downStore struct {
	*audit.MemoryStore
}

var errDown = fmt.Errorf("connection refused: %w", audit.ErrStorageUnavailable)

func (downStore) Tail(context.Context) (*audit.Entry, error) { return nil, errDown }
func (downStore) Last(context.Context, int) ([]*audit.Entry, error) { return nil, errDown }
func (downStore) Get(context.Context, int64) (*audit.Entry, error) { return nil, errDown }
func (downStore) Query(context.Context, audit.QueryParams) ([]*audit.Entry, error) {
	return nil, errDown
}
func (downStore) AppendChained(context.Context, audit.BuildFunc) (*audit.Entry, error) {
	return nil, errDown
}

type testServer struct {
	*httptest.Server
	dash  *Dashboard
	store audit.Store
}

func newTestServer(t *testing.T, store audit.Store) *testServer {
	t.Helper()
	engine, err := severity.New(filepath.Join(t.TempDir(), "severity.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	writer := audit.NewWriter(store, engine)
	verifier := audit.NewVerifier(store)

	d := New(Options{
		Store:         store,
		Writer:        writer,
		Verifier:      verifier,
		Reporter:      audit.NewReporter(store, verifier),
		Severity:      engine,
		SeverityPath:  filepath.Join(t.TempDir(), "saved.yaml"),
		QuickCount:    5,
		MaxQuickCount: 10,
	})
	writer.OnAppend = d.BroadcastEntry

	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return &testServer{Server: srv, dash: d, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		var data []byte
		if raw, ok := body.(string); ok {
			data = []byte(raw)
		} else {
			var err error
			if data, err = json.Marshal(body); err != nil {
				t.Fatal(err)
			}
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (s *testServer) appendEvents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		resp, body := s.do(t, http.MethodPost, "/api/audit/events", map[string]any{
			"userId":   "user-1",
			"action":   "NC_CREATE",
			"entity":   map[string]string{"type": "nonconformity", "id": fmt.Sprintf("NC-%d", i)},
			"metadata": map[string]any{"lot": i, "qty": 1.5},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("append %d: status %d: %s", i, resp.StatusCode, body)
		}
	}
}

func TestAppendAndEntry(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	s.appendEvents(t, 3)

	resp, body := s.do(t, http.MethodGet, "/api/audit/entry?id=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var view struct {
		ID           int64          `json:"id"`
		ChainIndex   int64          `json:"chainIndex"`
		Severity     audit.Severity `json:"severity"`
		ChainContext struct {
			PrevLinkValid bool `json:"prevLinkValid"`
			NextLinkValid bool `json:"nextLinkValid"`
			Previous      *struct {
				ID int64 `json:"id"`
			} `json:"previous"`
		} `json:"chainContext"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	if view.ChainIndex != 1 || view.Severity != audit.SeverityCritical {
		t.Errorf("entry = %+v", view)
	}
	if !view.ChainContext.PrevLinkValid || !view.ChainContext.NextLinkValid || view.ChainContext.Previous == nil {
		t.Errorf("chain context = %+v", view.ChainContext)
	}
}

func TestAppend_FlatEntity(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())

	resp, body := s.do(t, http.MethodPost, "/api/audit/events",
		`{"userId":"u1","action":"NC_CREATE","entity":"nonconformity","entityId":42,"description":"scrap lot"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var e audit.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e.Entity != (audit.EntityRef{Type: "nonconformity", ID: "42"}) || e.Index() != 0 {
		t.Errorf("entry = %+v", e)
	}
}

func TestAppend_BadInput(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())

	tests := []struct {
		name   string
		method string
		body   any
		want   int
	}{
		{"missing action", http.MethodPost, map[string]any{"userId": "u"}, http.StatusBadRequest},
		{"bad severity", http.MethodPost, map[string]any{"action": "X", "severity": "URGENT"}, http.StatusBadRequest},
		{"not json", http.MethodPost, "{", http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, tt.method, "/api/audit/events", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestSign(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	s.appendEvents(t, 1)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"sign", map[string]any{"id": 1, "signerId": "qa-lead"}, http.StatusOK},
		{"twice", map[string]any{"id": 1, "signerId": "qa-lead"}, http.StatusConflict},
		{"unknown entry", map[string]any{"id": 99, "signerId": "qa-lead"}, http.StatusNotFound},
		{"no signer", map[string]any{"id": 1}, http.StatusBadRequest},
		{"no id", map[string]any{"signerId": "qa-lead"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/api/audit/sign", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}

	resp, body := s.do(t, http.MethodGet, "/api/audit/verify/full", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"valid": true`) {
		t.Errorf("signed chain should verify: %d %s", resp.StatusCode, body)
	}
}

func TestEntry_BadInput(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	for path, want := range map[string]int{
		"/api/audit/entry":       http.StatusBadRequest,
		"/api/audit/entry?id=x":  http.StatusBadRequest,
		"/api/audit/entry?id=-1": http.StatusBadRequest,
		"/api/audit/entry?id=7":  http.StatusNotFound,
	} {
		if resp, _ := s.do(t, http.MethodGet, path, nil); resp.StatusCode != want {
			t.Errorf("%s: status %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestQuery(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	s.appendEvents(t, 4)

	resp, body := s.do(t, http.MethodGet, "/api/audit?entity=nonconformity&limit=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ID != 4 {
		t.Errorf("query returned %d entries, first id %d", len(entries), entries[0].ID)
	}

	resp, body = s.do(t, http.MethodGet, "/api/audit?userId=nobody", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty query: %d %s", resp.StatusCode, body)
	}

	for _, path := range []string{"/api/audit?severity=URGENT", "/api/audit?since=yesterday", "/api/audit?before=x"} {
		if resp, _ := s.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestVerify_Tampered(t *testing.T) {
	mem := audit.NewMemoryStore()
	s := newTestServer(t, &tamperingStore{MemoryStore: mem, index: 2})
	s.appendEvents(t, 4)

	for _, path := range []string{"/api/audit/verify", "/api/audit/verify/full"} {
		resp, body := s.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: tampering must be a 200 report, got %d", path, resp.StatusCode)
		}
		var rep audit.Report
		if err := json.Unmarshal(body, &rep); err != nil {
			t.Fatal(err)
		}
		if rep.Valid || len(rep.Breaks) != 1 || rep.Breaks[0].Reason != audit.ReasonDataTamper || rep.Breaks[0].ChainIndex != 2 {
			t.Errorf("%s: report = %+v", path, rep)
		}
	}
}

func TestVerify_Params(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	s.appendEvents(t, 12)

	tests := []struct {
		path  string
		want  int
		total int64
	}{
		{"/api/audit/verify", http.StatusOK, 5},
		{"/api/audit/verify?count=8", http.StatusOK, 8},
		{"/api/audit/verify?count=500", http.StatusOK, 10},
		{"/api/audit/verify?count=0", http.StatusBadRequest, 0},
		{"/api/audit/verify/full?from=3&to=6", http.StatusOK, 4},
		{"/api/audit/verify/full?from=6&to=3", http.StatusBadRequest, 0},
		{"/api/audit/verify/full?from=-1", http.StatusBadRequest, 0},
		{"/api/audit/verify/full?to=x", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := s.do(t, http.MethodGet, tt.path, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
			if tt.want != http.StatusOK {
				return
			}
			var rep audit.Report
			if err := json.Unmarshal(body, &rep); err != nil {
				t.Fatal(err)
			}
			if !rep.Valid || rep.TotalRecords != tt.total {
				t.Errorf("valid=%v total=%d, want %d", rep.Valid, rep.TotalRecords, tt.total)
			}
		})
	}
}

func TestStorageUnavailable(t *testing.T) {
	s := newTestServer(t, downStore{audit.NewMemoryStore()})

	for _, tt := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/health", nil},
		{http.MethodGet, "/api/audit/verify", nil},
		{http.MethodGet, "/api/audit/verify/full", nil},
		{http.MethodGet, "/api/audit/entry?id=1", nil},
		{http.MethodGet, "/api/audit", nil},
		{http.MethodGet, "/api/audit/report", nil},
		{http.MethodPost, "/api/audit/events", map[string]string{"action": "NC_CREATE"}},
	} {
		resp, body := s.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status %d, want 503: %s", tt.method, tt.path, resp.StatusCode, body)
		}
	}
}

func TestReportAndStats(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	s.appendEvents(t, 3)

	resp, body := s.do(t, http.MethodGet, "/api/audit/report", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", resp.StatusCode, body)
	}
	var rep audit.InspectionReport
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.ID == "" || rep.TotalRecords != 3 || rep.Verification == nil || !rep.Verification.Valid {
		t.Errorf("report = %+v", rep)
	}

	resp, body = s.do(t, http.MethodGet, "/api/audit/report?format=yaml&from=2000-01-01", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "conclusion:") {
		t.Errorf("yaml report: %d %s", resp.StatusCode, body)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/audit/report?format=pdf", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format: status %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "/api/audit/stats?days=7", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", resp.StatusCode)
	}
	var stats audit.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ChainCoveragePercent != 100 {
		t.Errorf("stats = %+v", stats)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/audit/stats?days=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("days=0: status %d", resp.StatusCode)
	}
}

func TestSeverityRules(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())

	resp, _ := s.do(t, http.MethodPost, "/api/severity/rules", map[string]string{
		"yaml": "name: calibration\nmatch: {action: EQUIPMENT_CALIBRATE}\nseverity: WARNING\n",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add rule: status %d", resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodPost, "/api/audit/events", map[string]string{"action": "EQUIPMENT_CALIBRATE"})
	if resp.StatusCode != http.StatusCreated || !strings.Contains(string(body), `"severity": "WARNING"`) {
		t.Errorf("new rule not applied: %s", body)
	}

	if resp, _ := s.do(t, http.MethodPost, "/api/severity/rules", map[string]string{"yaml": "name: x\n"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid rule accepted: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodPost, "/api/severity/rules/delete", map[string]string{"name": "calibration"}); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodPost, "/api/severity/rules/delete", map[string]string{"name": "calibration"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second delete: %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "/api/severity/rules", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "critical_nonconformity") {
		t.Errorf("list rules: %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())
	resp, body := s.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"chainTail": null`) {
		t.Errorf("empty ledger health: %d %s", resp.StatusCode, body)
	}
	s.appendEvents(t, 2)
	_, body = s.do(t, http.MethodGet, "/health", nil)
	if !strings.Contains(string(body), `"chainTail": 1`) {
		t.Errorf("health: %s", body)
	}
}

func TestLiveFeed(t *testing.T) {
	s := newTestServer(t, audit.NewMemoryStore())

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/dashboard/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration is asynchronous; wait until the hub sees the client.
	deadline := time.Now().Add(2 * time.Second)
	for s.dash.wsHub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.appendEvents(t, 1)
	s.do(t, http.MethodGet, "/api/audit/verify", nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var types []string
	for len(types) < 2 {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading feed: %v (got %v)", err, types)
		}
		types = append(types, msg.Type+"/"+msg.Kind)
	}
	if types[0] != "entry/" || types[1] != "verification/quick" {
		t.Errorf("feed messages = %v", types)
	}
}
