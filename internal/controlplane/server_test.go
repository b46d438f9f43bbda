package controlplane

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/deadhand/internal/audit"
	"github.com/fentz26/deadhand/internal/clock"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/fentz26/deadhand/internal/scheduler"
	"github.com/fentz26/deadhand/internal/store"
)

const testGrace = 5 * time.Minute

func TestHealthEndpoint_OK(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Close the store to simulate DB error
	s.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestAssetCRUD(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()
	h := s.Handler()

	resp := do(t, h, http.MethodPost, "/assets", `{
		"owner_id": "owner-1",
		"platform_name": "Dropbox",
		"action": "Transfer",
		"recipient": "heir@example.com",
		"delay": "01:30:00",
		"payload_ref": "dropbox/export.tar"
	}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, body(t, resp))
	}
	var created models.Asset
	decode(t, resp, &created)
	if created.ID == "" {
		t.Fatal("Expected asset ID to be assigned")
	}
	if created.Delay != 90*time.Minute {
		t.Errorf("Expected delay 90m, got %v", created.Delay)
	}

	resp = do(t, h, http.MethodGet, "/assets/"+created.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var got models.Asset
	decode(t, resp, &got)
	if got.Recipient != "heir@example.com" || got.PlatformName != "Dropbox" {
		t.Errorf("Unexpected asset: %+v", got)
	}

	resp = do(t, h, http.MethodPut, "/assets/"+created.ID, `{
		"owner_id": "someone-else",
		"platform_name": "Dropbox",
		"action": "Delete",
		"delay": "24h"
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body(t, resp))
	}
	var updated models.Asset
	decode(t, resp, &updated)
	if updated.Action != models.ActionDelete || updated.Delay != 24*time.Hour {
		t.Errorf("Update not applied: %+v", updated)
	}
	if updated.OwnerID != "owner-1" {
		t.Errorf("Expected owner to be unchanged, got %s", updated.OwnerID)
	}

	resp = do(t, h, http.MethodGet, "/assets?owner=owner-1", "")
	var list []models.Asset
	decode(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 asset, got %d", len(list))
	}

	resp = do(t, h, http.MethodDelete, "/assets/"+created.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}
	resp = do(t, h, http.MethodGet, "/assets/"+created.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", resp.StatusCode)
	}
	resp = do(t, h, http.MethodDelete, "/assets/"+created.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 deleting twice, got %d", resp.StatusCode)
	}

	resp = do(t, h, http.MethodGet, "/assets/"+created.ID+"/decisions", "")
	var decisions []models.PDREntry
	decode(t, resp, &decisions)
	if len(decisions) != 3 {
		t.Errorf("Expected create, update and delete decisions, got %d", len(decisions))
	}
}

func TestCreateAssetValidation(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()
	h := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing owner", `{"platform_name":"X","action":"Delete"}`},
		{"missing platform", `{"owner_id":"o","action":"Delete"}`},
		{"unknown action", `{"owner_id":"o","platform_name":"X","action":"Shred"}`},
		{"transfer without recipient", `{"owner_id":"o","platform_name":"X","action":"Transfer"}`},
		{"transfer with bad recipient", `{"owner_id":"o","platform_name":"X","action":"Transfer","recipient":"not-an-email"}`},
		{"recipient on delete", `{"owner_id":"o","platform_name":"X","action":"Delete","recipient":"a@b.com"}`},
		{"bad delay", `{"owner_id":"o","platform_name":"X","action":"Delete","delay":"soon"}`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, h, http.MethodPost, "/assets", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", resp.StatusCode, body(t, resp))
			}
		})
	}

	resp := do(t, h, http.MethodGet, "/assets", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 listing without owner, got %d", resp.StatusCode)
	}
}

func TestOwnerLifecycle(t *testing.T) {
	s, clk, cleanup := newTestServer(t)
	defer cleanup()
	h := s.Handler()

	resp := do(t, h, http.MethodPost, "/assets", `{"owner_id":"owner-1","platform_name":"Mail","action":"Archive","delay":"1h"}`)
	var asset models.Asset
	decode(t, resp, &asset)

	resp = do(t, h, http.MethodGet, "/owners/owner-1/status", "")
	var status OwnerStatus
	decode(t, resp, &status)
	if status.Liveness != models.LivenessUnknown || status.Switch != models.SwitchIdle {
		t.Errorf("Expected unknown/idle before any check-in, got %s/%s", status.Liveness, status.Switch)
	}
	if status.GraceWindow != testGrace.String() {
		t.Errorf("Expected grace window %s, got %s", testGrace, status.GraceWindow)
	}

	resp = do(t, h, http.MethodPost, "/owners/owner-1/checkin", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var obs scheduler.Observation
	decode(t, resp, &obs)
	if obs.Liveness != models.LivenessAlive {
		t.Errorf("Expected alive after check-in, got %s", obs.Liveness)
	}

	clk.Advance(testGrace + time.Second)

	resp = do(t, h, http.MethodGet, "/owners/owner-1/status", "")
	decode(t, resp, &status)
	if status.Switch != models.SwitchArmed || status.Episode != 1 {
		t.Fatalf("Expected armed episode 1, got %s episode %d", status.Switch, status.Episode)
	}
	if status.Releases[models.ReleaseArmed] != 1 {
		t.Errorf("Expected 1 armed release, got %v", status.Releases)
	}

	resp = do(t, h, http.MethodPut, "/assets/"+asset.ID, `{"platform_name":"Mail","action":"Delete"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 editing a locked asset, got %d", resp.StatusCode)
	}
	resp = do(t, h, http.MethodDelete, "/assets/"+asset.ID, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 deleting a locked asset, got %d", resp.StatusCode)
	}

	resp = do(t, h, http.MethodGet, "/owners/owner-1/releases", "")
	var entries []models.ReleaseEntry
	decode(t, resp, &entries)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 release entry, got %d", len(entries))
	}
	want := clk.Now().Add(time.Hour)
	if !entries[0].ReleaseTime.Equal(want) {
		t.Errorf("Expected release time %v, got %v", want, entries[0].ReleaseTime)
	}

	resp = do(t, h, http.MethodPost, "/owners/owner-1/checkin", "")
	decode(t, resp, &obs)
	if obs.Cancelled != 1 {
		t.Errorf("Expected check-in to cancel 1 entry, got %d", obs.Cancelled)
	}

	resp = do(t, h, http.MethodPut, "/assets/"+asset.ID, `{"platform_name":"Mail","action":"Delete"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected asset to be editable after disarm, got %d", resp.StatusCode)
	}

	resp = do(t, h, http.MethodGet, "/owners/owner-1/releases?episode=1", "")
	decode(t, resp, &entries)
	if len(entries) != 1 || entries[0].Status != models.ReleaseCancelled {
		t.Errorf("Expected the episode 1 entry to be cancelled, got %+v", entries)
	}

	resp = do(t, h, http.MethodGet, "/owners/owner-1/releases?episode=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a bad episode, got %d", resp.StatusCode)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("Expected request id to be echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a request id to be generated")
	}
}

func TestMetricsAndStats(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()
	s.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# metrics\n")
	}))
	h := s.Handler()

	resp := do(t, h, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body(t, resp), "# metrics") {
		t.Errorf("Expected metrics handler to be mounted, got %d", resp.StatusCode)
	}

	resp = do(t, h, http.MethodGet, "/stats", "")
	var stats StatsResponse
	decode(t, resp, &stats)
	if stats.Scheduler == nil {
		t.Error("Expected scheduler stats")
	}
	if stats.Pipeline != nil {
		t.Error("Expected no pipeline stats when no pipeline is attached")
	}
}

func newTestServer(t *testing.T) (*Server, *clock.FakeClock, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	pdr := audit.NewPDRWriter(st)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sched, err := scheduler.New(st, pdr, clk, &scheduler.Config{GraceWindow: testGrace, Interval: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	service := NewService(st, pdr, sched)
	server := NewServer(service, st, "127.0.0.1:0")
	server.SetWorkers(sched, nil)

	cleanup := func() {
		st.Close()
	}

	return server, clk, cleanup
}

func do(t *testing.T, h http.Handler, method, path, payload string) *http.Response {
	t.Helper()
	var r io.Reader
	if payload != "" {
		r = strings.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(b)
}
