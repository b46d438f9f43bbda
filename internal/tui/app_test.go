package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/deadhand/internal/models"
)

func newFakeAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	checkins := new(atomic.Int32)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /owners/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OwnerStatus{
			OwnerID:     r.PathValue("id"),
			Liveness:    models.LivenessAlive,
			LastCheckin: &last,
			Switch:      models.SwitchIdle,
			GraceWindow: "1h0m0s",
		})
	})
	mux.HandleFunc("POST /owners/{id}/checkin", func(w http.ResponseWriter, r *http.Request) {
		checkins.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{"owner_id": r.PathValue("id"), "cancelled": 2})
	})
	mux.HandleFunc("GET /owners/{id}/releases", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.ReleaseEntry{{ID: "e1", AssetID: "asset-1", Status: models.ReleaseArmed}})
	})
	mux.HandleFunc("GET /assets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Asset{
			{ID: "asset-1", OwnerID: r.URL.Query().Get("owner"), PlatformName: "Mail", Action: models.ActionArchive, Delay: time.Hour},
		})
	})
	mux.HandleFunc("GET /assets/{id}/log", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "asset-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"asset not found","code":"404"}`))
			return
		}
		json.NewEncoder(w).Encode([]models.ExecutionRecord{{ID: "x1", AssetID: "asset-1", Outcome: models.OutcomeRetryable}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, checkins
}

func TestRefreshLoadsSnapshot(t *testing.T) {
	srv, _ := newFakeAPI(t)
	app := New(srv.URL, "owner-1", time.Second)

	msg := app.refresh()()
	snap, ok := msg.(snapshotMsg)
	if !ok {
		t.Fatalf("expected snapshotMsg, got %T", msg)
	}
	if !snap.online || snap.err != nil {
		t.Fatalf("expected online snapshot, got %+v", snap)
	}

	app.Update(snap)
	if app.status == nil || app.status.OwnerID != "owner-1" {
		t.Fatalf("status not applied: %+v", app.status)
	}
	if len(app.releases) != 1 || len(app.assets) != 1 {
		t.Errorf("expected 1 release and 1 asset, got %d and %d", len(app.releases), len(app.assets))
	}

	view := app.View()
	if !strings.Contains(view, "ALIVE") {
		t.Error("expected liveness in view")
	}
	if !strings.Contains(view, "ARMED") {
		t.Error("expected release status in view")
	}
}

func TestRefreshReportsDaemonOffline(t *testing.T) {
	srv, _ := newFakeAPI(t)
	srv.Close()

	app := New(srv.URL, "owner-1", time.Second)
	app.Update(app.refresh()())
	if app.daemonOnline {
		t.Error("expected daemon to be reported offline")
	}
	if !strings.HasPrefix(app.message, "Error") {
		t.Errorf("expected error message, got %q", app.message)
	}
}

func TestCheckInCommand(t *testing.T) {
	srv, checkins := newFakeAPI(t)
	app := New(srv.URL, "owner-1", time.Second)

	msg := app.executeCommand("/checkin")()
	res, ok := msg.(commandResultMsg)
	if !ok {
		t.Fatalf("expected commandResultMsg, got %T", msg)
	}
	if n := checkins.Load(); n != 1 {
		t.Errorf("expected 1 check-in, got %d", n)
	}
	if !strings.Contains(res.message, "2 release(s) cancelled") {
		t.Errorf("unexpected message: %q", res.message)
	}
}

func TestOwnerCommandSwitchesOwner(t *testing.T) {
	srv, _ := newFakeAPI(t)
	app := New(srv.URL, "owner-1", time.Second)

	msg := app.executeCommand("owner owner-2")()
	app.Update(msg)
	if app.owner != "owner-2" {
		t.Errorf("expected owner-2, got %s", app.owner)
	}

	res := app.executeCommand("owner")()
	if !strings.HasPrefix(res.(commandResultMsg).message, "Usage") {
		t.Errorf("expected usage message, got %+v", res)
	}
}

func TestLogCommand(t *testing.T) {
	srv, _ := newFakeAPI(t)
	app := New(srv.URL, "owner-1", time.Second)

	app.Update(app.executeCommand("/log @asset-1")())
	if app.mode != modeLog || len(app.log) != 1 {
		t.Fatalf("expected log mode with 1 record, got %s/%d", app.mode, len(app.log))
	}

	app.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if app.mode != modeAssets {
		t.Errorf("expected esc to return to assets, got %s", app.mode)
	}

	app.Update(app.executeCommand("/log missing")())
	if !strings.Contains(app.message, "asset not found") {
		t.Errorf("expected API error to be surfaced, got %q", app.message)
	}
}

func TestTabCyclesModes(t *testing.T) {
	app := New("http://127.0.0.1:0", "owner-1", time.Second)
	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	if app.mode != modeAssets {
		t.Errorf("expected assets mode, got %s", app.mode)
	}
	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	if app.mode != modeReleases {
		t.Errorf("expected releases mode, got %s", app.mode)
	}
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()
	s.Update("/che")
	if !s.IsVisible() {
		t.Fatal("expected suggestions to be visible")
	}
	if got := s.Selected(); got == nil || got.Text != "checkin" {
		t.Errorf("expected checkin suggestion, got %+v", got)
	}

	s.Update("@")
	s.SetAssets([]models.Asset{{ID: "asset-1", PlatformName: "Mail", Action: models.ActionDelete}})
	if got := s.Selected(); got == nil || got.Text != "asset-1" {
		t.Errorf("expected asset suggestion, got %+v", got)
	}

	s.Update("/log @ass")
	s.SetAssets([]models.Asset{{ID: "asset-1"}, {ID: "other"}})
	if got := s.Selected(); got == nil || got.Text != "asset-1" {
		t.Errorf("expected asset reference inside a command, got %+v", got)
	}

	s.Update("plain text")
	if s.IsVisible() {
		t.Error("expected suggestions to hide for plain input")
	}
}

func TestDeadline(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &OwnerStatus{LastCheckin: &last, GraceWindow: "30m0s"}
	d, ok := s.Deadline()
	if !ok || !d.Equal(last.Add(30*time.Minute)) {
		t.Errorf("unexpected deadline %v %v", d, ok)
	}

	if _, ok := (&OwnerStatus{GraceWindow: "30m0s"}).Deadline(); ok {
		t.Error("expected no deadline without a check-in")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "now"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m30s"},
		{3*time.Hour + 5*time.Minute, "3h5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
