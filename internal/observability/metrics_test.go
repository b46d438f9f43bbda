package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

func TestInitMetrics(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if handler == nil {
		t.Fatal("expected handler to be non-nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestInstrumentsAppearInOutput(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	inst, err := NewInstruments(nil)
	if err != nil {
		t.Fatalf("NewInstruments failed: %v", err)
	}
	inst.ReleasesArmed(ctx, 3)
	inst.ReleasesCancelled(ctx, 1)
	inst.Execution(ctx, models.ActionTransfer, models.OutcomeSucceeded)
	inst.PollDuration(ctx, 20*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, name := range []string{
		"deadhand_releases_armed",
		"deadhand_releases_cancelled",
		"deadhand_executions",
		"deadhand_poll_duration",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
	if !strings.Contains(body, `action="Transfer"`) {
		t.Error("expected action attribute in metrics output")
	}
}

func TestNilInstrumentsAreNoop(t *testing.T) {
	var inst *Instruments
	ctx := context.Background()
	inst.ReleasesArmed(ctx, 1)
	inst.ReleasesCancelled(ctx, 1)
	inst.Execution(ctx, models.ActionDelete, models.OutcomeTerminal)
	inst.PollDuration(ctx, time.Second)
}
