package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/stores"
)

type fakeLoop struct {
	accept   bool
	triggers []engine.Trigger
}

func (f *fakeLoop) Trigger(t engine.Trigger) bool {
	f.triggers = append(f.triggers, t)
	return f.accept
}
func (f *fakeLoop) State() engine.CycleState { return engine.StateIdle }
func (f *fakeLoop) Busy() bool               { return !f.accept }
func (f *fakeLoop) Interval() time.Duration  { return 10 * time.Minute }

func newHistory(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatalf("stores.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2"} {
		err := store.Emit(context.Background(), &engine.CycleReport{
			ID:          id,
			Trigger:     engine.TriggerPeriodic,
			Status:      engine.CycleCompleted,
			StartedAt:   started.Add(time.Duration(i) * time.Minute),
			CompletedAt: started.Add(time.Duration(i)*time.Minute + time.Second),
			Report:      engine.NewDriftReport(nil),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		accept bool
		status int
	}{
		{"accepted", true, http.StatusAccepted},
		{"coalesced", false, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := &fakeLoop{accept: tt.accept}
			s := New(Config{Loop: loop, Logger: zerolog.Nop()})

			rec := do(t, s, http.MethodPost, "/reconcile")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp triggerResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Accepted != tt.accept {
				t.Errorf("Accepted = %v", resp.Accepted)
			}
			if len(loop.triggers) != 1 || loop.triggers[0] != engine.TriggerOnDemand {
				t.Errorf("triggers = %v", loop.triggers)
			}
		})
	}
}

func TestReconcile_GetNotAllowed(t *testing.T) {
	s := New(Config{Loop: &fakeLoop{accept: true}, Logger: zerolog.Nop()})
	if rec := do(t, s, http.MethodGet, "/reconcile"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s := New(Config{Loop: &fakeLoop{accept: true}, Logger: zerolog.Nop()})
	rec := do(t, s, http.MethodGet, "/status")

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != engine.StateIdle || resp.Busy || resp.Interval != "10m0s" {
		t.Errorf("status = %+v", resp)
	}
}

func TestCycles(t *testing.T) {
	s := New(Config{Loop: &fakeLoop{}, History: newHistory(t), Logger: zerolog.Nop()})

	rec := do(t, s, http.MethodGet, "/cycles?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var cycles []stores.CycleRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &cycles); err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 1 || cycles[0].ID != "c2" {
		t.Errorf("cycles = %+v, want newest first", cycles)
	}

	rec = do(t, s, http.MethodGet, "/cycles/c1")
	var report engine.CycleReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || report.ID != "c1" {
		t.Errorf("GET /cycles/c1 = %d %+v", rec.Code, report)
	}

	if rec := do(t, s, http.MethodGet, "/cycles/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing cycle status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/cycles?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("autoinfra_cycles_total 1\n"))
	})
	s := New(Config{
		Loop:        &fakeLoop{},
		History:     newHistory(t),
		Metrics:     metrics,
		MetricsPath: "/prom",
		Logger:      zerolog.Nop(),
	})

	if rec := do(t, s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/prom")
	if rec.Code != http.StatusOK || rec.Body.String() != "autoinfra_cycles_total 1\n" {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("default metrics path should not be routed, got %d", rec.Code)
	}
}

func TestNoHistory(t *testing.T) {
	s := New(Config{Loop: &fakeLoop{}, Logger: zerolog.Nop()})
	if rec := do(t, s, http.MethodGet, "/cycles"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz without store = %d", rec.Code)
	}
}
