package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMetricsRecordCycle(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordCycleStarted("periodic")
	m.RecordCycleStarted("periodic")
	m.RecordCycleCompleted("completed", 2*time.Second)
	m.RecordCoalescedTrigger()

	if got := testutil.ToFloat64(m.cyclesStarted.WithLabelValues("periodic")); got != 2 {
		t.Errorf("cycles_started_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cyclesCompleted.WithLabelValues("completed")); got != 1 {
		t.Errorf("cycles_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.coalesced); got != 1 {
		t.Errorf("coalesced_triggers_total = %v, want 1", got)
	}
}

func TestMetricsCycleState(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	states := []string{"idle", "collecting", "detecting"}
	m.SetCycleState("collecting", states)

	if got := testutil.ToFloat64(m.cycleState.WithLabelValues("collecting")); got != 1 {
		t.Errorf("cycle_state{collecting} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cycleState.WithLabelValues("idle")); got != 0 {
		t.Errorf("cycle_state{idle} = %v, want 0", got)
	}
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordDriftIssue("kubernetes", "warning", "apply")

	expected := `
# HELP autoinfra_drift_issues_detected_total Total number of drift issues detected
# TYPE autoinfra_drift_issues_detected_total counter
autoinfra_drift_issues_detected_total{resource_type="kubernetes",severity="warning",strategy="apply"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "autoinfra_drift_issues_detected_total"); err != nil {
		t.Errorf("unexpected exposition: %v", err)
	}
}

func TestNilAndDisabledAreNoOps(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordCycleStarted("periodic")
	nilMetrics.RecordFixFailed("timeout", "terraform", time.Second)

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	disabled.RecordDriftIssue("plan", "info", "update_plan")
	if disabled.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}

	var nilTracer *Tracer
	_, span := nilTracer.StartCycleSpan(context.Background(), "c1", "periodic")
	span.End()

	var nilEvents *EventPublisher
	if err := nilEvents.PublishCycleStarted("c1", "periodic"); err != nil {
		t.Errorf("nil publisher returned %v", err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var got []Event
	wg.Add(1)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	}, FilterByType(EventTypeFixFailed))

	_ = ep.PublishCycleStarted("c1", "on_demand")
	_ = ep.PublishFixFailed("c1", "abc", "deployment/api", "agent_failed")
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].IssueID != "abc" || got[0].ID == "" {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestEventPublisherAsyncFlushesOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   10,
		MaxBatchSize: 100,
		EnableAsync:  true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 3; i++ {
		if err := ep.PublishTriggerCoalesced("periodic"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("delivered %d events, want 3", count)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFileOutputAndOperationFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoinfra.log")
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if got := logger.Zerolog().GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", got)
	}

	op := StartOperation(logger.WithContext(context.Background()), "collector.files")
	l := op.Logger.Zerolog()
	l.Info().Msg("dropped below level")
	l.Warn().Str("collector", "files").Msg("snapshot stale")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "dropped below level") {
		t.Errorf("info line should be filtered at warn level:\n%s", out)
	}
	for _, want := range []string{`"operation":"collector.files"`, `"collector":"files"`, `"message":"snapshot stale"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}
