package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

type stubResource struct {
	name   string
	parent string
}

func (r *stubResource) Name() string { return r.name }
func (r *stubResource) Type() string { return "file" }
func (r *stubResource) Evaluate(context.Context) error { return nil }
func (r *stubResource) InSync() bool { return true }
func (r *stubResource) Sync(context.Context) (engine.EventSet, error) { return engine.NewEventSet(), nil }
func (r *stubResource) Parent() string { return r.parent }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Tracing.Exporter = "otlp" }, wantErr: true},
		{name: "otlp", mutate: func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "localhost:4317" }},
		{name: "unknown exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without path", mutate: func(c *Config) { c.Metrics.Addr = ":9090"; c.Metrics.Path = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", JSON: true})
	logger = ComponentLogger(logger, "catalog")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not one JSON line: %v (%s)", err, out)
	}
	if entry["component"] != "catalog" || entry["message"] != "shown" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", JSON: true})

	ctx := WithContext(context.Background(), ResourceLogger(logger, &stubResource{name: "/etc/motd"}))
	l := FromContext(ctx)
	l.Info().Msg("from context")

	if !strings.Contains(buf.String(), `"resource":"/etc/motd"`) {
		t.Errorf("context logger lost its fields: %s", buf.String())
	}

	// nothing stored yields a disabled logger rather than a panic
	l = FromContext(context.Background())
	l.Info().Msg("dropped")
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "converge"})

	m.ObserveSync("file", "/etc/motd",
		engine.NewEventSet(engine.EventCreated, engine.EventModeChanged), 10*time.Millisecond, nil)
	m.ObserveSync("file", "/etc/app.conf",
		engine.NewEventSet(engine.EventContentModified), 5*time.Millisecond,
		engine.NewApplyError("chmod failed", errors.New("denied")))
	m.ObserveTransaction("main", 2, engine.NewEventSet(engine.EventCreated), errors.New("one failed"))

	if got := testutil.ToFloat64(m.events.WithLabelValues("created")); got != 1 {
		t.Errorf("created events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.syncs.WithLabelValues("file", "succeeded")); got != 1 {
		t.Errorf("succeeded syncs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.syncs.WithLabelValues("file", "failed")); got != 1 {
		t.Errorf("failed syncs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.driftDetections.WithLabelValues("file")); got != 1 {
		t.Errorf("drift detections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("apply")); got != 1 {
		t.Errorf("apply errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("main", "failed")); got != 1 {
		t.Errorf("failed transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastTransaction.WithLabelValues("main")); got != 2 {
		t.Errorf("last transaction members = %v, want 2", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "converge"})
	m.ObserveSync("file", "/tmp/x", engine.NewEventSet(engine.EventCreated), time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`converge_events_total{kind="created"} 1`,
		`converge_resource_syncs_total{status="succeeded",type="file"} 1`,
		"converge_sync_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_ServeWithoutAddr(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	if err := m.Serve(context.Background(), zerolog.Nop()); err != nil {
		t.Errorf("Serve() without address error = %v", err)
	}
}

func TestJournal(t *testing.T) {
	j := NewJournal()

	var all, children []Event
	j.Subscribe(func(e Event) { all = append(all, e) }, nil)
	j.Subscribe(func(e Event) { children = append(children, e) }, FilterByResource("/srv/www"))

	var buf bytes.Buffer
	j.Subscribe(JSONLines(&buf, func(err error) { t.Errorf("write failed: %v", err) }),
		FilterByKind(engine.EventCreated))

	sub := j.Subscriber("main")
	sub(context.Background(), &stubResource{name: "/srv/www/index.html", parent: "/srv/www"},
		engine.NewEventSet(engine.EventModeChanged, engine.EventCreated))
	sub(context.Background(), &stubResource{name: "/etc/motd"}, engine.NewEventSet())
	sub(context.Background(), &stubResource{name: "/etc/hosts"}, engine.NewEventSet(engine.EventOwnerChanged))

	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Kind != engine.EventCreated || all[1].Kind != engine.EventModeChanged {
		t.Errorf("events not in lexical order: %v, %v", all[0].Kind, all[1].Kind)
	}
	for _, e := range all {
		if e.ID == "" || e.Timestamp.IsZero() || e.Group != "main" {
			t.Errorf("event not filled in: %+v", e)
		}
	}
	if len(children) != 2 {
		t.Errorf("resource filter passed %d events, want 2", len(children))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d JSON lines, want 1: %q", len(lines), buf.String())
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Resource != "/srv/www/index.html" || decoded.Parent != "/srv/www" {
		t.Errorf("decoded event = %+v", decoded)
	}
}

func TestTracer_None(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracingConfig{Exporter: "none"}, "converge", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartRunSpan(context.Background(), "apply", []string{"site.cue"})
	if TraceID(ctx) == "" {
		t.Error("run span has no trace id")
	}
	tracer.Subscriber()(ctx, &stubResource{name: "/etc/motd"}, engine.NewEventSet(engine.EventCreated))
	RecordError(span, errors.New("boom"))
	span.End()

	if _, err := NewTracer(context.Background(), TracingConfig{Exporter: "zipkin"}, "converge", "test"); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}
