package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/tools"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("disabled components created: %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("nil Observability returned a component")
	}
}

func TestTracerSetup_NilTracerIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "x")
	defer span.End()
	if span.IsRecording() {
		t.Error("noop span is recording")
	}
}

func TestSampleRate(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -1: 1, 2: 1, 0.25: 0.25} {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%v) = %v, want %v", in, got, want)
		}
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.LLMRequestsTotal.WithLabelValues("test", "success").Inc()
	m.ToolCallsTotal.WithLabelValues("read_file", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	m.RecordRun("main", "completed", 3)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"kazi_llm_requests_total",
		"kazi_tool_calls_total",
		"kazi_agent_runs_total",
		"kazi_agent_run_turns",
		"kazi_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestRecordRun_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordRun("main", "completed", 1)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("journal", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["journal"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("journal check = %+v", got)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate = %v, %d", rate, n)
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("exec_command")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("exec_command")
	}

	rate, n := a.ErrorRate("exec_command")
	if n != 10 {
		t.Errorf("samples = %d, want 10", n)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}
	if _, n := a.ErrorRate("read_file"); n != 0 {
		t.Errorf("unrelated samples = %d, want 0", n)
	}
}

// --- InstrumentedProvider (wrapper) ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{
			Content: "hello",
			Usage:   llm.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" || inner.called != 1 {
		t.Errorf("content = %q, called = %d", resp.Content, inner.called)
	}

	if val := counterValue(t, metrics.Registry, "kazi_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"}); val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "kazi_llm_tokens_used_total", prometheus.Labels{"provider": "test", "direction": "output"}); val != 20 {
		t.Errorf("output tokens = %v, want 20", val)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	p := NewInstrumentedProvider(&mockProvider{name: "test", err: errors.New("api error")}, metrics, nil, anomaly)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}

	if val := counterValue(t, metrics.Registry, "kazi_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"}); val != 1 {
		t.Errorf("error requests_total = %v, want 1", val)
	}
	if rate, _ := anomaly.ErrorRate("llm_request"); rate != 1 {
		t.Errorf("llm error rate = %v, want 1", rate)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}, nil, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("SendMessage = %+v, %v", resp, err)
	}
}

// --- InstrumentedTool (wrapper) ---

type mockTool struct {
	res *tools.Result
	err error
}

func (m *mockTool) Name() string                  { return "probe" }
func (m *mockTool) Description() string           { return "probe" }
func (m *mockTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (m *mockTool) Validate(map[string]any) error { return nil }
func (m *mockTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return m.res, m.err
}

func TestInstrumentedTool_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		tool   *mockTool
		status string
	}{
		{"success", &mockTool{res: tools.OK("fine")}, "success"},
		{"failure", &mockTool{res: tools.Fail("nope")}, "failure"},
		{"error", &mockTool{err: errors.New("boom")}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			wrapped := NewInstrumentedTool(tt.tool, metrics, nil, nil)
			_, _ = wrapped.Execute(context.Background(), nil)
			if val := counterValue(t, metrics.Registry, "kazi_tool_calls_total", prometheus.Labels{"tool": "probe", "status": tt.status}); val != 1 {
				t.Errorf("tool calls{status=%s} = %v, want 1", tt.status, val)
			}
		})
	}
}

func TestInstrumentTools_ThroughRegistry(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	wrapped := InstrumentTools(obs, []tools.Tool{&mockTool{res: tools.OK("fine")}})
	if _, ok := wrapped[0].(*InstrumentedTool); !ok {
		t.Fatalf("tool not wrapped: %T", wrapped[0])
	}

	res := tools.NewRegistry(wrapped...).Invoke(context.Background(), "probe", map[string]any{})
	if !res.Success || res.Output != "fine" {
		t.Errorf("result = %+v", res)
	}
	if val := counterValue(t, obs.Metrics.Registry, "kazi_tool_calls_total", prometheus.Labels{"tool": "probe", "status": "success"}); val != 1 {
		t.Errorf("tool calls = %v, want 1", val)
	}
}

func TestInstrumentTools_DisabledIsIdentity(t *testing.T) {
	in := []tools.Tool{&mockTool{}}
	if out := InstrumentTools(nil, in); out[0] != in[0] {
		t.Error("tools wrapped with observability disabled")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("POST", "/v1/tools/read_file", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "kazi_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/tools/{name}", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/tools":              "/v1/tools",
		"/v1/tools/exec_command": "/v1/tools/{name}",
		"/v1/sessions/abc/calls": "/v1/sessions/{id}/calls",
		"/metrics":               "/metrics",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
