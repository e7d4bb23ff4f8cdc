package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/tools"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	ctx, span := startSpan(ctx, p.tracer, "llm.send_message",
		attribute.String("llm.provider", provider),
		attribute.String("llm.tool_choice", string(req.ToolChoice)),
		attribute.Int("llm.messages", len(req.Messages)),
	)
	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()
	endSpan(span, err)

	status := "success"
	if err != nil {
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if err != nil {
		p.anomaly.RecordError("llm_request")
	} else {
		p.anomaly.RecordSuccess("llm_request")
	}

	return resp, err
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool so every execution is counted, timed
// and traced. Validation stays with the inner tool.
type InstrumentedTool struct {
	inner   tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedTool wraps a tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedTool {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedTool{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

// InstrumentTools wraps every tool. It returns ts unchanged when obs has
// nothing to record.
func InstrumentTools(obs *Observability, ts []tools.Tool) []tools.Tool {
	if obs.MetricsOrNil() == nil && obs.TracerOrNil() == nil && obs.AnomalyOrNil() == nil {
		return ts
	}
	out := make([]tools.Tool, len(ts))
	for i, t := range ts {
		out[i] = NewInstrumentedTool(t, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	return out
}

func (t *InstrumentedTool) Name() string                         { return t.inner.Name() }
func (t *InstrumentedTool) Description() string                  { return t.inner.Description() }
func (t *InstrumentedTool) InputSchema() map[string]any          { return t.inner.InputSchema() }
func (t *InstrumentedTool) Validate(params map[string]any) error { return t.inner.Validate(params) }

// Unwrap returns the wrapped tool.
func (t *InstrumentedTool) Unwrap() tools.Tool { return t.inner }

func (t *InstrumentedTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name := t.inner.Name()

	ctx, span := startSpan(ctx, t.tracer, "tool.execute",
		attribute.String("tool.name", name),
		attribute.String("session_id", tools.SessionIDFrom(ctx)),
	)
	start := time.Now()
	res, err := t.inner.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case res != nil && !res.Success:
		status = "failure"
		if span != nil {
			span.SetAttributes(attribute.Bool("tool.success", false))
		}
	}
	endSpan(span, err)

	if t.metrics != nil {
		t.metrics.ToolCallsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)
	}

	if status == "success" {
		t.anomaly.RecordSuccess(name)
	} else {
		t.anomaly.RecordError(name)
	}

	return res, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider = (*InstrumentedProvider)(nil)
	_ tools.Tool   = (*InstrumentedTool)(nil)
)
