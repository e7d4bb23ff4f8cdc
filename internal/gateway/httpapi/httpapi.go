// Package httpapi exposes a session's tools over HTTP.
//
// Security:
//   - Bearer API key authentication on /v1 (constant-time comparison); an
//     empty key list leaves the API open, for loopback use
//   - Per-client token bucket rate limiting on /v1
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string   // e.g., "127.0.0.1:8080"
	EnableDocs     bool     // Serve OpenAPI docs.
	APIKeys        []string // Accepted bearer tokens. Empty = no auth.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.
	RateLimit      ratelimit.Config

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// History is the read side of the journal.
type History interface {
	GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error)
	ListSessions(ctx context.Context, limit int) ([]storage.Session, error)
	ListToolCalls(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.ToolCall, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	session   *agent.Session
	history   History              // nil = history endpoints answer 503.
	newRunner func() *agent.Runner // nil = POST /v1/run disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	okapi     *okapi.Okapi
}

// NewGateway creates an HTTP API gateway over session. Routes are mounted
// immediately so Handler can be used without Start.
func NewGateway(cfg Config, session *agent.Session, history History, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	g := &Gateway{
		config:  cfg,
		session: session,
		history: history,
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	g.routes()
	return g
}

// WithRunner enables POST /v1/run. newRunner is called once per request so
// runs do not share a conversation.
func (g *Gateway) WithRunner(newRunner func() *agent.Runner) *Gateway {
	g.newRunner = newRunner
	return g
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) routes() {
	limit := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Get("/tools", g.handleListTools,
		okapi.DocSummary("List the tools offered by this session"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Post("/tools/{name}", g.handleCallTool,
		okapi.DocSummary("Invoke a tool inside the session's sandbox"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name"),
		okapi.DocRequestBody(ToolCallRequest{}),
		okapi.DocResponse(ToolCallResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/run", g.handleRun,
		okapi.DocSummary("Run the agent on a task until it answers"),
		okapi.DocTags("Agent"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/sessions", g.handleListSessions,
		okapi.DocSummary("List recent sessions, newest first"),
		okapi.DocTags("Journal"),
		okapi.DocResponse([]storage.Session{}),
	)
	v1.Get("/sessions/{id}/calls", g.handleListCalls,
		okapi.DocSummary("List a session's tool calls in order"),
		okapi.DocTags("Journal"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse([]storage.ToolCall{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "kazi", Version: "v1"})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Tool calls and agent runs may take minutes.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	if g.limiter.Enabled() {
		go g.pruneClients(ctx)
	}

	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", len(g.config.APIKeys) > 0),
	)
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// pruneClients drops idle rate-limit buckets until ctx ends.
func (g *Gateway) pruneClients(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.limiter.Prune(10 * time.Minute)
		}
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Tool handlers ---

// ToolInfo describes one tool for GET /v1/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCallRequest is the JSON body for POST /v1/tools/{name}.
type ToolCallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// ToolCallResponse is the JSON response for POST /v1/tools/{name}. Failures
// inside the tool are reported through Output with Success false, not
// through the HTTP status.
type ToolCallResponse struct {
	Tool          string `json:"tool"`
	Output        string `json:"output"`
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleListTools(c *okapi.Context) error {
	all := g.session.Registry().All()
	resp := make([]ToolInfo, len(all))
	for i, t := range all {
		resp[i] = ToolInfo{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
	}
	return c.OK(resp)
}

func (g *Gateway) handleCallTool(c *okapi.Context) error {
	name := c.Param("name")
	if _, err := g.session.Registry().Lookup(name); err != nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "Unknown tool: " + name})
	}

	var req ToolCallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	correlationID := newCorrelationID()
	g.logger.InfoContext(c.Context(), "http tool call",
		slog.String("tool", name),
		slog.String("session_id", g.session.ID().String()),
		slog.String("correlation_id", correlationID),
	)

	start := time.Now()
	res := g.session.Invoke(c.Context(), name, req.Arguments)

	return c.OK(ToolCallResponse{
		Tool:          name,
		Output:        res.Output,
		Success:       res.Success,
		DurationMS:    time.Since(start).Milliseconds(),
		SessionID:     g.session.ID().String(),
		CorrelationID: correlationID,
	})
}

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Input string `json:"input"`
}

// RunResponse is the JSON response for POST /v1/run.
type RunResponse struct {
	Output        string `json:"output"`
	Outcome       string `json:"outcome"`
	Turns         int    `json:"turns"`
	ToolCalls     int    `json:"tool_calls"`
	TokensUsed    int    `json:"tokens_used"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	if g.newRunner == nil {
		return c.AbortServiceUnavailable("no model provider configured")
	}
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Input) == "" {
		return c.AbortBadRequest("input is required")
	}

	correlationID := newCorrelationID()
	g.logger.InfoContext(c.Context(), "http run",
		slog.String("session_id", g.session.ID().String()),
		slog.String("correlation_id", correlationID),
	)

	res, err := g.newRunner().Run(c.Context(), req.Input)
	resp := RunResponse{Outcome: agent.Outcome(err), CorrelationID: correlationID}
	if res != nil {
		resp.Output = res.Output
		resp.Turns = res.Turns
		resp.ToolCalls = res.ToolCalls
		resp.TokensUsed = res.Usage.InputTokens + res.Usage.OutputTokens
	}
	if err != nil {
		g.logger.ErrorContext(c.Context(), "http run failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		resp.Error = err.Error()
	}
	return c.OK(resp)
}

// --- Journal handlers ---

func (g *Gateway) handleListSessions(c *okapi.Context) error {
	if g.history == nil {
		return c.AbortServiceUnavailable("journal not configured")
	}
	sessions, err := g.history.ListSessions(c.Context(), queryLimit(c))
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing sessions", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing sessions failed")
	}
	return c.OK(sessions)
}

func (g *Gateway) handleListCalls(c *okapi.Context) error {
	if g.history == nil {
		return c.AbortServiceUnavailable("journal not configured")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}
	if _, err := g.history.GetSession(c.Context(), id); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
		}
		return c.AbortInternalServerError("loading session failed")
	}
	calls, err := g.history.ListToolCalls(c.Context(), id, queryLimit(c))
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing tool calls", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing tool calls failed")
	}
	return c.OK(calls)
}

// queryLimit reads ?limit=; zero lets the store apply its default.
func queryLimit(c *okapi.Context) int {
	n, err := strconv.Atoi(c.Request().URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate checks the bearer token against the configured API keys and
// applies the rate limit to the caller: the matched key, or the remote host
// when auth is off.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client := remoteHost(c.Request().RemoteAddr)
		if len(g.config.APIKeys) > 0 {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := []byte(strings.TrimPrefix(authHeader, "Bearer "))

			matched := -1
			for i, key := range g.config.APIKeys {
				if subtle.ConstantTimeCompare(apiKey, []byte(key)) == 1 {
					matched = i
				}
			}
			if matched < 0 {
				return c.AbortUnauthorized("invalid API key")
			}
			client = "key-" + strconv.Itoa(matched)
		}

		if wait, err := g.limiter.Allow(client); err != nil {
			g.logger.WarnContext(c.Context(), "rate limited",
				slog.String("client", client),
				slog.Duration("retry_after", wait),
			)
			return c.AbortTooManyRequests(fmt.Sprintf("rate limit exceeded, retry in %s", wait.Round(time.Second)))
		}
		return next(c)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
