// Package agent drives a model through the tool registry. A Session binds
// one sandbox, one registry and an optional journal; a Runner is the turn
// loop that talks to the model and dispatches tool calls through a Session.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/tools"
)

// Journal records sessions and their tool calls. storage.Store satisfies it.
type Journal interface {
	CreateSession(ctx context.Context, s *storage.Session) error
	FinishSession(ctx context.Context, id uuid.UUID, status string, turns int) error
	RecordToolCall(ctx context.Context, c *storage.ToolCall) error
}

// Session is the adapter state shared by every tool call of one run: the
// same sandbox context is handed to each invocation.
type Session struct {
	id       uuid.UUID
	sandbox  *sandbox.Context
	registry *tools.Registry
	journal  Journal
	logger   *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithJournal records the session and every tool call in j.
func WithJournal(j Journal) SessionOption {
	return func(s *Session) { s.journal = j }
}

// WithID fixes the session ID instead of generating one.
func WithID(id uuid.UUID) SessionOption {
	return func(s *Session) { s.id = id }
}

// NewSession creates a session over sbx and registry.
func NewSession(sbx *sandbox.Context, registry *tools.Registry, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		id:       uuid.New(),
		sandbox:  sbx,
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() uuid.UUID             { return s.id }
func (s *Session) Sandbox() *sandbox.Context { return s.sandbox }
func (s *Session) Registry() *tools.Registry { return s.registry }

// Start journals the session. Journal failures are logged, not returned:
// the harness works without its journal.
func (s *Session) Start(ctx context.Context, source, model string) {
	if s.journal == nil {
		return
	}
	err := s.journal.CreateSession(ctx, &storage.Session{
		ID:          s.id,
		SandboxRoot: s.sandbox.Root(),
		Source:      source,
		Model:       model,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to journal session", slog.String("session_id", s.id.String()), slog.String("error", err.Error()))
	}
}

// Finish records the final status and turn count.
func (s *Session) Finish(ctx context.Context, status string, turns int) {
	if s.journal == nil {
		return
	}
	if err := s.journal.FinishSession(ctx, s.id, status, turns); err != nil {
		s.logger.ErrorContext(ctx, "failed to finish session", slog.String("session_id", s.id.String()), slog.String("error", err.Error()))
	}
}

// Invoke runs the named tool against the session's sandbox. Like
// Registry.Invoke it never fails: every problem is in the result's Output.
func (s *Session) Invoke(ctx context.Context, name string, params map[string]any) *tools.Result {
	ctx = tools.WithSandbox(ctx, s.sandbox)
	ctx = tools.WithSessionID(ctx, s.id.String())

	start := time.Now()
	res := s.registry.Invoke(ctx, name, params)
	elapsed := time.Since(start)

	s.logger.DebugContext(ctx, "tool call finished",
		slog.String("session_id", s.id.String()),
		slog.String("tool", name),
		slog.Bool("success", res.Success),
		slog.Duration("duration", elapsed),
	)
	s.record(ctx, name, params, res, elapsed)
	return res
}

func (s *Session) record(ctx context.Context, name string, params map[string]any, res *tools.Result, elapsed time.Duration) {
	if s.journal == nil {
		return
	}
	args, err := json.Marshal(params)
	if err != nil {
		args = []byte("{}")
	}
	err = s.journal.RecordToolCall(context.WithoutCancel(ctx), &storage.ToolCall{
		SessionID:  s.id,
		Tool:       name,
		Arguments:  args,
		Output:     res.Output,
		Success:    res.Success,
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to journal tool call", slog.String("tool", name), slog.String("error", err.Error()))
	}
}
