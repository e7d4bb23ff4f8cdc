package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/tools/file"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays replies in order, then answers "done".
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []*llm.Response
	requests []*llm.Request
	err      error
	loop     *llm.Response // when set, returned forever
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	if p.err != nil {
		return nil, p.err
	}
	if p.loop != nil {
		return p.loop, nil
	}
	if len(p.replies) == 0 {
		return &llm.Response{Content: "done", ContentBlocks: []llm.ContentBlock{llm.TextBlock("done")}}, nil
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r, nil
}

func toolReply(id, name string, input map[string]any) *llm.Response {
	return &llm.Response{
		ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock(id, name, input)},
		StopReason:    llm.StopToolUse,
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 2},
	}
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*storage.Session
	calls    []storage.ToolCall
}

func newMemJournal() *memJournal {
	return &memJournal{sessions: make(map[uuid.UUID]*storage.Session)}
}

func (j *memJournal) CreateSession(_ context.Context, s *storage.Session) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *s
	j.sessions[s.ID] = &cp
	return nil
}

func (j *memJournal) FinishSession(_ context.Context, id uuid.UUID, status string, turns int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.sessions[id]
	if !ok {
		return storage.ErrSessionNotFound
	}
	s.Status, s.Turns = status, turns
	return nil
}

func (j *memJournal) RecordToolCall(_ context.Context, c *storage.ToolCall) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, *c)
	return nil
}

func newTestSession(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	sbx, err := sandbox.Initialize(context.Background(), filepath.Join(t.TempDir(), "sbx"), false, sandbox.WithBootstrap())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	reg := tools.NewRegistry(file.Tools(file.Config{}, discardLogger())...)
	return NewSession(sbx, reg, discardLogger(), opts...)
}

func TestRunPlainAnswer(t *testing.T) {
	p := &scriptedProvider{}
	r := NewRunner("main", p, newTestSession(t), discardLogger())

	res, err := r.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "done" || res.Turns != 1 || res.ToolCalls != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := p.requests[0].ToolChoice; got != llm.ToolChoiceAuto {
		t.Errorf("tool choice = %q, want auto", got)
	}
	for _, d := range p.requests[0].Tools {
		if d.Name == FinalAnswerTool {
			t.Error("final answer tool offered with tool choice auto")
		}
	}
}

func TestRunExecutesToolsInSandbox(t *testing.T) {
	p := &scriptedProvider{replies: []*llm.Response{
		toolReply("t1", file.WriteName, map[string]any{"file_path": "src/main.py", "content": "print('hi')\n"}),
		toolReply("t2", file.ReadName, map[string]any{"file_path": "src/main.py", "start_line": 0, "end_line": 10}),
	}}
	sess := newTestSession(t)
	r := NewRunner("main", p, sess, discardLogger())

	res, err := r.Run(context.Background(), "write a script")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 3 || res.ToolCalls != 2 {
		t.Errorf("result = %+v, want 3 turns and 2 tool calls", res)
	}
	if res.Usage.InputTokens != 20 {
		t.Errorf("usage = %+v", res.Usage)
	}

	data, err := os.ReadFile(filepath.Join(sess.Sandbox().Root(), "src", "main.py"))
	if err != nil || string(data) != "print('hi')\n" {
		t.Fatalf("sandbox file = %q (%v)", data, err)
	}

	// The third request carries the read_file result.
	msgs := p.requests[2].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || len(last.ContentBlocks) != 1 {
		t.Fatalf("last message = %+v", last)
	}
	block := last.ContentBlocks[0]
	if block.ToolUseID != "t2" || block.Text != "print('hi')" || block.IsError {
		t.Errorf("tool result = %+v", block)
	}
}

func TestRunRequiredToolChoiceFinalAnswer(t *testing.T) {
	p := &scriptedProvider{replies: []*llm.Response{
		toolReply("t1", file.ListName, map[string]any{"directory_path": "."}),
		toolReply("t2", FinalAnswerTool, map[string]any{}),
		toolReply("t3", FinalAnswerTool, map[string]any{"answer": "All done."}),
	}}
	r := NewRunner("main", p, newTestSession(t), discardLogger()).WithToolChoice(llm.ToolChoiceRequired)

	res, err := r.Run(context.Background(), "finish")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "All done." || res.Turns != 3 {
		t.Errorf("result = %+v", res)
	}

	req := p.requests[0]
	if req.ToolChoice != llm.ToolChoiceRequired {
		t.Errorf("tool choice = %q, want required", req.ToolChoice)
	}
	var offered bool
	for _, d := range req.Tools {
		offered = offered || d.Name == FinalAnswerTool
	}
	if !offered {
		t.Error("final answer tool not offered with tool choice required")
	}

	// The answer-less call was rejected, not accepted.
	msgs := p.requests[2].Messages
	rejected := msgs[len(msgs)-1].ContentBlocks[0]
	if !rejected.IsError || !strings.HasPrefix(rejected.Text, "Invalid arguments for final_answer") {
		t.Errorf("answer-less final_answer result = %+v", rejected)
	}
}

func TestRunMaxTurns(t *testing.T) {
	p := &scriptedProvider{loop: toolReply("t", file.ListName, map[string]any{"directory_path": "."})}
	r := NewRunner("main", p, newTestSession(t), discardLogger()).WithMaxTurns(3)

	res, err := r.Run(context.Background(), "loop forever")
	if !errors.Is(err, ErrMaxTurnsExceeded) {
		t.Fatalf("error = %v, want ErrMaxTurnsExceeded", err)
	}
	if res == nil || res.Turns != 3 || len(p.requests) != 3 {
		t.Errorf("result = %+v, requests = %d", res, len(p.requests))
	}
}

func TestRunDefaultMaxTurns(t *testing.T) {
	r := NewRunner("main", &scriptedProvider{}, newTestSession(t), discardLogger()).WithMaxTurns(0)
	if r.MaxTurns() != DefaultMaxTurns {
		t.Errorf("MaxTurns() = %d, want %d", r.MaxTurns(), DefaultMaxTurns)
	}
}

func TestRunUnknownToolIsReported(t *testing.T) {
	p := &scriptedProvider{replies: []*llm.Response{toolReply("t1", "rm_rf", nil)}}
	r := NewRunner("main", p, newTestSession(t), discardLogger())

	if _, err := r.Run(context.Background(), "x"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := p.requests[1].Messages
	block := msgs[len(msgs)-1].ContentBlocks[0]
	if block.Text != "Unknown tool: rm_rf" || !block.IsError {
		t.Errorf("tool result = %+v", block)
	}
}

func TestRunKeepsHistory(t *testing.T) {
	p := &scriptedProvider{}
	r := NewRunner("main", p, newTestSession(t), discardLogger())

	if _, err := r.Run(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}
	msgs := p.requests[1].Messages
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "second" {
		t.Errorf("second request messages = %+v", msgs)
	}

	r.Reset()
	if len(r.History()) != 0 {
		t.Error("Reset kept history")
	}
}

func TestRunProviderError(t *testing.T) {
	p := &scriptedProvider{err: &llm.APIError{Provider: "x", StatusCode: 401}}
	r := NewRunner("main", p, newTestSession(t), discardLogger())

	_, err := r.Run(context.Background(), "hi")
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("error = %v, want wrapped *llm.APIError", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner("main", &scriptedProvider{}, newTestSession(t), discardLogger())
	if _, err := r.Run(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSessionJournal(t *testing.T) {
	j := newMemJournal()
	sess := newTestSession(t, WithJournal(j))
	ctx := context.Background()

	sess.Start(ctx, storage.SourceCLI, "gpt-4o")
	sess.Invoke(ctx, file.WriteName, map[string]any{"file_path": "a.txt", "content": "x"})
	sess.Invoke(ctx, file.ListName, map[string]any{"directory_path": "missing"})
	sess.Finish(ctx, storage.StatusCompleted, 2)

	s := j.sessions[sess.ID()]
	if s == nil || s.SandboxRoot != sess.Sandbox().Root() || s.Status != storage.StatusCompleted {
		t.Fatalf("journaled session = %+v", s)
	}
	if len(j.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(j.calls))
	}
	if !j.calls[0].Success || j.calls[1].Success {
		t.Errorf("success flags = %v, %v", j.calls[0].Success, j.calls[1].Success)
	}
	if j.calls[1].Output != "Path missing does not exist." {
		t.Errorf("output = %q", j.calls[1].Output)
	}
	if !strings.Contains(string(j.calls[0].Arguments), `"file_path":"a.txt"`) {
		t.Errorf("arguments = %s", j.calls[0].Arguments)
	}
}

func TestSessionConcurrentInvoke(t *testing.T) {
	sess := newTestSession(t)
	cwd, _ := os.Getwd()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := filepath.Join("d", string(rune('a'+i))+".txt")
			res := sess.Invoke(context.Background(), file.WriteName, map[string]any{"file_path": name, "content": "x"})
			if !res.Success {
				t.Errorf("write %s: %s", name, res.Output)
			}
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(sess.Sandbox().Root(), "d"))
	if err != nil || len(entries) != 8 {
		t.Errorf("entries = %d (%v), want 8", len(entries), err)
	}
	if now, _ := os.Getwd(); now != cwd {
		t.Errorf("working directory drifted: %q -> %q", cwd, now)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, storage.StatusCompleted},
		{fmt.Errorf("%w (3)", ErrMaxTurnsExceeded), "max_turns"},
		{context.Canceled, "cancelled"},
		{errors.New("llm request failed"), storage.StatusFailed},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	obs := &observability.Observability{Metrics: observability.NewMetricsCollector()}
	p := &scriptedProvider{}
	r := NewRunner("main", p, newTestSession(t), discardLogger()).WithObservability(obs)
	if _, err := r.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	families, err := obs.Metrics.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var runs float64
	for _, f := range families {
		if f.GetName() != "kazi_agent_runs_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			runs += m.GetCounter().GetValue()
		}
	}
	if runs != 1 {
		t.Errorf("kazi_agent_runs_total = %v, want 1", runs)
	}
}
