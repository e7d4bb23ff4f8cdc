// Package tools defines the tool interface and the registry the agent loop
// calls through. Every tool returns a plain string result; failures are
// reported in that string rather than as errors crossing Invoke.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// Tool is the interface all kazi tools implement.
type Tool interface {
	// Name returns the tool's unique identifier as the model sees it.
	Name() string

	// Description returns the description sent to the model.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks params against the schema before Execute runs.
	Validate(params map[string]any) error

	// Execute runs the tool. Domain failures belong in Result.Output;
	// a returned error means the tool itself could not run.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Fail builds an unsuccessful result carrying msg.
func Fail(format string, args ...any) *Result {
	return &Result{Output: fmt.Sprintf(format, args...)}
}

// OK builds a successful result.
func OK(output string) *Result {
	return &Result{Output: output, Success: true}
}

// MaxOutputBytes is the default cap for tool output.
const MaxOutputBytes = 1 << 20

// ErrUnknownTool is returned by Lookup for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

type contextKey int

const (
	sandboxKey contextKey = iota
	sessionIDKey
)

// WithSandbox returns a context carrying the sandbox every tool call of a
// session operates on.
func WithSandbox(ctx context.Context, sbx *sandbox.Context) context.Context {
	return context.WithValue(ctx, sandboxKey, sbx)
}

// SandboxFrom returns the sandbox bound to ctx, or nil.
func SandboxFrom(ctx context.Context) *sandbox.Context {
	sbx, _ := ctx.Value(sandboxKey).(*sandbox.Context)
	return sbx
}

// NoSandbox is the result of a sandbox tool called without a bound sandbox.
func NoSandbox() *Result {
	return Fail("No sandbox is bound to this call.")
}

// WithSessionID returns a context carrying the session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFrom extracts the session ID from context, or "" if not set.
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if
// cut. The cut never splits a UTF-8 sequence.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:runeBoundary(s, maxBytes)]
	}
	return s[:runeBoundary(s, maxBytes-len(suffix))] + suffix
}

// runeBoundary backs n off to the start of the rune containing s[n].
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// Registry holds available tools keyed by name.
// Safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Without returns a new registry holding every tool except the named ones.
func (r *Registry) Without(names ...string) *Registry {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := NewRegistry()
	for _, t := range r.All() {
		if !skip[t.Name()] {
			out.Register(t)
		}
	}
	return out
}

// Invoke validates params and runs the named tool. It never returns an
// error: unknown tools, invalid arguments and execution failures all come
// back as unsuccessful results whose Output describes the problem.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) *Result {
	t, err := r.Lookup(name)
	if err != nil {
		return Fail("Unknown tool: %s", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return Fail("Invalid arguments for %s: %v", name, err)
	}
	res, err := t.Execute(ctx, params)
	if err != nil {
		return Fail("Tool %s failed: %v", name, err)
	}
	if res == nil {
		return Fail("Tool %s returned no result", name)
	}
	return res
}

// Definitions converts all registered tools into LLM tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	all := r.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
