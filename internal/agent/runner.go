package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/tools"
)

// DefaultMaxTurns bounds a run when no limit is configured.
const DefaultMaxTurns = 100

// FinalAnswerTool ends a run whose tool choice is "required": the model
// cannot reply with plain text, so it calls this tool with its answer.
const FinalAnswerTool = "final_answer"

// ErrMaxTurnsExceeded is returned when a run uses up its turn budget.
var ErrMaxTurnsExceeded = errors.New("maximum turns exceeded")

type finalAnswerArgs struct {
	Answer string `json:"answer" jsonschema_description:"The final answer or summary for the user."`
}

var finalAnswerSchema = tools.MustSchema[finalAnswerArgs](FinalAnswerTool)

func finalAnswerDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        FinalAnswerTool,
		Description: "Finish the task. Call this once the work is done, with the answer for the user.",
		InputSchema: finalAnswerSchema.Map(),
	}
}

// RunResult is the outcome of one Run.
type RunResult struct {
	Output    string
	Turns     int
	ToolCalls int
	Usage     llm.Usage
}

// Runner is the turn loop. History is kept across Run calls on the same
// Runner, so a console session can continue the conversation.
type Runner struct {
	name         string
	provider     llm.Provider
	session      *Session
	systemPrompt string
	toolChoice   llm.ToolChoice
	maxTurns     int
	maxTokens    int
	tracer       trace.Tracer
	metrics      *observability.MetricsCollector
	logger       *slog.Logger

	mu      sync.Mutex
	history []llm.Message
}

// NewRunner creates a runner named name over session.
func NewRunner(name string, provider llm.Provider, session *Session, logger *slog.Logger) *Runner {
	return &Runner{
		name:       name,
		provider:   provider,
		session:    session,
		toolChoice: llm.ToolChoiceAuto,
		maxTurns:   DefaultMaxTurns,
		logger:     logger,
	}
}

// WithSystemPrompt sets the instructions sent with every request.
func (r *Runner) WithSystemPrompt(prompt string) *Runner {
	r.systemPrompt = prompt
	return r
}

// WithToolChoice sets the tool-choice policy. "required" also exposes the
// final answer tool.
func (r *Runner) WithToolChoice(tc llm.ToolChoice) *Runner {
	r.toolChoice = tc
	return r
}

// WithMaxTurns sets the turn budget. n <= 0 keeps DefaultMaxTurns.
func (r *Runner) WithMaxTurns(n int) *Runner {
	if n > 0 {
		r.maxTurns = n
	}
	return r
}

// WithMaxTokens caps each model response.
func (r *Runner) WithMaxTokens(n int) *Runner {
	r.maxTokens = n
	return r
}

// WithObservability enables tracing and run metrics.
func (r *Runner) WithObservability(obs *observability.Observability) *Runner {
	if ts := obs.TracerOrNil(); ts != nil {
		r.tracer = ts.Tracer()
	}
	r.metrics = obs.MetricsOrNil()
	return r
}

func (r *Runner) Name() string               { return r.name }
func (r *Runner) Session() *Session          { return r.session }
func (r *Runner) MaxTurns() int              { return r.maxTurns }
func (r *Runner) ToolChoice() llm.ToolChoice { return r.toolChoice }

// History returns a copy of the conversation so far.
func (r *Runner) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.history...)
}

// Reset forgets the conversation.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

func (r *Runner) requiresTool() bool {
	return r.toolChoice == llm.ToolChoiceRequired
}

func (r *Runner) definitions() []llm.ToolDefinition {
	defs := r.session.Registry().Definitions()
	if r.requiresTool() {
		defs = append(defs, finalAnswerDefinition())
	}
	return defs
}

// Run sends input to the model and executes the tool calls it asks for
// until it answers, calls the final answer tool, or the turn budget runs
// out (ErrMaxTurnsExceeded, with the partial result).
func (r *Runner) Run(ctx context.Context, input string) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.run(ctx, input)
	r.metrics.RecordRun(r.name, Outcome(err), result.Turns)
	return result, err
}

// Outcome classifies a Run error for metrics and the journal.
func Outcome(err error) string {
	switch {
	case err == nil:
		return storage.StatusCompleted
	case errors.Is(err, ErrMaxTurnsExceeded):
		return "max_turns"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return storage.StatusFailed
	}
}

func (r *Runner) run(ctx context.Context, input string) (*RunResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "agent.run",
			trace.WithAttributes(
				attribute.String("agent.name", r.name),
				attribute.String("session_id", r.session.ID().String()),
				attribute.String("tool_choice", string(r.toolChoice)),
			))
		defer span.End()
	}

	history := append(r.history, llm.Message{Role: llm.RoleUser, Content: input})
	defer func() { r.history = history }()

	defs := r.definitions()
	result := &RunResult{}

	for turn := 1; turn <= r.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Turns = turn

		resp, err := r.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt: r.systemPrompt,
			Messages:     history,
			MaxTokens:    r.maxTokens,
			Tools:        defs,
			ToolChoice:   r.toolChoice,
		})
		if err != nil {
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, fmt.Errorf("llm request failed: %w", err)
		}
		result.Usage.Add(resp.Usage)

		history = append(history, llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks})

		uses := resp.ToolUseBlocks()
		if len(uses) == 0 {
			result.Output = resp.Content
			return result, nil
		}

		r.logger.InfoContext(ctx, "executing tool calls",
			slog.String("agent", r.name),
			slog.Int("turn", turn),
			slog.Int("tool_calls", len(uses)),
		)

		blocks, answer, done := r.dispatch(ctx, uses)
		result.ToolCalls += len(uses)
		history = append(history, llm.Message{Role: llm.RoleUser, ContentBlocks: blocks})
		if done {
			result.Output = answer
			return result, nil
		}
	}

	r.logger.WarnContext(ctx, "turn budget exhausted",
		slog.String("agent", r.name),
		slog.Int("max_turns", r.maxTurns),
	)
	return result, fmt.Errorf("%w (%d)", ErrMaxTurnsExceeded, r.maxTurns)
}

// dispatch runs each requested tool in order and returns one tool_result
// block per call. done is set when the final answer tool was called.
func (r *Runner) dispatch(ctx context.Context, uses []llm.ContentBlock) (blocks []llm.ContentBlock, answer string, done bool) {
	blocks = make([]llm.ContentBlock, 0, len(uses))
	for _, use := range uses {
		if use.Name == FinalAnswerTool && r.requiresTool() {
			if err := finalAnswerSchema.Validate(use.Input); err != nil {
				blocks = append(blocks, llm.ToolResultBlock(use.ID, fmt.Sprintf("Invalid arguments for %s: %v", FinalAnswerTool, err), true))
				continue
			}
			args, _ := finalAnswerSchema.Decode(use.Input)
			answer, done = args.Answer, true
			blocks = append(blocks, llm.ToolResultBlock(use.ID, "Answer recorded.", false))
			continue
		}

		res := r.session.Invoke(ctx, use.Name, use.Input)
		blocks = append(blocks, llm.ToolResultBlock(use.ID, res.Output, !res.Success))
	}
	return blocks, answer, done
}
