// Package cli implements the interactive console gateway: a REPL that feeds
// each line to the main agent's Runner and prints its answer.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/tools/human"
)

const prompt = "kazi> "

// Gateway is the interactive command-line interface.
type Gateway struct {
	runner *agent.Runner
	reader human.LineReader
	out    io.Writer
	logger *slog.Logger

	done     chan struct{} // closed by Stop
	stopOnce sync.Once

	mu     sync.Mutex
	turns  int
	failed bool
}

// NewGateway creates a console gateway. reader must be the same LineReader
// the ask_user tool uses, so both share one view of stdin.
func NewGateway(runner *agent.Runner, reader human.LineReader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		runner: runner,
		reader: reader,
		out:    out,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called, input
// ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	sbx := g.runner.Session().Sandbox()
	fmt.Fprintf(g.out, "kazi: sandbox %s\n", sbx.Root())
	fmt.Fprintln(g.out, `Type a task ("/tools" lists tools, "/reset" clears the conversation, "exit" quits).`)
	fmt.Fprintln(g.out)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		line, err := g.reader.ReadLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, human.ErrAborted) {
				fmt.Fprintln(g.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case "/reset":
			g.runner.Reset()
			fmt.Fprintln(g.out, "Conversation cleared.")
			continue
		case "/tools":
			for _, name := range g.runner.Session().Registry().Names() {
				fmt.Fprintf(g.out, "  %s\n", name)
			}
			continue
		}

		g.handle(ctx, line)
	}
}

func (g *Gateway) handle(ctx context.Context, line string) {
	g.logger.DebugContext(ctx, "cli request",
		slog.String("session_id", g.runner.Session().ID().String()),
		slog.Int("chars", len(line)),
	)

	res, err := g.runner.Run(ctx, line)

	g.mu.Lock()
	if res != nil {
		g.turns += res.Turns
	}
	if err != nil && !errors.Is(err, agent.ErrMaxTurnsExceeded) {
		g.failed = true
	}
	g.mu.Unlock()

	switch {
	case errors.Is(err, agent.ErrMaxTurnsExceeded):
		fmt.Fprintf(g.out, "\nStopped: %v\n", err)
		if res != nil && res.Output != "" {
			fmt.Fprintln(g.out, res.Output)
		}
	case err != nil:
		g.logger.ErrorContext(ctx, "agent run failed",
			slog.String("session_id", g.runner.Session().ID().String()),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(g.out, "\nError: %v\n", err)
	default:
		fmt.Fprintf(g.out, "\n%s\n", res.Output)
	}
	fmt.Fprintln(g.out)
}

// Stop signals the REPL to shut down after the current prompt.
func (g *Gateway) Stop(_ context.Context) error {
	g.stopOnce.Do(func() { close(g.done) })
	return nil
}

// Turns returns the number of model turns used so far.
func (g *Gateway) Turns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turns
}

// Failed reports whether any run ended with an error other than the turn
// budget.
func (g *Gateway) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}
