package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// DefaultMaxOutputBytes caps stdout and stderr so chatty commands cannot
// exhaust memory.
const DefaultMaxOutputBytes = 1 << 20

// waitDelay bounds how long Run waits for pipes held open by stray
// descendants after the process group was killed.
const waitDelay = 2 * time.Second

// Command is one process to run inside the root. Exactly one of Script or
// Argv is set: Script runs through "sh -c", Argv is executed directly.
type Command struct {
	Script string
	Argv   []string

	// Env is merged over the inherited process environment.
	Env map[string]string

	// Timeout bounds wall-clock time. Zero means no limit.
	Timeout time.Duration
}

// Output is the outcome of a command that ran to completion. A non-zero
// exit code is a result, not an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Run executes cmd with the root as its working directory.
//
// The child runs in its own process group, and the whole group is killed
// when ctx is cancelled or the timeout expires. A timeout yields a
// *TimeoutError carrying the partial output.
func (c *Context) Run(ctx context.Context, cmd Command) (*Output, error) {
	argv := cmd.Argv
	if cmd.Script != "" {
		argv = []string{"/bin/sh", "-c", cmd.Script}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, argv[0], argv[1:]...)
	proc.Dir = c.root
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		if proc.Process == nil {
			return nil
		}
		// Negative PID targets the process group.
		return syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
	}
	proc.WaitDelay = waitDelay
	proc.Env = mergeEnv(os.Environ(), cmd.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	proc.Stdout = &limitedWriter{w: &stdoutBuf, remaining: c.maxOutput}
	proc.Stderr = &limitedWriter{w: &stderrBuf, remaining: c.maxOutput}

	c.logger.Debug("sandbox executing",
		slog.String("command", shellquote.Join(argv...)),
		slog.String("dir", proc.Dir),
		slog.Duration("timeout", cmd.Timeout),
	)

	start := time.Now()
	runErr := proc.Run()
	out := &Output{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if cmd.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("sandbox command timed out",
				slog.Duration("timeout", cmd.Timeout),
				slog.Duration("duration", out.Duration),
			)
			out.ExitCode = -1
			return nil, &TimeoutError{After: cmd.Timeout, Output: out}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("starting %s: %w", argv[0], runErr)
		}
		out.ExitCode = exitErr.ExitCode()
	}

	c.logger.Debug("sandbox command completed",
		slog.Int("exit_code", out.ExitCode),
		slog.Duration("duration", out.Duration),
		slog.Int("stdout_bytes", len(out.Stdout)),
		slog.Int("stderr_bytes", len(out.Stderr)),
	)
	return out, nil
}

// mergeEnv overlays extra on base. Overridden keys are dropped from base so
// the child sees exactly one value.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter discards everything past its byte budget. It always reports
// the full write so the copying goroutine keeps draining the pipe.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
