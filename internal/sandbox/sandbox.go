// Package sandbox owns the directory tree an agent is confined to: creating
// and loading sandbox roots, scoping the process working directory into a
// root for the duration of one operation, and running commands inside it.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/kballard/go-shellquote"
)

// DefaultBootstrap prepares a Python project with its own environment.
var DefaultBootstrap = []string{"uv", "init", "--no-workspace"}

// VenvDir is the virtual-environment directory inside every root.
const VenvDir = ".venv"

// cwdMu serializes Enter/Exit pairs across all contexts. The working
// directory belongs to the process, not to a context.
var cwdMu sync.Mutex

// Context is one sandbox session bound to an existing root directory.
type Context struct {
	root      string
	logger    *slog.Logger
	maxOutput int

	// saved is only meaningful while entered is true.
	saved   string
	entered atomic.Bool
}

type options struct {
	logger    *slog.Logger
	bootstrap []string
	maxOutput int
}

// Option configures Initialize and Load.
type Option func(*options)

// WithLogger sets the logger used by the context.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBootstrap replaces DefaultBootstrap. An empty argv skips bootstrapping.
func WithBootstrap(argv ...string) Option {
	return func(o *options) { o.bootstrap = argv }
}

// WithMaxOutputBytes caps captured stdout and stderr per command.
func WithMaxOutputBytes(n int) Option {
	return func(o *options) { o.maxOutput = n }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		bootstrap: DefaultBootstrap,
		maxOutput: DefaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxOutput <= 0 {
		o.maxOutput = DefaultMaxOutputBytes
	}
	return o
}

// Initialize creates a fresh sandbox root at path and bootstraps it.
//
// An existing path fails with ErrAlreadyExists unless force is set, in which
// case it is removed first. A failing bootstrap command returns a
// *BootstrapError and no context, and the new root is removed so a later
// Load cannot pick it up.
func Initialize(ctx context.Context, path string, force bool, opts ...Option) (*Context, error) {
	o := buildOptions(opts)

	if _, err := os.Lstat(path); err == nil {
		if !force {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		o.logger.Warn("removing existing sandbox root", slog.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("removing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", path, err)
	}

	root, err := resolveRoot(path)
	if err != nil {
		return nil, err
	}
	c := &Context{root: root, logger: o.logger, maxOutput: o.maxOutput}

	if len(o.bootstrap) > 0 {
		if err := c.bootstrap(ctx, o.bootstrap); err != nil {
			if rmErr := os.RemoveAll(root); rmErr != nil {
				o.logger.Error("removing failed sandbox root",
					slog.String("root", root),
					slog.String("error", rmErr.Error()),
				)
			}
			return nil, err
		}
	}

	o.logger.Info("sandbox initialized",
		slog.String("root", root),
		slog.Bool("force", force),
	)
	return c, nil
}

func (c *Context) bootstrap(ctx context.Context, argv []string) error {
	var out *Output
	err := c.Do(func() error {
		var runErr error
		out, runErr = c.Run(ctx, Command{Argv: argv})
		return runErr
	})
	if err != nil {
		return &BootstrapError{Command: argv, ExitCode: -1, Err: err}
	}
	if out.ExitCode != 0 {
		return &BootstrapError{Command: argv, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return nil
}

// Load binds a context to an existing sandbox root.
func Load(path string, opts ...Option) (*Context, error) {
	o := buildOptions(opts)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, path)
	}

	root, err := resolveRoot(path)
	if err != nil {
		return nil, err
	}
	return &Context{root: root, logger: o.logger, maxOutput: o.maxOutput}, nil
}

func resolveRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return resolved, nil
}

// Root returns the absolute sandbox root.
func (c *Context) Root() string { return c.root }

// VenvPath returns the virtual-environment path inside the root.
func (c *Context) VenvPath() string { return filepath.Join(c.root, VenvDir) }

// Resolve maps a caller-supplied path to an absolute path inside the root.
// Absolute paths and ".." components are scoped to the root and symlinks are
// resolved as if the root were "/".
func (c *Context) Resolve(path string) (string, error) {
	p, err := securejoin.SecureJoin(c.root, path)
	if err != nil {
		return "", fmt.Errorf("resolving %q in sandbox: %w", path, err)
	}
	return p, nil
}

// Enter switches the process working directory to the root. Every successful
// Enter must be paired with exactly one Exit.
func (c *Context) Enter() error {
	cwdMu.Lock()
	wd, err := os.Getwd()
	if err != nil {
		cwdMu.Unlock()
		return fmt.Errorf("recording working directory: %w", err)
	}
	if err := os.Chdir(c.root); err != nil {
		cwdMu.Unlock()
		return fmt.Errorf("entering sandbox root: %w", err)
	}
	c.saved = wd
	c.entered.Store(true)
	return nil
}

// Exit restores the working directory recorded by Enter. Calling Exit
// without a matching Enter panics.
func (c *Context) Exit() {
	if !c.entered.Load() {
		panic("sandbox: Exit called without a matching Enter")
	}
	saved := c.saved
	c.saved = ""
	c.entered.Store(false)
	defer cwdMu.Unlock()

	if err := os.Chdir(saved); err != nil {
		c.logger.Error("failed to restore working directory",
			slog.String("dir", saved),
			slog.String("error", err.Error()),
		)
	}
}

// Do runs fn with the working directory scoped into the root. The previous
// directory is restored on every exit path, panics included.
func (c *Context) Do(fn func() error) error {
	if err := c.Enter(); err != nil {
		return err
	}
	defer c.Exit()
	return fn()
}

// ParseCommand splits a shell-quoted command line into argv.
func ParseCommand(s string) ([]string, error) {
	argv, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", s, err)
	}
	return argv, nil
}
