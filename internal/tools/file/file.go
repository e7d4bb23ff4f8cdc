// Package file implements the sandbox file tools: read_file, write_file and
// list_dir.
//
// Every path is resolved inside the sandbox root before any I/O occurs, so
// ".." sequences, absolute paths and symlinks cannot reach the host. Missing
// files and similar conditions are reported as result text, never as errors.
package file

import (
	"context"
	"log/slog"

	"github.com/jkaninda/kazi/internal/tools"
)

// Config configures the file tools.
type Config struct {
	MaxFileSizeBytes int64 // Largest file read_file will load. 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20

func maxSize(cfg Config) int64 {
	if cfg.MaxFileSizeBytes > 0 {
		return cfg.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// Tools returns all three file tools sharing cfg.
func Tools(cfg Config, logger *slog.Logger) []tools.Tool {
	return []tools.Tool{
		NewReadTool(cfg, logger),
		NewWriteTool(logger),
		NewListTool(logger),
	}
}

// scoped resolves path inside the call's sandbox and runs fn on the
// absolute result with the working directory scoped into the root.
func scoped(ctx context.Context, path string, fn func(abs string) *tools.Result) *tools.Result {
	sbx := tools.SandboxFrom(ctx)
	if sbx == nil {
		return tools.NoSandbox()
	}
	var res *tools.Result
	err := sbx.Do(func() error {
		abs, err := sbx.Resolve(path)
		if err != nil {
			return err
		}
		res = fn(abs)
		return nil
	})
	if err != nil {
		return tools.Fail("Could not access %s: %v", path, err)
	}
	return res
}
