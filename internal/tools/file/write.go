package file

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jkaninda/kazi/internal/tools"
)

// WriteName is the write tool's name.
const WriteName = "write_file"

// WriteArgs are the write tool's arguments.
type WriteArgs struct {
	FilePath string `json:"file_path" jsonschema:"minLength=1" jsonschema_description:"Path of the file, relative to the sandbox root. Parent directories are created."`
	Content  string `json:"content" jsonschema_description:"Full new content of the file."`
}

var writeSchema = tools.MustSchema[WriteArgs](WriteName)

// WriteTool replaces a file's content.
type WriteTool struct {
	logger *slog.Logger
}

// NewWriteTool creates the write tool.
func NewWriteTool(logger *slog.Logger) *WriteTool {
	return &WriteTool{logger: logger}
}

func (t *WriteTool) Name() string { return WriteName }
func (t *WriteTool) Description() string {
	return "Write content to a file in the sandbox, replacing any existing content."
}
func (t *WriteTool) InputSchema() map[string]any { return writeSchema.Map() }

func (t *WriteTool) Validate(params map[string]any) error { return writeSchema.Validate(params) }

// Execute creates missing parent directories and overwrites the file.
func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := writeSchema.Decode(params)
	if err != nil {
		return nil, err
	}

	return scoped(ctx, args.FilePath, func(abs string) *tools.Result {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return tools.Fail("Failed to write file %s: %v", args.FilePath, err)
		}
		if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
			return tools.Fail("Failed to write file %s: %v", args.FilePath, err)
		}

		t.logger.InfoContext(ctx, "file written",
			slog.String("path", args.FilePath),
			slog.Int("bytes", len(args.Content)),
		)
		return &tools.Result{
			Output:   "File " + args.FilePath + " written successfully.",
			Success:  true,
			Metadata: map[string]any{"path": args.FilePath, "bytes": len(args.Content)},
		}
	}), nil
}
