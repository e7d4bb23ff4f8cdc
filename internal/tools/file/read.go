package file

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/kazi/internal/tools"
)

// ReadName is the read tool's name.
const ReadName = "read_file"

// ReadArgs are the read tool's arguments.
type ReadArgs struct {
	FilePath  string `json:"file_path" jsonschema_description:"Path of the file, relative to the sandbox root."`
	StartLine int    `json:"start_line" jsonschema_description:"First line to return, 0-based."`
	EndLine   int    `json:"end_line" jsonschema_description:"Line after the last one to return. Values past the end of the file are clamped."`
}

var readSchema = tools.MustSchema[ReadArgs](ReadName)

// Result messages. The model reacts to these, so they stay stable.
const (
	msgStartOutOfRange = "Start line must be greater than or equal to 0 and less than the number of lines in the file."
)

// ReadTool returns a line range of a file.
type ReadTool struct {
	cfg    Config
	logger *slog.Logger
}

// NewReadTool creates the read tool.
func NewReadTool(cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{cfg: cfg, logger: logger}
}

func (t *ReadTool) Name() string { return ReadName }
func (t *ReadTool) Description() string {
	return "Read lines [start_line, end_line) of a file in the sandbox. Lines are 0-based. " +
		"Prefer reading at most 500 lines at a time."
}
func (t *ReadTool) InputSchema() map[string]any { return readSchema.Map() }

func (t *ReadTool) Validate(params map[string]any) error { return readSchema.Validate(params) }

// Execute reads the requested range. An out-of-range start is reported as
// text; an end past the last line is clamped.
func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := readSchema.Decode(params)
	if err != nil {
		return nil, err
	}

	return scoped(ctx, args.FilePath, func(abs string) *tools.Result {
		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return tools.Fail("File %s does not exist.", args.FilePath)
		case err != nil:
			return tools.Fail("Failed to read file %s: %v", args.FilePath, err)
		case info.IsDir():
			return tools.Fail("Path %s is a directory.", args.FilePath)
		case info.Size() > maxSize(t.cfg):
			return tools.Fail("File %s is too large to read (%d bytes, limit %d).",
				args.FilePath, info.Size(), maxSize(t.cfg))
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			return tools.Fail("Failed to read file %s: %v", args.FilePath, err)
		}

		text, ok := lineRange(splitLines(string(data)), args.StartLine, args.EndLine)
		if !ok {
			return tools.Fail(msgStartOutOfRange)
		}

		t.logger.DebugContext(ctx, "file read",
			slog.String("path", args.FilePath),
			slog.Int("start", args.StartLine),
			slog.Int("end", args.EndLine),
		)
		return &tools.Result{
			Output:   tools.TruncateOutput(text, tools.MaxOutputBytes),
			Success:  true,
			Metadata: map[string]any{"path": args.FilePath},
		}
	}), nil
}

// splitLines splits on \n, \r\n and \r only; form feeds, vertical tabs
// and Unicode line separators stay inside a line. A terminator at the very
// end does not produce an empty final line.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// lineRange joins lines[start:end]. It reports false when start is outside
// [0, len(lines)); end is clamped to len(lines) and an end at or before
// start yields the empty string.
func lineRange(lines []string, start, end int) (string, bool) {
	if start < 0 || start >= len(lines) {
		return "", false
	}
	if end > len(lines) {
		end = len(lines)
	}
	if end <= start {
		return "", true
	}
	return strings.Join(lines[start:end], "\n"), true
}
