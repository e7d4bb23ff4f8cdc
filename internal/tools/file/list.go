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

// ListName is the list tool's name.
const ListName = "list_dir"

// ListArgs are the list tool's arguments.
type ListArgs struct {
	DirectoryPath string `json:"directory_path" jsonschema_description:"Directory to list, relative to the sandbox root. Use \".\" for the root."`
}

var listSchema = tools.MustSchema[ListArgs](ListName)

// ListTool lists a directory's entries.
type ListTool struct {
	logger *slog.Logger
}

// NewListTool creates the list tool.
func NewListTool(logger *slog.Logger) *ListTool {
	return &ListTool{logger: logger}
}

func (t *ListTool) Name() string        { return ListName }
func (t *ListTool) Description() string { return "List the entries of a directory in the sandbox (non-recursive)." }
func (t *ListTool) InputSchema() map[string]any {
	return listSchema.Map()
}

func (t *ListTool) Validate(params map[string]any) error { return listSchema.Validate(params) }

// Execute returns entry names one per line, in directory order.
func (t *ListTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := listSchema.Decode(params)
	if err != nil {
		return nil, err
	}

	return scoped(ctx, args.DirectoryPath, func(abs string) *tools.Result {
		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return tools.Fail("Path %s does not exist.", args.DirectoryPath)
		case err != nil:
			return tools.Fail("Failed to list %s: %v", args.DirectoryPath, err)
		case !info.IsDir():
			return tools.Fail("Path %s is not a directory.", args.DirectoryPath)
		}

		// os.ReadDir sorts; reading through the handle keeps the
		// filesystem's own order.
		dir, err := os.Open(abs)
		if err != nil {
			return tools.Fail("Failed to list %s: %v", args.DirectoryPath, err)
		}
		defer dir.Close()
		entries, err := dir.ReadDir(-1)
		if err != nil {
			return tools.Fail("Failed to list %s: %v", args.DirectoryPath, err)
		}

		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		return &tools.Result{
			Output:   tools.TruncateOutput(strings.Join(names, "\n"), tools.MaxOutputBytes),
			Success:  true,
			Metadata: map[string]any{"entries": len(names)},
		}
	}), nil
}
