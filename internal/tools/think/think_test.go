package think

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/kazi/internal/tools"
)

func TestThinkEchoes(t *testing.T) {
	reg := tools.NewRegistry(NewTool(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res := reg.Invoke(context.Background(), Name, map[string]any{"thought": "check the tests first"})
	if !res.Success || res.Output != "check the tests first" {
		t.Errorf("result = %+v", res)
	}

	res = reg.Invoke(context.Background(), Name, map[string]any{})
	if res.Success {
		t.Error("missing thought accepted")
	}
}
