package human

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAskUser(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("  use Python 3.12 \nsecond\n"), &out)
	reg := tools.NewRegistry(NewTool(console, discardLogger()))

	res := reg.Invoke(context.Background(), Name, map[string]any{"question": "Which version"})
	if !res.Success {
		t.Fatalf("ask_user failed: %q", res.Output)
	}
	if res.Output != "  use Python 3.12 " {
		t.Errorf("answer = %q, want the raw line", res.Output)
	}
	if out.String() != "Which version:\n" {
		t.Errorf("prompt = %q, want %q", out.String(), "Which version:\n")
	}

	res = reg.Invoke(context.Background(), Name, map[string]any{"question": "Next"})
	if res.Output != "second" {
		t.Errorf("second answer = %q, want %q", res.Output, "second")
	}

	res = reg.Invoke(context.Background(), Name, map[string]any{"question": "Again"})
	if res.Success || res.Output != "No answer received: input closed." {
		t.Errorf("closed input result = (%q, %v)", res.Output, res.Success)
	}
}

type abortingReader struct{}

func (abortingReader) ReadLine(string) (string, error) { return "", ErrAborted }

func TestAskUserAborted(t *testing.T) {
	tool := NewTool(abortingReader{}, discardLogger())
	res, err := tool.Execute(context.Background(), map[string]any{"question": "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "The user declined to answer." {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestConsoleReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"no trailing newline", "a\nlast", []string{"a", "last"}},
		{"empty line", "\nx\n", []string{"", "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConsole(strings.NewReader(tc.input), io.Discard)
			for i, want := range tc.want {
				got, err := c.ReadLine("> ")
				if err != nil {
					t.Fatalf("line %d: %v", i, err)
				}
				if got != want {
					t.Errorf("line %d = %q, want %q", i, got, want)
				}
			}
			if _, err := c.ReadLine("> "); !errors.Is(err, io.EOF) {
				t.Errorf("after input: err = %v, want io.EOF", err)
			}
		})
	}
}
