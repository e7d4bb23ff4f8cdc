package main

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/tools/file"
	"github.com/jkaninda/kazi/internal/tools/human"
	"github.com/jkaninda/kazi/internal/tools/shell"
	"github.com/jkaninda/kazi/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseToolArgs(t *testing.T) {
	got, err := parseToolArgs(`{"file_path":"a.txt","start_line":3}`, []string{
		"start_line=0",
		"end_line=10",
		"content=hello world",
		"flag=true",
		"empty=",
	})
	if err != nil {
		t.Fatalf("parseToolArgs: %v", err)
	}
	want := map[string]any{
		"file_path":  "a.txt",
		"start_line": float64(0),
		"end_line":   float64(10),
		"content":    "hello world",
		"flag":       true,
		"empty":      "",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %#v, want %#v", k, got[k], v)
		}
	}

	for _, bad := range []string{"noequals", "=value"} {
		if _, err := parseToolArgs("", []string{bad}); err == nil {
			t.Errorf("parseToolArgs(%q) accepted", bad)
		}
	}
	if _, err := parseToolArgs("[1]", nil); err == nil {
		t.Error("non-object --json accepted")
	}
}

func TestResolveSandboxPath(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	explicit := filepath.Join(t.TempDir(), "sbx")

	tests := []struct {
		name  string
		cfg   string
		flags sandboxFlags
		want  string
	}{
		{"default", "", sandboxFlags{}, ws.SandboxPath(workspace.DefaultSandboxName)},
		{"config path", explicit, sandboxFlags{}, explicit},
		{"name flag beats config", explicit, sandboxFlags{name: "demo"}, ws.SandboxPath("demo")},
		{"path flag beats name", "", sandboxFlags{path: explicit, name: "demo"}, explicit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Sandbox.Path = tt.cfg
			got, err := resolveSandboxPath(cfg, ws, tt.flags)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("resolveSandboxPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSandboxOptionsRejectsBadBootstrap(t *testing.T) {
	cfg := config.Default()
	bad := `uv init "unterminated`
	cfg.Sandbox.Bootstrap = &bad
	if _, err := sandboxOptions(cfg, discardLogger()); err == nil {
		t.Error("unterminated quote accepted")
	}
}

func TestNewLLMProvider(t *testing.T) {
	cfg := config.Default()
	if _, err := newLLMProvider(cfg, "", discardLogger()); !errors.Is(err, errNoProvider) {
		t.Errorf("no keys: err = %v, want errNoProvider", err)
	}

	cfg.Providers.Default = "anthropic"
	if _, err := newLLMProvider(cfg, "", discardLogger()); !errors.Is(err, errNoProvider) {
		t.Errorf("default without key: err = %v, want errNoProvider", err)
	}

	cfg.Providers.Anthropic.APIKey = "sk-a"
	p, err := newLLMProvider(cfg, "", discardLogger())
	if err != nil {
		t.Fatalf("newLLMProvider: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}

	// A fallback without a key is skipped, leaving the primary alone.
	cfg.Providers.Fallback = []string{"openai"}
	p, err = newLLMProvider(cfg, "", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*llm.FallbackProvider); ok {
		t.Error("fallback chain built from a provider without a key")
	}

	cfg.Providers.OpenAI.APIKey = "sk-o"
	p, err = newLLMProvider(cfg, "", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*llm.FallbackProvider); !ok {
		t.Errorf("provider = %T, want *llm.FallbackProvider", p)
	}
}

func TestSubRegistry(t *testing.T) {
	cfg := config.Default()
	base := baseTools(cfg, human.NewConsole(strings.NewReader(""), io.Discard), discardLogger())

	all, err := subRegistry(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := all.Lookup(human.Name); err == nil {
		t.Error("default sub-agent registry includes ask_user")
	}
	if _, err := all.Lookup(shell.Name); err != nil {
		t.Errorf("default sub-agent registry lacks %s: %v", shell.Name, err)
	}

	some, err := subRegistry(base, []string{file.ReadName, file.ListName})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(some.Names(), ","); got != "list_dir,read_file" {
		t.Errorf("Names() = %q", got)
	}

	if _, err := subRegistry(base, []string{"nope"}); err == nil {
		t.Error("unknown tool name accepted")
	}
}

func TestBaseToolsOptionalTools(t *testing.T) {
	cfg := config.Default()
	names := func(reader human.LineReader) string {
		var out []string
		for _, tl := range baseTools(cfg, reader, discardLogger()) {
			out = append(out, tl.Name())
		}
		return strings.Join(out, ",")
	}

	if got := names(nil); strings.Contains(got, human.Name) || strings.Contains(got, "think") {
		t.Errorf("tools = %s, want no ask_user or think", got)
	}
	cfg.Agent.Think = true
	got := names(human.NewConsole(strings.NewReader(""), io.Discard))
	if !strings.Contains(got, human.Name) || !strings.Contains(got, "think") {
		t.Errorf("tools = %s, want ask_user and think", got)
	}
}
