package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func getwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	return wd
}

func TestInitializeThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sandbox")

	c, err := Initialize(context.Background(), path, false, WithBootstrap())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !filepath.IsAbs(c.Root()) {
		t.Errorf("Root() = %q, want absolute path", c.Root())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Root() != c.Root() {
		t.Errorf("Load root = %q, want %q", loaded.Root(), c.Root())
	}
}

func TestInitializeExistingWithoutForce(t *testing.T) {
	path := t.TempDir()
	marker := filepath.Join(path, "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Initialize(context.Background(), path, false, WithBootstrap())
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Initialize error = %v, want ErrAlreadyExists", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing content was touched: %v", err)
	}
}

func TestInitializeForceReplacesContents(t *testing.T) {
	requireShell(t)
	path := t.TempDir()
	if err := os.MkdirAll(filepath.Join(path, "old", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "old.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Initialize(context.Background(), path, true,
		WithBootstrap("/bin/sh", "-c", "touch .bootstrapped"))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	entries, err := os.ReadDir(c.Root())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 1 || names[0] != ".bootstrapped" {
		t.Errorf("root entries = %v, want [.bootstrapped]", names)
	}
}

func TestInitializeBootstrapFailure(t *testing.T) {
	requireShell(t)
	before := getwd(t)
	path := filepath.Join(t.TempDir(), "sb")

	c, err := Initialize(context.Background(), path, false,
		WithBootstrap("/bin/sh", "-c", "echo boom >&2; exit 3"))
	if c != nil {
		t.Error("Initialize returned a context on bootstrap failure")
	}
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Fatalf("error = %v, want ErrBootstrapFailed", err)
	}
	var be *BootstrapError
	if !errors.As(err, &be) {
		t.Fatalf("error %T is not *BootstrapError", err)
	}
	if be.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", be.ExitCode)
	}
	if !strings.Contains(be.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain %q", be.Stderr, "boom")
	}
	if after := getwd(t); after != before {
		t.Errorf("working directory drifted: %q -> %q", before, after)
	}
}

func TestInitializeBootstrapFailureRemovesRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb")
	_, err := Initialize(context.Background(), path, false,
		WithBootstrap("/bin/sh", "-c", "exit 3"))
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Fatalf("error = %v, want ErrBootstrapFailed", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after failed bootstrap: err = %v, want ErrNotFound", err)
	}

	// The path is free again, so a retry without force succeeds.
	if _, err := Initialize(context.Background(), path, false, WithBootstrap()); err != nil {
		t.Errorf("Initialize retry: %v", err)
	}
}

func TestInitializeBootstrapMissingBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb")
	_, err := Initialize(context.Background(), path, false,
		WithBootstrap("kazi-definitely-not-a-binary"))
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Fatalf("error = %v, want ErrBootstrapFailed", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
}

func TestLoadRegularFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(file)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
}

func TestDoRestoresWorkingDirectory(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	before := getwd(t)

	var inside string
	errBody := errors.New("body failed")
	err = c.Do(func() error {
		inside = getwd(t)
		return errBody
	})
	if !errors.Is(err, errBody) {
		t.Errorf("Do error = %v, want %v", err, errBody)
	}
	if inside != c.Root() {
		t.Errorf("working directory inside Do = %q, want %q", inside, c.Root())
	}
	if after := getwd(t); after != before {
		t.Errorf("working directory after error = %q, want %q", after, before)
	}

	func() {
		defer func() { _ = recover() }()
		_ = c.Do(func() error { panic("tool exploded") })
	}()
	if after := getwd(t); after != before {
		t.Errorf("working directory after panic = %q, want %q", after, before)
	}
}

func TestExitWithoutEnterPanics(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Exit without Enter did not panic")
		}
	}()
	c.Exit()
}

func TestConcurrentScopes(t *testing.T) {
	a, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	before := getwd(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var mismatches []string
	for i := 0; i < 20; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(func() error {
				wd, err := os.Getwd()
				if err != nil || wd != c.Root() {
					mu.Lock()
					mismatches = append(mismatches, wd)
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if len(mismatches) > 0 {
		t.Errorf("observed foreign working directories: %v", mismatches)
	}
	if after := getwd(t); after != before {
		t.Errorf("working directory drifted: %q -> %q", before, after)
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(c.Root(), "escape")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"a/b.txt", filepath.Join(c.Root(), "a", "b.txt")},
		{"../../etc/passwd", filepath.Join(c.Root(), "etc", "passwd")},
		{"/etc/passwd", filepath.Join(c.Root(), "etc", "passwd")},
		{".", c.Root()},
		{"escape/x", filepath.Join(c.Root(), outside, "x")},
	}
	for _, tc := range tests {
		got, err := c.Resolve(tc.in)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRun(t *testing.T) {
	requireShell(t)
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := c.Run(ctx, Command{Script: "pwd; echo oops >&2; exit 4"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", out.ExitCode)
	}
	if strings.TrimSpace(out.Stdout) != c.Root() {
		t.Errorf("Stdout = %q, want %q", out.Stdout, c.Root())
	}
	if strings.TrimSpace(out.Stderr) != "oops" {
		t.Errorf("Stderr = %q, want %q", out.Stderr, "oops")
	}

	t.Setenv("KAZI_TEST_INHERITED", "yes")
	t.Setenv("VIRTUAL_ENV", "/somewhere/else")
	out, err = c.Run(ctx, Command{
		Script: `echo "$KAZI_TEST_INHERITED $VIRTUAL_ENV"`,
		Env:    map[string]string{"VIRTUAL_ENV": c.VenvPath()},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "yes " + c.VenvPath(); strings.TrimSpace(out.Stdout) != want {
		t.Errorf("Stdout = %q, want %q", out.Stdout, want)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = c.Run(context.Background(), Command{
		Script:  "echo started; sleep 10",
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Run error = %v, want ErrCommandTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %s after timeout", elapsed)
	}
	var te *TimeoutError
	if errors.As(err, &te) && !strings.Contains(te.Output.Stdout, "started") {
		t.Errorf("partial stdout = %q, want it to contain %q", te.Output.Stdout, "started")
	}
}

func TestRunEmptyCommand(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), Command{}); err == nil {
		t.Error("Run with empty command succeeded")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write = (%d, %v), want (3, nil)", n, err)
	}
	n, err = lw.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	n, err = lw.Write([]byte("ijk"))
	if err != nil || n != 3 {
		t.Fatalf("Write = (%d, %v), want (3, nil)", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want %q", buf.String(), "abcde")
	}
}

func TestParseCommand(t *testing.T) {
	argv, err := ParseCommand(`uv init --name "my project"`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"uv", "init", "--name", "my project"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Errorf("ParseCommand = %q, want %q", argv, want)
	}

	if _, err := ParseCommand(`uv "unterminated`); err == nil {
		t.Error("ParseCommand accepted an unterminated quote")
	}
}
