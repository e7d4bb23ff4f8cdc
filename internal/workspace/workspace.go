// Package workspace manages the kazi home directory. Named sandbox roots,
// the journal database and logs live under one root so an installation is
// easy to find and remove.
//
// Default workspace: ~/.kazi (configurable via config or KAZI_WORKSPACE).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".kazi"

// DefaultSandboxName is used when no sandbox name or path is given.
const DefaultSandboxName = "default"

// Workspace manages the kazi runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // directories already ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.kazi.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// Open returns New(root), or Default() when root is empty.
func Open(root string) (*Workspace, error) {
	if root == "" {
		return Default()
	}
	return New(root)
}

// SandboxesDir returns <root>/sandboxes/, the parent of named sandbox roots.
func (w *Workspace) SandboxesDir() string { return w.dir("sandboxes") }

// DataDir returns <root>/data/.
func (w *Workspace) DataDir() string { return w.dir("data") }

// LogsDir returns <root>/logs/.
func (w *Workspace) LogsDir() string { return w.dir("logs") }

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// DatabasePath returns the default SQLite journal path.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "kazi.db")
}

// SandboxPath returns <root>/sandboxes/<name>. The directory itself is not
// created: sandbox.Initialize owns that.
func (w *Workspace) SandboxPath(name string) string {
	if name == "" {
		name = DefaultSandboxName
	}
	return filepath.Join(w.SandboxesDir(), sanitizeName(name))
}

// Sandboxes lists named sandbox roots, sorted by name.
func (w *Workspace) Sandboxes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.Root, "sandboxes"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sandboxes dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RemoveSandbox deletes a named sandbox root. Removing a missing sandbox is
// not an error.
func (w *Workspace) RemoveSandbox(name string) error {
	if err := os.RemoveAll(w.SandboxPath(name)); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", name, err)
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, name := range []string{"sandboxes", "data", "logs"} {
		if err := w.ensureDir(filepath.Join(w.Root, name), 0o750); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0o750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
