// Package storage defines the session journal: every agent session and every
// tool call made through it. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session ID has no journal entry.
var ErrSessionNotFound = errors.New("session not found")

// Session sources.
const (
	SourceCLI  = "cli"
	SourceHTTP = "http"
	SourceMCP  = "mcp"
	SourceTool = "tool"
)

// Session statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is one run of the harness against a sandbox root.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	SandboxRoot string     `json:"sandbox_root"`
	Source      string     `json:"source"`
	Model       string     `json:"model,omitempty"`
	Status      string     `json:"status"`
	Turns       int        `json:"turns"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// ToolCall is one journaled tool invocation.
type ToolCall struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Output     string          `json:"output"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MaxJournaledOutput bounds the tool output kept per call.
const MaxJournaledOutput = 16 * 1024

// Store is the journal persistence interface. Both the SQLite and the
// PostgreSQL backends implement it.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	// FinishSession records the final status and turn count.
	FinishSession(ctx context.Context, id uuid.UUID, status string, turns int) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	// ListSessions returns sessions newest first. Limit defaults to 20.
	ListSessions(ctx context.Context, limit int) ([]Session, error)

	RecordToolCall(ctx context.Context, c *ToolCall) error
	// ListToolCalls returns a session's calls oldest first. Limit defaults to 100.
	ListToolCalls(ctx context.Context, sessionID uuid.UUID, limit int) ([]ToolCall, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// TruncateOutput cuts s to MaxJournaledOutput bytes.
func TruncateOutput(s string) string {
	if len(s) <= MaxJournaledOutput {
		return s
	}
	return s[:MaxJournaledOutput] + "\n[truncated]"
}
