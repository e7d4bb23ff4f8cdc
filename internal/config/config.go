// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults applied by the accessor methods.
const (
	DefaultMaxTurns       = 100
	DefaultMaxOutputBytes = 1 << 20
	DefaultBootstrap      = "uv init --no-workspace"
	DefaultListenAddr     = "127.0.0.1:8080"
	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultSubAgentName   = "researcher"
)

// Config is the root configuration for kazi.
type Config struct {
	Log           LogConfig            `json:"log" yaml:"log"`
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Default: ~/.kazi. Override: KAZI_WORKSPACE env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	SubAgents     []SubAgentConfig     `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Storage       storage.Config       `json:"storage" yaml:"storage"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: KAZI_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SandboxConfig controls the sandbox root and command execution.
type SandboxConfig struct {
	Path           string  `json:"path,omitempty" yaml:"path,omitempty"`           // Sandbox root. Override: KAZI_SANDBOX.
	Bootstrap      *string `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"` // nil = DefaultBootstrap, "" = none.
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`         // 0 = no limit.
	MaxOutputBytes int     `json:"max_output_bytes" yaml:"max_output_bytes"`       // Per stream. Default: 1 MiB.
}

// BootstrapCommand returns the shell-quoted bootstrap command. An explicitly
// empty bootstrap disables it.
func (s SandboxConfig) BootstrapCommand() string {
	if s.Bootstrap == nil {
		return DefaultBootstrap
	}
	return *s.Bootstrap
}

// Timeout returns the per-command limit, zero meaning none.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// OutputLimit returns the per-stream capture cap.
func (s SandboxConfig) OutputLimit() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// AgentConfig configures the main agent's turn loop.
type AgentConfig struct {
	MaxTurns     int    `json:"max_turns" yaml:"max_turns"`     // Default: 100.
	ToolChoice   string `json:"tool_choice" yaml:"tool_choice"` // "required" (default), "auto".
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"` // 0 = provider default.
	Think        bool   `json:"think" yaml:"think"`                               // Register the think tool.
}

// Turns returns the max-turn budget.
func (a AgentConfig) Turns() int {
	if a.MaxTurns > 0 {
		return a.MaxTurns
	}
	return DefaultMaxTurns
}

// Choice returns the parsed tool choice, defaulting to required.
func (a AgentConfig) Choice() llm.ToolChoice {
	if a.ToolChoice == "" {
		return llm.ToolChoiceRequired
	}
	tc, err := llm.ParseToolChoice(a.ToolChoice)
	if err != nil {
		return llm.ToolChoiceRequired
	}
	return tc
}

// SubAgentConfig defines one sub-agent exposed to the main agent as a tool.
type SubAgentConfig struct {
	Name         string   `json:"name" yaml:"name"` // Tool name the main agent calls.
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`         // Overrides the provider's model.
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`         // Subset of tool names. Empty = all except delegates.
	MaxTurns     int      `json:"max_turns,omitempty" yaml:"max_turns,omitempty"` // Default: agent.max_turns.
}

// ProvidersConfig selects and configures LLM providers.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai" or "anthropic". Empty = first with an API key.
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// DefaultProvider returns the configured default, or the first provider
// that has an API key.
func (p ProvidersConfig) DefaultProvider() string {
	if p.Default != "" {
		return p.Default
	}
	if p.OpenAI.APIKey != "" {
		return "openai"
	}
	if p.Anthropic.APIKey != "" {
		return "anthropic"
	}
	return ""
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures threshold-based detection of failing tools.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300.
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
}

// HTTPConfig configures the HTTP tool-call API.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth. Override: KAZI_API_KEYS (comma separated).
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig bounds requests per client on /v1.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = requests_per_minute.
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return DefaultListenAddr
}

// ToolsConfig configures individual tool settings.
type ToolsConfig struct {
	File FileToolConfig    `json:"file" yaml:"file"`
	MCP  []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP tool servers.
}

// FileToolConfig bounds file reads.
type FileToolConfig struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes"` // 0 = unlimited.
}

// MCPServerConfig defines a single external MCP server connection.
// kazi acts as an MCP client, connecting at startup, discovering tools,
// and registering them as "<name>__<tool>".
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Agent: AgentConfig{MaxTurns: DefaultMaxTurns, ToolChoice: string(llm.ToolChoiceRequired)},
		Providers: ProvidersConfig{
			OpenAI:    OpenAIConfig{Model: DefaultOpenAIModel},
			Anthropic: AnthropicConfig{Model: DefaultAnthropicModel},
		},
		Storage: storage.Config{Driver: storage.DefaultDriver},
		HTTP:    HTTPConfig{ListenAddr: DefaultListenAddr},
	}
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kazi.yaml"
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file yields Default(). Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			if err := decode(resolved, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays environment variables on the loaded values.
func (c *Config) applyEnv() {
	overrideEnv(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideEnv(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	overrideEnv(&c.Workspace, "KAZI_WORKSPACE")
	overrideEnv(&c.Sandbox.Path, "KAZI_SANDBOX")
	overrideEnv(&c.Log.Level, "KAZI_LOG_LEVEL")

	if keys := goutils.Env("KAZI_API_KEYS", ""); keys != "" {
		c.HTTP.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.HTTP.APIKeys = append(c.HTTP.APIKeys, k)
			}
		}
	}

	// A database URL implies postgres.
	if dsn := goutils.Env("KAZI_DATABASE_URL", ""); dsn != "" {
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = dsn
	}
}

// overrideEnv sets *dst from key when the variable is set and non-empty.
func overrideEnv(dst *string, key string) {
	if v := goutils.Env(key, ""); v != "" {
		*dst = v
	}
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

// ResolvePath is resolvePath for callers outside the package.
func ResolvePath(path string) (string, error) { return resolvePath(path) }

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

// SubAgentsOrDefault returns the configured sub-agents, or the default
// researcher when none are configured.
func (c *Config) SubAgentsOrDefault() []SubAgentConfig {
	if len(c.SubAgents) > 0 {
		return c.SubAgents
	}
	return []SubAgentConfig{{
		Name: DefaultSubAgentName,
		Description: "Delegates a self-contained question to a research sub-agent that can read " +
			"files and run commands in the same sandbox. Returns its final answer.",
	}}
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	if c.Agent.ToolChoice != "" {
		if _, err := llm.ParseToolChoice(c.Agent.ToolChoice); err != nil {
			return fmt.Errorf("agent.tool_choice: %w", err)
		}
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "", storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set KAZI_DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	subNames := make(map[string]bool, len(c.SubAgents))
	for i, sa := range c.SubAgents {
		if sa.Name == "" {
			return fmt.Errorf("sub_agents[%d].name is required", i)
		}
		if subNames[sa.Name] {
			return fmt.Errorf("sub_agents[%d]: duplicate name %q", i, sa.Name)
		}
		subNames[sa.Name] = true
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if strings.Contains(srv.Name, "__") {
			return fmt.Errorf("tools.mcp[%d] (%q): name must not contain \"__\"", i, srv.Name)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio", "":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateProviders checks provider names. API keys are checked when a
// provider is actually built, so commands that never call a model work
// without one.
func (c *Config) validateProviders() error {
	names := append([]string{}, c.Providers.Fallback...)
	if c.Providers.Default != "" {
		names = append(names, c.Providers.Default)
	}
	for _, name := range names {
		switch name {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q is not supported (use openai or anthropic)", name)
		}
	}
	return nil
}
