// Package config loads and merges actionplane's layered YAML configuration:
// built-in defaults, an optional per-project workspace file, and an
// explicit --config override, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"actionplane/internal/policy"
)

const (
	// WorkspaceDirName is the directory name for project-level actionplane config.
	WorkspaceDirName = ".actionplane"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures every tunable setting shared by cmd/agent, cmd/gateway,
// and cmd/controller.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Policy  PolicyConfig  `yaml:"policy"`
	Trans   TransportConfig `yaml:"transport"`
	Browser BrowserConfig `yaml:"browser"`
	Mangle  MangleConfig  `yaml:"mangle"`
}

// ServerConfig carries process identity, used for logging and the
// gateway's HTTP status surface.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// GatewayConfig configures cmd/gateway's listen address and the second
// CDP session it opens on the controller's behalf (spec.md §6).
type GatewayConfig struct {
	ListenHost      string `yaml:"listen_host"`
	ListenPort      int    `yaml:"listen_port"`
	RemoteDebugPort int    `yaml:"remote_debug_port"`
}

// PolicyConfig is the YAML-loadable mirror of policy.Config (spec.md §4.6,
// §6 defaults); ToPolicyConfig converts it at startup.
type PolicyConfig struct {
	DomainMode           string   `yaml:"domain_mode"`
	DomainList           []string `yaml:"domain_list"`
	BlockPaymentActions  *bool    `yaml:"block_payment_actions"`
	BlockDeleteActions   *bool    `yaml:"block_delete_actions"`
	RequireUserPresent   bool     `yaml:"require_user_present"`
	MaxCommandsPerSecond int      `yaml:"max_commands_per_second"`
	MaxCommandsPerMinute int      `yaml:"max_commands_per_minute"`
	LogAllCommands       *bool    `yaml:"log_all_commands"`
}

// TransportConfig configures cmd/agent's AgentTransport (spec.md §4.7, §6).
type TransportConfig struct {
	ReconnectIntervalMs   int `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts  int `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`
	BackpressureThreshold int `yaml:"backpressure_threshold"`
}

// BrowserConfig configures how cmd/agent and internal/cdp attach to or
// launch Chrome for go-rod. Only the launch/attach plumbing is kept from
// the teacher's original BrowserConfig; session-metadata-store and
// DOM/header-ingestion fields are dropped, since this module's DOM
// ingestion purpose is action candidates, not sampled facts.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether cmd/agent launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// MangleConfig controls the embedded deductive engine, repointed at the
// Policy audit-fact schema.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides spec.md §6's defaults for local development.
func DefaultConfig() Config {
	trueVal := true
	return Config{
		Server: ServerConfig{
			Name:    "actionplane",
			Version: "0.1.0",
			LogFile: "actionplane.log",
		},
		Gateway: GatewayConfig{
			ListenHost:      "0.0.0.0",
			ListenPort:      9333,
			RemoteDebugPort: 9222,
		},
		Policy: PolicyConfig{
			DomainMode:           "all",
			DomainList:           nil,
			BlockPaymentActions:  &trueVal,
			BlockDeleteActions:   &trueVal,
			RequireUserPresent:   false,
			MaxCommandsPerSecond: 10,
			MaxCommandsPerMinute: 300,
			LogAllCommands:       &trueVal,
		},
		Trans: TransportConfig{
			ReconnectIntervalMs:   2000,
			MaxReconnectAttempts:  10,
			HeartbeatIntervalMs:   5000,
			BackpressureThreshold: 100,
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/audit.mg",
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .actionplane/config.yaml file.
// Returns the workspace root directory (parent of .actionplane/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .actionplane/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .actionplane/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# actionplane project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# policy:
#   domain_mode: allowlist
#   domain_list:
#     - example.com

# gateway:
#   listen_port: 9333

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so a process can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// boolOr returns *p if p is non-nil, else def.
func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ToPolicyConfig converts the YAML-loadable PolicyConfig into the
// policy.Engine's runtime Config, applying spec.md §6 defaults for any
// tri-state field left unset.
func (p PolicyConfig) ToPolicyConfig() policy.Config {
	mode := policy.DomainMode(p.DomainMode)
	if mode == "" {
		mode = policy.DomainAll
	}
	return policy.Config{
		DomainMode:           mode,
		DomainList:           p.DomainList,
		BlockPaymentActions:  boolOr(p.BlockPaymentActions, true),
		BlockDeleteActions:   boolOr(p.BlockDeleteActions, true),
		RequireUserPresent:   p.RequireUserPresent,
		MaxCommandsPerSecond: p.MaxCommandsPerSecond,
		MaxCommandsPerMinute: p.MaxCommandsPerMinute,
		LogAllCommands:       boolOr(p.LogAllCommands, true),
	}
}

// ReconnectInterval returns the parsed AgentTransport reconnect interval.
func (t TransportConfig) ReconnectInterval() time.Duration {
	if t.ReconnectIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(t.ReconnectIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the parsed AgentTransport heartbeat interval.
func (t TransportConfig) HeartbeatInterval() time.Duration {
	if t.HeartbeatIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}

// Attempts returns the max reconnect attempts, defaulting to spec.md §6's 10.
func (t TransportConfig) Attempts() int {
	if t.MaxReconnectAttempts <= 0 {
		return 10
	}
	return t.MaxReconnectAttempts
}

// Threshold returns the backpressure threshold, defaulting to spec.md §6's 100.
func (t TransportConfig) Threshold() int {
	if t.BackpressureThreshold <= 0 {
		return 100
	}
	return t.BackpressureThreshold
}
