// Package config provides configuration management for threadbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Permission modes for the agent subprocess.
const (
	PermissionModeInteractive = "interactive"
	PermissionModeSkip        = "skip"
)

// Config holds all configuration sections for threadbridge.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Platforms []PlatformConfig `mapstructure:"platforms"`
	Agent     AgentConfig      `mapstructure:"agent"`
	Sessions  SessionsConfig   `mapstructure:"sessions"`
	Store     StoreConfig      `mapstructure:"store"`
	Worktree  WorktreeConfig   `mapstructure:"worktree"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the operational HTTP server configuration
// (health, metrics, session listing).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// PlatformConfig describes one chat backend the bridge connects to.
type PlatformConfig struct {
	ID           string   `mapstructure:"id"`
	Kind         string   `mapstructure:"kind"` // mattermost
	DisplayName  string   `mapstructure:"displayName"`
	URL          string   `mapstructure:"url"`
	Token        string   `mapstructure:"token"`
	ChannelID    string   `mapstructure:"channelId"`
	AllowedUsers []string `mapstructure:"allowedUsers"`
	StickyPost   bool     `mapstructure:"stickyPost"` // maintain a channel-level summary post
}

// AgentConfig holds the agent CLI subprocess configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (resolved via PATH if not absolute).
	Binary string `mapstructure:"binary"`

	// WorkingDir is where new sessions start. Empty means the bridge's own
	// working directory; sessions move with !cd and worktree commands.
	WorkingDir string `mapstructure:"workingDir"`

	// PermissionMode is "interactive" (permission broker via MCP) or "skip"
	// (--dangerously-skip-permissions).
	PermissionMode string `mapstructure:"permissionMode"`

	// BrokerBinary is the permission broker executable spawned by the agent.
	// Defaults to a sibling of the bridge binary.
	BrokerBinary string `mapstructure:"brokerBinary"`

	// ChromeEnabled passes the browser-automation flag to the agent.
	ChromeEnabled bool `mapstructure:"chromeEnabled"`

	// AppendSystemPrompt is appended to the agent's system prompt when set.
	AppendSystemPrompt string `mapstructure:"appendSystemPrompt"`

	// MaxAttachmentBytes caps file downloads forwarded as image blocks.
	MaxAttachmentBytes int64 `mapstructure:"maxAttachmentBytes"`
}

// SessionsConfig holds session lifecycle tuning. Durations accept Go
// duration strings ("30m", "500ms").
type SessionsConfig struct {
	MaxSessions    int           `mapstructure:"maxSessions"`
	IdleLimit      time.Duration `mapstructure:"idleLimit"`
	Grace          time.Duration `mapstructure:"grace"`
	UpdateCoalesce time.Duration `mapstructure:"updateCoalesce"`
	TypingTick     time.Duration `mapstructure:"typingTick"`
	ResumeOnStart  bool          `mapstructure:"resumeOnStart"`
}

// StoreConfig holds session persistence configuration.
type StoreConfig struct {
	// Path is the JSON snapshot file. Defaults to ~/.threadbridge/sessions.json.
	Path string `mapstructure:"path"`
}

// WorktreeConfig holds Git worktree configuration for isolated checkouts.
type WorktreeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`      // Offer worktree prompts and commands
	BasePath     string `mapstructure:"basePath"`     // Base directory for checkouts (default: ~/.threadbridge/worktrees)
	BranchPrefix string `mapstructure:"branchPrefix"` // Prefix for generated branch names
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint host:port
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("THREADBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sessions.json"
	}
	return home + "/.threadbridge/sessions.json"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.workingDir", "")
	v.SetDefault("agent.permissionMode", "interactive")
	v.SetDefault("agent.brokerBinary", "")
	v.SetDefault("agent.chromeEnabled", false)
	v.SetDefault("agent.appendSystemPrompt", "")
	v.SetDefault("agent.maxAttachmentBytes", 8*1024*1024)

	// Session defaults
	v.SetDefault("sessions.maxSessions", 5)
	v.SetDefault("sessions.idleLimit", "30m")
	v.SetDefault("sessions.grace", "5m")
	v.SetDefault("sessions.updateCoalesce", "500ms")
	v.SetDefault("sessions.typingTick", "3s")
	v.SetDefault("sessions.resumeOnStart", true)

	// Store defaults
	v.SetDefault("store.path", defaultStorePath())

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.threadbridge/worktrees")
	v.SetDefault("worktree.branchPrefix", "threadbridge/")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "threadbridge")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix THREADBRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.threadbridge/, or /etc/threadbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("THREADBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.permissionMode", "THREADBRIDGE_AGENT_PERMISSION_MODE")
	_ = v.BindEnv("agent.brokerBinary", "THREADBRIDGE_AGENT_BROKER_BINARY")
	_ = v.BindEnv("agent.appendSystemPrompt", "THREADBRIDGE_AGENT_APPEND_SYSTEM_PROMPT")
	_ = v.BindEnv("sessions.maxSessions", "THREADBRIDGE_SESSIONS_MAX_SESSIONS")
	_ = v.BindEnv("sessions.idleLimit", "THREADBRIDGE_SESSIONS_IDLE_LIMIT")
	_ = v.BindEnv("store.path", "THREADBRIDGE_STORE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.threadbridge")
	}
	v.AddConfigPath("/etc/threadbridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvPlatform(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvPlatform synthesizes a single "default" platform from environment
// variables when no platforms are configured. Supports the common one-server
// deployment without a config file.
func applyEnvPlatform(cfg *Config) {
	if len(cfg.Platforms) > 0 {
		return
	}
	url := os.Getenv("THREADBRIDGE_PLATFORM_URL")
	token := os.Getenv("THREADBRIDGE_PLATFORM_TOKEN")
	if url == "" || token == "" {
		return
	}
	p := PlatformConfig{
		ID:        "default",
		Kind:      "mattermost",
		URL:       url,
		Token:     token,
		ChannelID: os.Getenv("THREADBRIDGE_PLATFORM_CHANNEL_ID"),
	}
	if kind := os.Getenv("THREADBRIDGE_PLATFORM_KIND"); kind != "" {
		p.Kind = kind
	}
	if users := os.Getenv("THREADBRIDGE_PLATFORM_ALLOWED_USERS"); users != "" {
		for _, u := range strings.Split(users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				p.AllowedUsers = append(p.AllowedUsers, u)
			}
		}
	}
	cfg.Platforms = append(cfg.Platforms, p)
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Platform validation
	seen := make(map[string]bool)
	for i, p := range cfg.Platforms {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("platforms[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.Kind != "mattermost" {
			errs = append(errs, fmt.Sprintf("platforms[%d].kind must be mattermost, got %q", i, p.Kind))
		}
		if p.URL == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].url is required", i))
		}
		if p.Token == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].token is required", i))
		}
		if p.ChannelID == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].channelId is required", i))
		}
	}

	// Agent validation
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	switch cfg.Agent.PermissionMode {
	case PermissionModeInteractive, PermissionModeSkip:
	default:
		errs = append(errs, "agent.permissionMode must be one of: interactive, skip")
	}

	// Session validation
	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.maxSessions must be positive")
	}
	if cfg.Sessions.IdleLimit <= 0 {
		errs = append(errs, "sessions.idleLimit must be positive")
	}
	if cfg.Sessions.Grace <= 0 || cfg.Sessions.Grace >= cfg.Sessions.IdleLimit {
		errs = append(errs, "sessions.grace must be positive and below sessions.idleLimit")
	}
	if cfg.Sessions.UpdateCoalesce <= 0 {
		errs = append(errs, "sessions.updateCoalesce must be positive")
	}

	// Store validation
	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
