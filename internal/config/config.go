package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr        = ":8080"
	defaultDataDir           = "foreman-data"
	defaultWorkdirRoot       = "."
	defaultProvider          = "agent"
	defaultPollInterval      = 750 * time.Millisecond
	defaultTailLimit         = 14000
	defaultInlineNotifyLimit = 3500
	defaultAgentCommand      = "agentcli"
	defaultAgentTimeout      = time.Hour
	defaultHeartbeat         = 25 * time.Second
	defaultAPIBaseURL        = "https://api.anthropic.com"
	defaultModel             = "claude-sonnet-4-5-20250929"
	defaultMaxRounds         = 5
	defaultMaxTokens         = 4096
	defaultToolLoopBudget    = 15 * time.Minute

	envListenAddr      = "FOREMAN_LISTEN_ADDR"
	envDataDir         = "FOREMAN_DATA_DIR"
	envLogLevel        = "FOREMAN_LOG_LEVEL"
	envWorkdirRoot     = "FOREMAN_WORKDIR_ROOT"
	envDefaultProvider = "FOREMAN_DEFAULT_PROVIDER"
	envPollInterval    = "FOREMAN_POLL_INTERVAL"
	envTailLimit       = "FOREMAN_TAIL_LIMIT"
	envAgentCommand    = "FOREMAN_AGENT_COMMAND"
	envAgentTimeout    = "FOREMAN_AGENT_TIMEOUT"
	envAPIKey          = "FOREMAN_API_KEY"
	envWebhookURL      = "FOREMAN_WEBHOOK_URL"
)

// AgentConfig configures the child-process provider.
type AgentConfig struct {
	Command           string
	Args              []string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// ToolLoopConfig configures the generative tool-calling provider.
type ToolLoopConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxRounds int
	MaxTokens int
	Budget    time.Duration
}

// Config holds application configuration assembled from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
type Config struct {
	ListenAddr        string
	DataDir           string
	WorkdirRoot       string
	DefaultProvider   string
	PollInterval      time.Duration
	TailLimit         int
	InlineNotifyLimit int
	Agent             AgentConfig
	ToolLoop          ToolLoopConfig
	WebhookURL        string
	LogLevel          slog.Level
}

// fileConfig is the YAML shape of the config file. Durations are strings so
// operators can write "750ms" or "1h"; they are parsed during merge.
type fileConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	DataDir           string `yaml:"data_dir"`
	LogLevel          string `yaml:"log_level"`
	WorkdirRoot       string `yaml:"workdir_root"`
	DefaultProvider   string `yaml:"default_provider"`
	PollInterval      string `yaml:"poll_interval"`
	TailLimit         int    `yaml:"tail_limit"`
	InlineNotifyLimit int    `yaml:"inline_notify_limit"`
	Agent             struct {
		Command           string   `yaml:"command"`
		Args              []string `yaml:"args"`
		Timeout           string   `yaml:"timeout"`
		HeartbeatInterval string   `yaml:"heartbeat_interval"`
	} `yaml:"agent"`
	ToolLoop struct {
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		Model     string `yaml:"model"`
		MaxRounds int    `yaml:"max_rounds"`
		MaxTokens int    `yaml:"max_tokens"`
		Budget    string `yaml:"budget"`
	} `yaml:"toolloop"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`
}

// Load assembles configuration. path names an optional YAML file; an empty
// path skips the file layer, a non-empty path must exist and parse.
// Environment variables override both defaults and file values.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DataDir:           defaultDataDir,
		WorkdirRoot:       defaultWorkdirRoot,
		DefaultProvider:   defaultProvider,
		PollInterval:      defaultPollInterval,
		TailLimit:         defaultTailLimit,
		InlineNotifyLimit: defaultInlineNotifyLimit,
		Agent: AgentConfig{
			Command:           defaultAgentCommand,
			Timeout:           defaultAgentTimeout,
			HeartbeatInterval: defaultHeartbeat,
		},
		ToolLoop: ToolLoopConfig{
			BaseURL:   defaultAPIBaseURL,
			Model:     defaultModel,
			MaxRounds: defaultMaxRounds,
			MaxTokens: defaultMaxTokens,
			Budget:    defaultToolLoopBudget,
		},
		LogLevel: slog.LevelInfo,
	}

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	mergeEnv(&cfg)

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.WorkdirRoot != "" {
		cfg.WorkdirRoot = fc.WorkdirRoot
	}
	if fc.DefaultProvider != "" {
		cfg.DefaultProvider = fc.DefaultProvider
	}
	if fc.PollInterval != "" {
		cfg.PollInterval = parseDuration(fc.PollInterval, cfg.PollInterval)
	}
	if fc.TailLimit > 0 {
		cfg.TailLimit = fc.TailLimit
	}
	if fc.InlineNotifyLimit > 0 {
		cfg.InlineNotifyLimit = fc.InlineNotifyLimit
	}
	if fc.Agent.Command != "" {
		cfg.Agent.Command = fc.Agent.Command
	}
	if len(fc.Agent.Args) > 0 {
		cfg.Agent.Args = fc.Agent.Args
	}
	if fc.Agent.Timeout != "" {
		cfg.Agent.Timeout = parseDuration(fc.Agent.Timeout, cfg.Agent.Timeout)
	}
	if fc.Agent.HeartbeatInterval != "" {
		cfg.Agent.HeartbeatInterval = parseDuration(fc.Agent.HeartbeatInterval, cfg.Agent.HeartbeatInterval)
	}
	if fc.ToolLoop.BaseURL != "" {
		cfg.ToolLoop.BaseURL = fc.ToolLoop.BaseURL
	}
	if fc.ToolLoop.APIKey != "" {
		cfg.ToolLoop.APIKey = fc.ToolLoop.APIKey
	}
	if fc.ToolLoop.Model != "" {
		cfg.ToolLoop.Model = fc.ToolLoop.Model
	}
	if fc.ToolLoop.MaxRounds > 0 {
		cfg.ToolLoop.MaxRounds = fc.ToolLoop.MaxRounds
	}
	if fc.ToolLoop.MaxTokens > 0 {
		cfg.ToolLoop.MaxTokens = fc.ToolLoop.MaxTokens
	}
	if fc.ToolLoop.Budget != "" {
		cfg.ToolLoop.Budget = parseDuration(fc.ToolLoop.Budget, cfg.ToolLoop.Budget)
	}
	if fc.Notify.WebhookURL != "" {
		cfg.WebhookURL = fc.Notify.WebhookURL
	}

	return nil
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkdirRoot); v != "" {
		cfg.WorkdirRoot = v
	}
	if v := os.Getenv(envDefaultProvider); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv(envPollInterval); v != "" {
		cfg.PollInterval = parseDuration(v, cfg.PollInterval)
	}
	if v := os.Getenv(envTailLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TailLimit = n
		}
	}
	if v := os.Getenv(envAgentCommand); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv(envAgentTimeout); v != "" {
		cfg.Agent.Timeout = parseDuration(v, cfg.Agent.Timeout)
	}
	if v := os.Getenv(envAPIKey); v != "" {
		cfg.ToolLoop.APIKey = v
	}
	if v := os.Getenv(envWebhookURL); v != "" {
		cfg.WebhookURL = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration parses s, falling back to def when s is not a valid positive duration.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
