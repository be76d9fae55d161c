package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath        = "CMMSBRIDGE_CONFIG"
	envRequestPath       = "CMMSBRIDGE_REQUEST_PATH"
	envResponsePath      = "CMMSBRIDGE_RESPONSE_PATH"
	envWorkerCommand     = "CMMSBRIDGE_WORKER_COMMAND"
	envServerPort        = "CMMSBRIDGE_PORT"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

const (
	DefaultConnectRequest  = `{"action":"lister"}`
	DefaultServerHost      = "0.0.0.0"
	DefaultServerPort      = 9001
	DefaultServerPath      = "/"
	DefaultSubprotocol     = "cmms-protocol"
	DefaultMaxMessageBytes = 4096
	DefaultWorkerTimeout   = 120
	DefaultQueueSize       = 64
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bridge   BridgeConfig   `json:"bridge"`
	Worker   WorkerConfig   `json:"worker"`
	Server   ServerConfig   `json:"server"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BridgeConfig locates the two mailbox slots and the request sent on connect.
type BridgeConfig struct {
	RequestPath    string `json:"request_path"`
	ResponsePath   string `json:"response_path"`
	ConnectRequest string `json:"connect_request,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
}

// WorkerConfig describes the external worker command.
//
// TimeoutSeconds of zero disables the invocation deadline; negative values
// fall back to the default.
type WorkerConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Dir            string   `json:"dir,omitempty"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	Enabled          *bool    `json:"enabled,omitempty"`
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	Path             string   `json:"path,omitempty"`
	Subprotocol      string   `json:"subprotocol,omitempty"`
	MaxMessageBytes  int64    `json:"max_message_bytes,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`
	RateLimitPerSec  float64  `json:"rate_limit_per_sec,omitempty"`
	RateLimitBurst   int      `json:"rate_limit_burst,omitempty"`
	WriteTimeoutSecs int      `json:"write_timeout_seconds,omitempty"`
	PongTimeoutSecs  int      `json:"pong_timeout_seconds,omitempty"`
}

// ChannelsConfig stores optional transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// GatewayConfig configures the HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WebSocketEnabled reports whether the WebSocket listener should start.
// It is on unless explicitly disabled.
func (s ServerConfig) WebSocketEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// WorkerTimeout returns the per-invocation deadline, or zero for none.
func (w WorkerConfig) WorkerTimeout() time.Duration {
	if w.TimeoutSeconds == nil || *w.TimeoutSeconds < 0 {
		return DefaultWorkerTimeout * time.Second
	}

	return time.Duration(*w.TimeoutSeconds) * time.Second
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file, applies .env and environment overrides,
// fills defaults and validates the result.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	loadDotEnv(filepath.Dir(configPath))
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv merges a .env next to the config file (or in the cwd) into the
// process environment. Variables already set win.
func loadDotEnv(configDir string) {
	candidates := []string{filepath.Join(configDir, ".env"), ".env"}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			_ = godotenv.Load(candidate)
			return
		}
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if value := strings.TrimSpace(os.Getenv(envRequestPath)); value != "" {
		cfg.Bridge.RequestPath = value
	}
	if value := strings.TrimSpace(os.Getenv(envResponsePath)); value != "" {
		cfg.Bridge.ResponsePath = value
	}
	if value := strings.TrimSpace(os.Getenv(envWorkerCommand)); value != "" {
		cfg.Worker.Command = value
	}
	if value := strings.TrimSpace(os.Getenv(envServerPort)); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envServerPort, err)
		}
		cfg.Server.Port = port
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	return nil
}

// ApplyDefaults fills zero-valued settings with their defaults.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Bridge.ConnectRequest) == "" {
		c.Bridge.ConnectRequest = DefaultConnectRequest
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = DefaultQueueSize
	}

	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
	if strings.TrimSpace(c.Server.Path) == "" {
		c.Server.Path = DefaultServerPath
	}
	if strings.TrimSpace(c.Server.Subprotocol) == "" {
		c.Server.Subprotocol = DefaultSubprotocol
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = DefaultMaxMessageBytes
	}
}

// Validate checks that the bridge can start: both slot paths and the worker
// command are set, and the slot directories exist.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Bridge.RequestPath) == "" {
		errs = append(errs, errors.New("bridge.request_path is required"))
	}
	if strings.TrimSpace(c.Bridge.ResponsePath) == "" {
		errs = append(errs, errors.New("bridge.response_path is required"))
	}
	if c.Bridge.RequestPath != "" && filepath.Clean(c.Bridge.RequestPath) == filepath.Clean(c.Bridge.ResponsePath) {
		errs = append(errs, errors.New("bridge.request_path and bridge.response_path must differ"))
	}
	for _, path := range []string{c.Bridge.RequestPath, c.Bridge.ResponsePath} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		dir := filepath.Dir(path)
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("mailbox directory %s: %w", dir, err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("mailbox directory %s is not a directory", dir))
		}
	}

	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}

	if c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}

	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}

	return errors.Join(errs...)
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CMMSBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
