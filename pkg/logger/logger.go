// Package logger builds the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	charmLog "github.com/charmbracelet/log"

	"cmmsbridge/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	defaultLevel = "info"

	envLogFormat    = "CMMSBRIDGE_LOG_FORMAT"
	envLogLevel     = "CMMSBRIDGE_LOG_LEVEL"
	envLogAddSource = "CMMSBRIDGE_LOG_ADD_SOURCE"
)

// settings is the logging config after environment overrides.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger: charmbracelet text output by default, or
// one LogEntry JSON object per line when the format is "json".
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	resolved, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	if resolved.format == formatJSON {
		return slog.New(&jsonHandler{
			level:     resolved.level,
			addSource: resolved.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	}

	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(resolved.level),
		ReportTimestamp: true,
		ReportCaller:    resolved.addSource,
		Formatter:       charmLog.TextFormatter,
	})), nil
}

// resolveSettings merges cfg with CMMSBRIDGE_LOG_* variables, which win.
func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	format, formatSource := override(cfg.Format, envLogFormat, "logging.format")
	if format == "" {
		format = formatText
	}
	if format != formatText && format != formatJSON {
		return settings{}, fmt.Errorf("%s: unsupported log format %q", formatSource, format)
	}

	levelText, levelSource := override(cfg.Level, envLogLevel, "logging.level")
	if levelText == "" {
		levelText = defaultLevel
	}
	level, ok := parseLevel(levelText)
	if !ok {
		return settings{}, fmt.Errorf("%s: unsupported log level %q", levelSource, levelText)
	}

	addSource := cfg.AddSource
	if value := strings.TrimSpace(os.Getenv(envLogAddSource)); value != "" {
		addSource = parseBool(value)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

// override returns the normalized env value when set, else the config
// value, along with the name of the setting that supplied it.
func override(configValue string, envName string, configName string) (string, string) {
	if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
		return strings.ToLower(value), envName
	}

	return strings.ToLower(strings.TrimSpace(configValue)), configName
}

func parseLevel(text string) (slog.Level, bool) {
	switch text {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
