package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"pcdattach/internal/config"
)

const (
	logLevelEnvKey  = "PCDATTACH_LOG_LEVEL"
	logFormatEnvKey = "PCDATTACH_LOG_FORMAT"
)

// settingSource records where a logging setting came from, most specific
// first.
type settingSource string

const (
	sourceFlag    settingSource = "flag"
	sourceEnv     settingSource = "env"
	sourceConfig  settingSource = "config"
	sourceDefault settingSource = "default"
)

type logFormat string

const (
	logFormatText logFormat = "text"
	logFormatJSON logFormat = "json"
)

var logOutput io.Writer = os.Stderr

// configureLoggerForCLI installs the default logger. Bad flag values are
// errors; bad env or config values fall back to defaults with a warning.
func configureLoggerForCLI(flagLevel, configLevel, flagFormat string) ([]string, error) {
	var warnings []string

	format, source := pickSetting(flagFormat, os.Getenv(logFormatEnvKey), "")
	parsedFormat, err := parseLogFormat(format)
	if err != nil {
		if source == sourceFlag {
			return nil, fmt.Errorf("invalid --log-format %q", flagFormat)
		}
		warnings = append(warnings, fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logFormatEnvKey, format, logFormatText))
		parsedFormat = logFormatText
	}

	envLevel := os.Getenv(logLevelEnvKey)
	rawLevel, source := pickSetting(flagLevel, envLevel, configLevel)
	level, err := parseLogLevel(rawLevel)
	if err != nil {
		switch source {
		case sourceFlag:
			return nil, fmt.Errorf("invalid --log-level %q", flagLevel)
		case sourceEnv:
			warnings = append(warnings, fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, config.DefaultLogLevel))
		case sourceConfig:
			warnings = append(warnings, fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", configLevel, config.DefaultLogLevel))
		}
		level, _ = parseLogLevel("")
	}

	slog.SetDefault(newLogger(logOutput, level, parsedFormat))
	return warnings, nil
}

func pickSetting(flagValue, envValue, configValue string) (string, settingSource) {
	switch {
	case strings.TrimSpace(flagValue) != "":
		return flagValue, sourceFlag
	case strings.TrimSpace(envValue) != "":
		return envValue, sourceEnv
	case strings.TrimSpace(configValue) != "":
		return configValue, sourceConfig
	default:
		return "", sourceDefault
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = config.DefaultLogLevel
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}

	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func parseLogFormat(raw string) (logFormat, error) {
	switch logFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", logFormatText:
		return logFormatText, nil
	case logFormatJSON:
		return logFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q", raw)
	}
}

func newLogger(w io.Writer, level slog.Level, format logFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == logFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
