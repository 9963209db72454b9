// Package logging builds the zap loggers used by the client engine, the worker loop and
// the sample binaries.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel = "TINYIPC_LOG_LEVEL"
	EnvLogDev   = "TINYIPC_LOG_DEV"
)

// Config selects the level and encoder of a logger.
type Config struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// New builds a sugared logger from cfg, after applying environment overrides.
func New(cfg Config) (*zap.SugaredLogger, error) {
	applyEnvOverrides(&cfg)

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	// stdout belongs to the protocol when running as a worker.
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// SinkFunc adapts a logger to the line sink that receives a worker's stderr.
func SinkFunc(log *zap.SugaredLogger) func(string) {
	return func(line string) {
		log.Infow("worker output", "line", line)
	}
}

// ParseLevel accepts zap level names plus a few aliases. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "off", "none", "disabled":
		return zapcore.FatalLevel + 1, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(raw)))); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", raw)
	}
	return lvl, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogDev))); err == nil {
		cfg.Development = v
	}
}
