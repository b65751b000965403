// Package config loads runtime configuration for the flowline commands.
// Values come from a flowline.yml file in the working directory, overridden
// by environment variables, with sensible defaults underneath.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the per-project configuration file.
	FileName = "flowline.yml"

	defaultHost     = "localhost"
	defaultPort     = 12345
	defaultWorkers  = 4
	defaultHTTPAddr = ":8080"
	defaultDBPath   = ".flowline/history.db"
	defaultBackend  = "local"

	envHost     = "FLOWLINE_HOST"
	envPort     = "FLOWLINE_PORT"
	envWorkers  = "FLOWLINE_WORKERS"
	envHTTPAddr = "FLOWLINE_HTTP_ADDR"
	envDBPath   = "FLOWLINE_DB_PATH"
	envBackend  = "FLOWLINE_BACKEND"
	envLogLevel = "FLOWLINE_LOG_LEVEL"
)

// Config holds application configuration.
type Config struct {
	Host           string
	Port           int
	Workers        int
	HTTPAddr       string
	DBPath         string
	Backend        string
	LogLevel       slog.Level
	OptionDefaults map[string]string
}

// fileConfig is the YAML shape of flowline.yml. Only fields present in the
// file override the defaults.
type fileConfig struct {
	Host           *string           `yaml:"host"`
	Port           *int              `yaml:"port"`
	Workers        *int              `yaml:"workers"`
	HTTPAddr       *string           `yaml:"http_addr"`
	DBPath         *string           `yaml:"db_path"`
	Backend        *string           `yaml:"backend"`
	LogLevel       *string           `yaml:"log_level"`
	OptionDefaults map[string]string `yaml:"option_defaults"`
}

// Load reads configuration for the given working directory. Precedence is
// environment over file over defaults. A missing file is not an error; a
// malformed one is.
func Load(workingDir string) (Config, error) {
	cfg := Config{
		Host:     defaultHost,
		Port:     defaultPort,
		Workers:  defaultWorkers,
		HTTPAddr: defaultHTTPAddr,
		DBPath:   defaultDBPath,
		Backend:  defaultBackend,
		LogLevel: slog.LevelInfo,
	}

	if err := cfg.applyFile(filepath.Join(workingDir, FileName)); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", FileName, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", FileName, err)
	}

	if fc.Host != nil {
		c.Host = *fc.Host
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.Workers != nil {
		c.Workers = *fc.Workers
	}
	if fc.HTTPAddr != nil {
		c.HTTPAddr = *fc.HTTPAddr
	}
	if fc.DBPath != nil {
		c.DBPath = *fc.DBPath
	}
	if fc.Backend != nil {
		c.Backend = *fc.Backend
	}
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	if fc.OptionDefaults != nil {
		c.OptionDefaults = fc.OptionDefaults
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(envPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envPort, err)
		}
		c.Port = port
	}
	if v := os.Getenv(envWorkers); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envWorkers, err)
		}
		c.Workers = workers
	}
	if v := os.Getenv(envHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	return nil
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

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
