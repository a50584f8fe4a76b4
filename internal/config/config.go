package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerConfig holds configuration for the progress API server.
type ServerConfig struct {
	Addr            string        // Listen address, empty disables the server
	ShutdownTimeout time.Duration // Grace period for open connections on shutdown
	Heartbeat       time.Duration // SSE heartbeat interval
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ShutdownTimeout: 5 * time.Second,
		Heartbeat:       15 * time.Second,
	}
}

// RunConfig holds the settings of one `pipeflow run` invocation.
type RunConfig struct {
	OutputDir    string        // Root of tasks/, reports/, logs/ and data/
	DBPath       string        // SQLite run history (default ~/.pipeflow/pipeflow.db, ":memory:" for testing)
	DesignPath   string        // Design file overriding the workflow's design entry
	FormatsPath  string        // Format catalog merged into the built-in formats
	PollInterval time.Duration // Driver and token manager poll interval
	MaxWorkers   int           // Concurrent task bound, <= 0 means unlimited
	Inline       bool          // Run tasks on the token manager goroutine
	Resume       bool          // Reuse completed tasks of a previous run
	TaskLogs     bool          // One log file per task under logs/
	ReportFormat string        // Step report format: json, yaml
	LogLevel     string        // Log level: debug, info, warn, error
	LogFormat    string        // Log format: text, json
	Server       ServerConfig
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		OutputDir:    "pipeflow-out",
		PollInterval: time.Second,
		TaskLogs:     true,
		ReportFormat: "json",
		LogLevel:     "info",
		LogFormat:    "text",
		Server:       DefaultServerConfig(),
	}
}

// Validate checks the values a run cannot start with.
func (c RunConfig) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	switch c.ReportFormat {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown report format %q (want json or yaml)", c.ReportFormat)
	}
	return nil
}

// ResolveDBPath returns DBPath, or ~/.pipeflow/pipeflow.db when empty. The
// parent directory is created.
func (c RunConfig) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pipeflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "pipeflow.db"), nil
}
