// Package config handles configuration loading and validation for the
// recorder and viewer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"examtrace/internal/analyzer"
	"examtrace/internal/crypt"
	"examtrace/internal/paste"
)

// Config holds the complete configuration for both tools. Zero values
// mean "use the default"; Load never returns a Config with unresolved
// zero values.
type Config struct {
	Capture  CaptureConfig   `toml:"capture"`
	Paste    PasteConfig     `toml:"paste"`
	Analysis analyzer.Config `toml:"analysis"`
	Archive  ArchiveConfig   `toml:"archive"`
	State    StateConfig     `toml:"state"`
	Logging  LoggingConfig   `toml:"logging"`
}

// CaptureConfig selects the shell and terminal type for recorded
// sessions.
type CaptureConfig struct {
	Shell string `toml:"shell"`
	Term  string `toml:"term"`
}

// PasteConfig is the TOML shape of the classification thresholds.
// Durations are plain milliseconds in the file.
type PasteConfig struct {
	MaxInterKeyGapMs int `toml:"max_inter_key_gap_ms"`
	MinPasteRun      int `toml:"min_paste_run"`
	MinUncertainRun  int `toml:"min_uncertain_run"`
}

// Classifier converts the file shape to classification thresholds.
func (p PasteConfig) Classifier() paste.Config {
	return paste.Config{
		MaxInterKeyGap:  time.Duration(p.MaxInterKeyGapMs) * time.Millisecond,
		MinPasteRun:     p.MinPasteRun,
		MinUncertainRun: p.MinUncertainRun,
	}
}

// ArchiveConfig controls sealing.
type ArchiveConfig struct {
	// Credential is the instructor password the shared key derives from.
	// The stock value must be changed before real use.
	Credential string `toml:"credential"`
	OutputDir  string `toml:"output_dir"`
}

// StateConfig locates the persistent state directory.
type StateConfig struct {
	Dir string `toml:"dir"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is text or json.
	Format string `toml:"format"`
}

// DefaultConfig returns the stock configuration. Shell and terminal type
// come from the environment when set.
func DefaultConfig() *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	term := os.Getenv("TERM")
	if term == "" {
		term = "xterm-256color"
	}

	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".exam-recorder")

	pd := paste.DefaultConfig()
	return &Config{
		Capture: CaptureConfig{Shell: shell, Term: term},
		Paste: PasteConfig{
			MaxInterKeyGapMs: int(pd.MaxInterKeyGap / time.Millisecond),
			MinPasteRun:      pd.MinPasteRun,
			MinUncertainRun:  pd.MinUncertainRun,
		},
		Analysis: analyzer.DefaultConfig(),
		Archive: ArchiveConfig{
			Credential: crypt.DefaultCredential,
			OutputDir:  dir,
		},
		State:   StateConfig{Dir: dir},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".exam-recorder", "config.toml")
}

// Load reads the TOML file at path over the defaults. A missing file at
// the default location is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Capture.Shell == "" {
		return errors.New("capture.shell must not be empty")
	}
	if c.Capture.Term == "" {
		return errors.New("capture.term must not be empty")
	}
	if err := c.Paste.Classifier().Validate(); err != nil {
		return err
	}
	if err := c.Analysis.Validate(); err != nil {
		return err
	}
	if c.Archive.Credential == "" {
		return errors.New("archive.credential must not be empty")
	}
	if c.Archive.OutputDir == "" {
		return errors.New("archive.output_dir must not be empty")
	}
	if c.State.Dir == "" {
		return errors.New("state.dir must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q not one of text, json", c.Logging.Format)
	}
	return nil
}
