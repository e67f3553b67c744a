// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Caldera components.
//
// Configuration is loaded from a single YAML file specified by:
//   - CALDERA_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when the
// environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production hosts.
	Production Environment = "production"
)

// Config is the master configuration for the migration engine.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Datastore configures the settings store location.
	Datastore DatastoreConfig `yaml:"datastore"`

	// Repository configures the trust repository.
	Repository RepositoryConfig `yaml:"repository"`

	// Migration configures artifact execution.
	Migration MigrationConfig `yaml:"migration"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	Datastore  *DatastoreConfig  `yaml:"datastore,omitempty"`
	Repository *RepositoryConfig `yaml:"repository,omitempty"`
	Migration  *MigrationConfig  `yaml:"migration,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty"`
}

// DatastoreConfig configures the settings store.
type DatastoreConfig struct {
	// Root is the datastore root directory holding the store
	// generations and the "current" link chain.
	// Default: /var/lib/caldera/datastore
	Root string `yaml:"root"`

	// JournalFile is where committed migration steps are recorded
	// during a run. Default: <root>/run-journal.cbor
	JournalFile string `yaml:"journal_file"`
}

// RepositoryConfig configures where trust metadata and artifacts come
// from and how the client verifies them.
type RepositoryConfig struct {
	// MetadataURL is the metadata area: an http(s) URL or a local
	// directory path (used at boot, when the repository was synced
	// earlier).
	MetadataURL string `yaml:"metadata_url"`

	// TargetsURL is the artifact area. Empty means MetadataURL.
	TargetsURL string `yaml:"targets_url"`

	// RootPath is the trust anchor: the root document baked into the
	// OS image. Default: /etc/caldera/root.cbor
	RootPath string `yaml:"root_path"`

	// VersionsFile persists the highest metadata version accepted per
	// role, extending rollback protection across update attempts.
	// Default: /var/lib/caldera/trusted-versions.cbor
	VersionsFile string `yaml:"versions_file"`

	// AllowExpired skips metadata expiry checks. Only for loading a
	// locally cached repository that was verified strictly when
	// synced; never set for network repositories.
	AllowExpired bool `yaml:"allow_expired"`

	// FetchRetries is the number of additional attempts after a
	// retryable fetch failure. Default: 3
	FetchRetries int `yaml:"fetch_retries"`

	// FetchBackoff is the base delay between fetch attempts, as a
	// duration string. Default: 1s
	FetchBackoff string `yaml:"fetch_backoff"`

	// MaxMetadataBytes bounds a metadata fetch. Default: 1 MiB.
	MaxMetadataBytes int64 `yaml:"max_metadata_bytes"`

	// MaxTargetBytes bounds an artifact fetch. Default: 256 MiB.
	MaxTargetBytes int64 `yaml:"max_target_bytes"`
}

// MigrationConfig configures artifact execution.
type MigrationConfig struct {
	// ScratchDir is where migration binaries are materialized before
	// execution; it must allow exec. Default: /run/caldera
	ScratchDir string `yaml:"scratch_dir"`

	// MaxArtifactBytes bounds an artifact's decompressed size.
	// Default: 256 MiB.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults are a base
// before loading the config file; the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Datastore: DatastoreConfig{
			Root: "/var/lib/caldera/datastore",
		},
		Repository: RepositoryConfig{
			RootPath:         "/etc/caldera/root.cbor",
			VersionsFile:     "/var/lib/caldera/trusted-versions.cbor",
			FetchRetries:     3,
			FetchBackoff:     "1s",
			MaxMetadataBytes: 1 << 20,
			MaxTargetBytes:   1 << 28,
		},
		Migration: MigrationConfig{
			ScratchDir:       "/run/caldera",
			MaxArtifactBytes: 1 << 28,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the CALDERA_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CALDERA_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CALDERA_CONFIG environment variable not set; " +
			"set it to the path of your caldera.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Datastore != nil {
		if overrides.Datastore.Root != "" {
			c.Datastore.Root = overrides.Datastore.Root
		}
		if overrides.Datastore.JournalFile != "" {
			c.Datastore.JournalFile = overrides.Datastore.JournalFile
		}
	}

	if overrides.Repository != nil {
		if overrides.Repository.MetadataURL != "" {
			c.Repository.MetadataURL = overrides.Repository.MetadataURL
		}
		if overrides.Repository.TargetsURL != "" {
			c.Repository.TargetsURL = overrides.Repository.TargetsURL
		}
		if overrides.Repository.RootPath != "" {
			c.Repository.RootPath = overrides.Repository.RootPath
		}
		if overrides.Repository.VersionsFile != "" {
			c.Repository.VersionsFile = overrides.Repository.VersionsFile
		}
		// AllowExpired is a bool, so overrides always apply it.
		c.Repository.AllowExpired = overrides.Repository.AllowExpired
		if overrides.Repository.FetchRetries != 0 {
			c.Repository.FetchRetries = overrides.Repository.FetchRetries
		}
		if overrides.Repository.FetchBackoff != "" {
			c.Repository.FetchBackoff = overrides.Repository.FetchBackoff
		}
		if overrides.Repository.MaxMetadataBytes != 0 {
			c.Repository.MaxMetadataBytes = overrides.Repository.MaxMetadataBytes
		}
		if overrides.Repository.MaxTargetBytes != 0 {
			c.Repository.MaxTargetBytes = overrides.Repository.MaxTargetBytes
		}
	}

	if overrides.Migration != nil {
		if overrides.Migration.ScratchDir != "" {
			c.Migration.ScratchDir = overrides.Migration.ScratchDir
		}
		if overrides.Migration.MaxArtifactBytes != 0 {
			c.Migration.MaxArtifactBytes = overrides.Migration.MaxArtifactBytes
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CALDERA_ROOT": c.Datastore.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Datastore.Root = expandVars(c.Datastore.Root, vars)
	vars["CALDERA_ROOT"] = c.Datastore.Root // Update for dependent paths.

	c.Datastore.JournalFile = expandVars(c.Datastore.JournalFile, vars)
	c.Repository.MetadataURL = expandVars(c.Repository.MetadataURL, vars)
	c.Repository.TargetsURL = expandVars(c.Repository.TargetsURL, vars)
	c.Repository.RootPath = expandVars(c.Repository.RootPath, vars)
	c.Repository.VersionsFile = expandVars(c.Repository.VersionsFile, vars)
	c.Migration.ScratchDir = expandVars(c.Migration.ScratchDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// FetchBackoffDuration parses the configured fetch backoff.
func (c *RepositoryConfig) FetchBackoffDuration() (time.Duration, error) {
	if c.FetchBackoff == "" {
		return time.Second, nil
	}
	backoff, err := time.ParseDuration(c.FetchBackoff)
	if err != nil {
		return 0, fmt.Errorf("repository.fetch_backoff: %w", err)
	}
	return backoff, nil
}

// JournalPath returns the configured journal location, defaulting to a
// file inside the datastore root.
func (c *Config) JournalPath() string {
	if c.Datastore.JournalFile != "" {
		return c.Datastore.JournalFile
	}
	return filepath.Join(c.Datastore.Root, "run-journal.cbor")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Datastore.Root == "" {
		errs = append(errs, errors.New("datastore.root is required"))
	}
	if c.Repository.MetadataURL == "" {
		errs = append(errs, errors.New("repository.metadata_url is required"))
	}
	if c.Repository.RootPath == "" {
		errs = append(errs, errors.New("repository.root_path is required"))
	}
	if c.Repository.FetchRetries < 0 {
		errs = append(errs, errors.New("repository.fetch_retries must not be negative"))
	}
	if _, err := c.Repository.FetchBackoffDuration(); err != nil {
		errs = append(errs, err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
