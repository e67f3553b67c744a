// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caldera.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: development
repository:
  metadata_url: https://updates.example.com/metadata
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validating: %v", err)
	}

	if cfg.Datastore.Root != "/var/lib/caldera/datastore" {
		t.Errorf("datastore root = %q", cfg.Datastore.Root)
	}
	if cfg.Repository.FetchRetries != 3 {
		t.Errorf("fetch retries default = %d", cfg.Repository.FetchRetries)
	}
	if backoff, err := cfg.Repository.FetchBackoffDuration(); err != nil || backoff != time.Second {
		t.Errorf("fetch backoff default = %v, %v", backoff, err)
	}
	if got := cfg.JournalPath(); got != "/var/lib/caldera/datastore/run-journal.cbor" {
		t.Errorf("journal path = %q", got)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
repository:
  metadata_url: https://updates.example.com/metadata
logging:
  level: debug
production:
  logging:
    level: warn
    format: json
  repository:
    allow_expired: true
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("logging after overrides = %+v", cfg.Logging)
	}
	if !cfg.Repository.AllowExpired {
		t.Error("allow_expired override not applied")
	}
}

func TestOverridesIgnoredForOtherEnvironment(t *testing.T) {
	path := writeConfig(t, `
environment: development
repository:
  metadata_url: https://updates.example.com/metadata
production:
  logging:
    level: error
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level = %q, want the default", cfg.Logging.Level)
	}
}

func TestVariableExpansion(t *testing.T) {
	path := writeConfig(t, `
environment: development
datastore:
  root: ${HOME}/caldera/datastore
  journal_file: ${CALDERA_ROOT}/journal.cbor
repository:
  metadata_url: ${CALDERA_REPO:-https://updates.example.com/metadata}
`)
	t.Setenv("HOME", "/home/operator")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Datastore.Root != "/home/operator/caldera/datastore" {
		t.Errorf("datastore root = %q", cfg.Datastore.Root)
	}
	if cfg.Datastore.JournalFile != "/home/operator/caldera/datastore/journal.cbor" {
		t.Errorf("journal file = %q", cfg.Datastore.JournalFile)
	}
	if cfg.Repository.MetadataURL != "https://updates.example.com/metadata" {
		t.Errorf("metadata url = %q", cfg.Repository.MetadataURL)
	}
}

func TestValidateCatchesErrors(t *testing.T) {
	cfg := Default()
	cfg.Repository.MetadataURL = ""
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config passed validation")
	}
	for _, want := range []string{"metadata_url", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("CALDERA_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("load without CALDERA_CONFIG succeeded")
	}
}
