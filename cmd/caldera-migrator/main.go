// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// caldera-migrator runs datastore migrations during an update or
// rollback. It is invoked by the update orchestrator with a target
// datastore version, verifies the migration repository against the
// host's trust anchor, resolves the path from the current version, and
// executes each step in its own transaction.
//
// The process exit status is the orchestrator contract: zero means the
// datastore is at the target version; non-zero means it was left at the
// last committed version, reported on stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/caldera-os/caldera/lib/config"
	"github.com/caldera-os/caldera/lib/datastore"
	"github.com/caldera-os/caldera/lib/manifest"
	"github.com/caldera-os/caldera/lib/migrate"
	"github.com/caldera-os/caldera/lib/process"
	"github.com/caldera-os/caldera/lib/trust"
	"github.com/caldera-os/caldera/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(exitErr.ExitCode())
		}
		process.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("caldera-migrator", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file (default $CALDERA_CONFIG)")
	datastoreRoot := flags.String("datastore-path", "", "datastore root, overriding the config")
	migrateTo := flags.String("migrate-to-version", "", "datastore version to migrate to")
	planOnly := flags.Bool("plan", false, "resolve and print the migration path without executing")
	adopt := flags.Bool("adopt", false, "adopt the target version without running migrations")
	showVersion := flags.Bool("version", false, "print version information")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version.Info())
		return nil
	}
	if *migrateTo == "" {
		return fmt.Errorf("--migrate-to-version is required")
	}
	target, err := manifest.ParseVersion(*migrateTo)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	root := cfg.Datastore.Root
	if *datastoreRoot != "" {
		root = *datastoreRoot
	}
	adapter, err := datastore.Open(root)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer adapter.Close()

	log.Info("datastore opened",
		"root", root,
		"version", adapter.Version().String(),
		"generation", adapter.Generation(),
		"target", target.String())

	if adapter.Version().EQ(target) {
		log.Info("datastore already at target version")
		return nil
	}

	// An adopt flips the link chain to the target version without
	// consulting the repository. The orchestrator uses it for updates
	// known to carry no datastore changes.
	if *adopt {
		if err := adapter.AdoptVersion(target); err != nil {
			return fmt.Errorf("adopting version %s: %w", target, err)
		}
		log.Info("adopted target version without migrations", "version", target.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := loadTrustClient(ctx, cfg, log)
	if err != nil {
		return err
	}

	engine := &migrate.Engine{
		Client:           client,
		Adapter:          adapter,
		Applier:          &migrate.ExecApplier{ScratchDir: cfg.Migration.ScratchDir},
		JournalPath:      cfg.JournalPath(),
		MaxArtifactBytes: cfg.Migration.MaxArtifactBytes,
		Log:              log,
	}

	if *planOnly {
		plan, err := engine.Plan(ctx, target)
		if err != nil {
			return err
		}
		if len(plan.Steps) == 0 {
			fmt.Printf("no migrations needed from %s to %s\n", plan.Current, plan.Target)
			return nil
		}
		for i, step := range plan.Steps {
			fmt.Printf("%d. %s %s (%s to %s)\n",
				i+1, plan.Direction, step.Migration.Name, step.From, step.To)
		}
		return nil
	}

	result, err := engine.Migrate(ctx, target)
	if err != nil {
		var stepErr *migrate.StepError
		if errors.As(err, &stepErr) && result != nil {
			log.Error("migration run failed",
				"failed_migration", stepErr.Migration,
				"state", stepErr.State.String(),
				"datastore_version", result.FinalVersion.String(),
				"committed", len(result.Committed))
			return fmt.Errorf("datastore remains at %s: %w", result.FinalVersion, err)
		}
		return err
	}

	log.Info("migration run complete",
		"from", result.InitialVersion.String(),
		"to", result.FinalVersion.String(),
		"generation", result.FinalGeneration,
		"migrations", strings.Join(result.Committed, ","))
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadTrustClient verifies the repository metadata chain and persists
// the advanced rollback floor before any artifact is fetched.
func loadTrustClient(ctx context.Context, cfg *config.Config, log *slog.Logger) (*trust.Client, error) {
	rootData, err := os.ReadFile(cfg.Repository.RootPath)
	if err != nil {
		return nil, fmt.Errorf("reading trust anchor: %w", err)
	}

	versions, err := trust.LoadTrustedVersions(cfg.Repository.VersionsFile)
	if err != nil {
		return nil, err
	}

	backoff, err := cfg.Repository.FetchBackoffDuration()
	if err != nil {
		return nil, err
	}
	metadata := newTransport(cfg.Repository.MetadataURL, cfg.Repository.FetchRetries, backoff)
	targets := metadata
	if cfg.Repository.TargetsURL != "" {
		targets = newTransport(cfg.Repository.TargetsURL, cfg.Repository.FetchRetries, backoff)
	}

	enforcement := trust.ExpirationStrict
	if cfg.Repository.AllowExpired {
		enforcement = trust.ExpirationUnsafe
	}

	client, err := trust.Load(ctx, rootData, trust.Options{
		MetadataTransport: metadata,
		TargetsTransport:  targets,
		TrustedVersions:   versions,
		Expiration:        enforcement,
		MaxMetadataBytes:  cfg.Repository.MaxMetadataBytes,
		MaxTargetBytes:    cfg.Repository.MaxTargetBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("verifying repository: %w", err)
	}

	// Persisting the floor is best-effort: a failure here weakens
	// rollback protection for the next attempt but must not abort a
	// verified update.
	if cfg.Repository.VersionsFile != "" {
		if err := client.TrustedVersions().Save(cfg.Repository.VersionsFile); err != nil {
			log.Warn("persisting trusted metadata versions", "error", err)
		}
	}
	return client, nil
}

// newTransport selects the repository transport by URL shape: http(s)
// URLs fetch over the network with retries, anything else is a local
// directory (the boot-time case, where the repository was synced and
// verified earlier).
func newTransport(location string, retries int, backoff time.Duration) trust.Transport {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return &trust.HTTPTransport{
			BaseURL: location,
			Retries: retries,
			Backoff: backoff,
		}
	}
	return &trust.FilesystemTransport{Dir: location}
}
