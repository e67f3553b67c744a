// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"context"
	"log/slog"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/datastore"
	"github.com/caldera-os/caldera/lib/manifest"
	"github.com/caldera-os/caldera/lib/trust"
)

// Engine ties the layers together for one update attempt: it loads the
// verified manifest, resolves the path from the datastore's current
// version to a target, and runs it.
type Engine struct {
	Client  *trust.Client
	Adapter *datastore.Adapter
	Applier Applier

	// JournalPath, when non-empty, is where committed steps are
	// recorded during the run.
	JournalPath string

	// MaxArtifactBytes bounds an artifact's decompressed size. Zero
	// means the runner default.
	MaxArtifactBytes int64

	Log *slog.Logger
}

// LoadManifest fetches and parses the migration manifest through the
// trust client, so its content is hash-verified before any entry is
// believed.
func (e *Engine) LoadManifest(ctx context.Context) (*manifest.Manifest, error) {
	meta, err := e.Client.TargetMeta(manifest.TargetName)
	if err != nil {
		return nil, err
	}
	data, err := e.Client.FetchTarget(ctx, manifest.TargetName)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	m.Origin = manifest.Origin{
		Target: manifest.TargetName,
		Hash:   trust.FormatHash(meta.Hash),
		Length: meta.Length,
	}
	return m, nil
}

// Plan resolves the migration path from the datastore's current
// version to target without executing anything.
func (e *Engine) Plan(ctx context.Context, target semver.Version) (*Plan, error) {
	m, err := e.LoadManifest(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(m, e.Adapter.Version(), target)
}

// Migrate resolves and runs the path to target. Resolution errors
// leave the datastore untouched; execution errors leave it at the last
// committed version, reported in the Result alongside the error.
//
// On success the run journal is discarded; on failure it is kept for
// the orchestrator to inspect.
func (e *Engine) Migrate(ctx context.Context, target semver.Version) (*Result, error) {
	plan, err := e.Plan(ctx, target)
	if err != nil {
		return nil, err
	}

	var journal *Journal
	if e.JournalPath != "" {
		journal, err = OpenJournal(e.JournalPath)
		if err != nil {
			return nil, err
		}
	}

	runner := &Runner{
		Client:           e.Client,
		Adapter:          e.Adapter,
		Applier:          e.Applier,
		Journal:          journal,
		MaxArtifactBytes: e.MaxArtifactBytes,
		Log:              e.Log,
	}
	result, runErr := runner.Run(ctx, plan)

	if journal != nil {
		// The journal is accounting, not the source of truth: once the
		// run succeeded the datastore is at the target version, and a
		// leftover journal file must not turn that into a failure.
		if runErr == nil {
			if err := journal.Discard(); err != nil && e.Log != nil {
				e.Log.Warn("discarding run journal", "error", err)
			}
		} else if err := journal.Close(); err != nil && e.Log != nil {
			e.Log.Warn("closing run journal", "error", err)
		}
	}
	return result, runErr
}
