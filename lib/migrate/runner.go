// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/compress"
	"github.com/caldera-os/caldera/lib/datastore"
	"github.com/caldera-os/caldera/lib/trust"
)

// State is a migration step's position in the runner's state machine.
type State int

const (
	Pending State = iota
	Fetching
	Verifying
	Executing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fetching:
		return "fetching"
	case Verifying:
		return "verifying"
	case Executing:
		return "executing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result reports how far a migration path progressed. After a failure
// the final version is the last committed one, always a manifest-known
// version; the orchestrator uses it to decide what to do next.
type Result struct {
	InitialVersion  semver.Version
	FinalVersion    semver.Version
	FinalGeneration uint64
	Committed       []string
}

// Runner executes a resolved plan step by step. Each step is fetched,
// verified, executed and committed in strict order; the first failure
// halts the remaining path. Committed steps are never rolled back.
type Runner struct {
	Client  *trust.Client
	Adapter *datastore.Adapter
	Applier Applier

	// Journal, when non-nil, durably records each committed step.
	Journal *Journal

	// MaxArtifactBytes bounds an artifact's decompressed size. Zero
	// means 256 MiB.
	MaxArtifactBytes int64

	Log *slog.Logger
}

func (r *Runner) maxArtifactBytes() int64 {
	if r.MaxArtifactBytes > 0 {
		return r.MaxArtifactBytes
	}
	return 1 << 28
}

func (r *Runner) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// Run drives the plan to completion or first failure. On failure the
// returned Result still describes the committed prefix, and the error
// is a *StepError naming the failed migration and the state it failed
// in.
//
// Cancellation is honored between steps and during fetch and
// verification, where nothing persistent has changed. Once a step
// starts executing it runs to commit or failure; the context is
// deliberately not forwarded to the migration process.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*Result, error) {
	result := &Result{
		InitialVersion:  r.Adapter.Version(),
		FinalVersion:    r.Adapter.Version(),
		FinalGeneration: r.Adapter.Generation(),
	}
	if !result.InitialVersion.EQ(plan.Current) {
		return result, fmt.Errorf("plan starts at %s but the datastore is at %s", plan.Current, result.InitialVersion)
	}

	for _, step := range plan.Steps {
		log := r.log().With(
			"migration", step.Migration.Name,
			"from", step.From.String(),
			"to", step.To.String(),
			"direction", plan.Direction.String(),
		)
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("migration path cancelled before %s: %w", step.Migration.Name, err)
		}

		if err := r.runStep(ctx, plan.Direction, step, log); err != nil {
			log.Error("migration step failed", "error", err)
			return result, err
		}

		result.FinalVersion = r.Adapter.Version()
		result.FinalGeneration = r.Adapter.Generation()
		result.Committed = append(result.Committed, step.Migration.Name)
		log.Info("migration step committed", "generation", result.FinalGeneration)
	}
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, direction Direction, step Step, log *slog.Logger) error {
	name := step.Migration.Name
	fail := func(state State, err error) error {
		return &StepError{Migration: name, State: state, Err: err}
	}

	log.Debug("fetching migration artifact", "target", step.Migration.Target)
	stored, err := r.Client.FetchTarget(ctx, step.Migration.Target)
	if err != nil {
		// The client verifies what it fetched; attribute content
		// mismatches to verification, everything else to the fetch.
		state := Fetching
		if errors.Is(err, trust.ErrHashMismatch) || errors.Is(err, trust.ErrLengthMismatch) {
			state = Verifying
		}
		return fail(state, err)
	}

	tag, err := compress.ParseTag(step.Migration.Compression)
	if err != nil {
		return fail(Verifying, err)
	}
	artifact, err := compress.Decode(stored, tag, r.maxArtifactBytes())
	if err != nil {
		return fail(Verifying, fmt.Errorf("decompressing artifact: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return fail(Verifying, err)
	}

	handle, err := r.Adapter.BeginStep(r.Adapter.Generation(), step.To)
	if err != nil {
		return fail(Executing, err)
	}

	invocation := Invocation{
		Direction: direction,
		SourceDir: handle.SourceDir(),
		TargetDir: handle.WorkDir(),
		From:      step.From,
		To:        step.To,
	}
	log.Debug("executing migration", "source", invocation.SourceDir, "target", invocation.TargetDir)

	// From here on the step must reach commit or failure; a cancelled
	// caller context must not kill a migration mid-write.
	if err := r.Applier.Apply(context.WithoutCancel(ctx), artifact, invocation); err != nil {
		if abortErr := handle.Abort(); abortErr != nil {
			log.Warn("aborting failed step", "error", abortErr)
		}
		return fail(Executing, err)
	}

	generation, err := handle.Commit()
	if err != nil {
		if abortErr := handle.Abort(); abortErr != nil {
			log.Warn("aborting failed step", "error", abortErr)
		}
		return fail(Executing, fmt.Errorf("committing step: %w", err))
	}

	if r.Journal != nil {
		entry := Entry{
			Migration:   name,
			From:        step.From,
			To:          step.To,
			Generation:  generation,
			CommittedAt: time.Now().UTC(),
		}
		// The step is already durable; a journal write failure loses
		// only accounting, not data.
		if err := r.Journal.Append(entry); err != nil {
			log.Warn("recording committed step", "error", err)
		}
	}
	return nil
}
