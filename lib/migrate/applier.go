// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/blang/semver/v4"
)

// Invocation is the context a migration artifact receives: the
// direction to apply, the directory of the store it reads, and the
// directory it must write the transformed store into. A migration must
// either produce a complete store in TargetDir or fail; it must never
// touch SourceDir.
type Invocation struct {
	Direction Direction
	SourceDir string
	TargetDir string
	From      semver.Version
	To        semver.Version
}

// Applier executes one verified migration artifact. Implementations
// report failure through the returned error; any partial writes to the
// target directory are discarded by the caller on failure.
type Applier interface {
	Apply(ctx context.Context, artifact []byte, invocation Invocation) error
}

// ExecApplier runs migration artifacts as external processes, the
// production execution model: each artifact is a self-contained
// executable invoked as
//
//	<artifact> --forward|--backward \
//	    --source-datastore <dir> --target-datastore <dir>
//
// and reports success via its exit status.
type ExecApplier struct {
	// ScratchDir is where artifact bytes are materialized before
	// execution. Empty means the system temporary directory. It should
	// be on a filesystem that permits execution.
	ScratchDir string
}

// Apply writes the artifact to a private executable file and runs it.
// Process output is captured and returned as part of the error on
// failure.
func (a *ExecApplier) Apply(ctx context.Context, artifact []byte, invocation Invocation) error {
	dir, err := os.MkdirTemp(a.ScratchDir, "caldera-migration-*")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	binary := filepath.Join(dir, invocation.Migration())
	if err := os.WriteFile(binary, artifact, 0o700); err != nil {
		return fmt.Errorf("materializing migration binary: %w", err)
	}

	command := exec.CommandContext(ctx, binary,
		"--"+invocation.Direction.String(),
		"--source-datastore", invocation.SourceDir,
		"--target-datastore", invocation.TargetDir,
	)
	var output bytes.Buffer
	command.Stdout = &output
	command.Stderr = &output

	if err := command.Run(); err != nil {
		text := bytes.TrimSpace(output.Bytes())
		if len(text) > 0 {
			return fmt.Errorf("migration process: %w: %s", err, text)
		}
		return fmt.Errorf("migration process: %w", err)
	}
	return nil
}

// Migration names the invocation's transition, used for scratch file
// naming and logging.
func (i Invocation) Migration() string {
	return fmt.Sprintf("migrate_%s_to_%s", i.From, i.To)
}
