// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"fmt"

	"github.com/blang/semver/v4"
)

// GapError reports that no migration covers a version the resolver's
// walk reached, leaving the requested transition unreachable.
type GapError struct {
	Cursor semver.Version
	Target semver.Version
}

func (e *GapError) Error() string {
	return fmt.Sprintf("no migration covers %s on the way to %s", e.Cursor, e.Target)
}

// AmbiguousError reports that more than one migration claims the same
// transition. The manifest is at fault; the resolver never picks one
// heuristically.
type AmbiguousError struct {
	From  semver.Version
	To    semver.Version
	Names []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("migrations %v all cover %s to %s", e.Names, e.From, e.To)
}

// StepError reports which migration failed, in which runner state, and
// why. The datastore is left at the last committed version.
type StepError struct {
	Migration string
	State     State
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration %s failed while %s: %v", e.Migration, e.State, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
