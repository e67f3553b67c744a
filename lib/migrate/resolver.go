// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"sort"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/manifest"
)

// Direction is the sense in which a migration artifact is invoked.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Step is one resolved migration invocation: the manifest entry plus
// the concrete transition it performs in the plan's direction. For a
// backward step, From is the entry's to version and To its from
// version.
type Step struct {
	Migration manifest.Migration
	From      semver.Version
	To        semver.Version
}

// Plan is an ordered migration path. An empty Steps slice means the
// datastore content already matches; the version naming may still need
// to advance to Target.
type Plan struct {
	Direction Direction
	Current   semver.Version
	Target    semver.Version
	Steps     []Step
}

// Resolve computes the migration path from current to target. The walk
// is pure ordering over the manifest's declared transitions, never
// graph search: from the cursor version, exactly one migration must
// continue toward the target. Zero continuing migrations is a
// GapError; more than one is an AmbiguousError.
func Resolve(m *manifest.Manifest, current, target semver.Version) (*Plan, error) {
	plan := &Plan{Current: current, Target: target}
	if current.GT(target) {
		plan.Direction = Backward
	}
	if current.EQ(target) {
		return plan, nil
	}

	cursor := current
	for !cursor.EQ(target) {
		var candidates []manifest.Migration
		for _, mig := range m.Migrations {
			if plan.Direction == Forward && mig.From.EQ(cursor) && mig.To.LE(target) {
				candidates = append(candidates, mig)
			}
			if plan.Direction == Backward && mig.To.EQ(cursor) && mig.From.GE(target) {
				candidates = append(candidates, mig)
			}
		}

		switch len(candidates) {
		case 0:
			return nil, &GapError{Cursor: cursor, Target: target}
		case 1:
		default:
			names := make([]string, len(candidates))
			for i, mig := range candidates {
				names[i] = mig.Name
			}
			sort.Strings(names)
			step := stepFor(candidates[0], plan.Direction)
			return nil, &AmbiguousError{From: step.From, To: step.To, Names: names}
		}

		step := stepFor(candidates[0], plan.Direction)
		plan.Steps = append(plan.Steps, step)
		cursor = step.To
	}
	return plan, nil
}

func stepFor(mig manifest.Migration, direction Direction) Step {
	if direction == Backward {
		return Step{Migration: mig, From: mig.To, To: mig.From}
	}
	return Step{Migration: mig, From: mig.From, To: mig.To}
}

// Reverse returns the plan that undoes this one: the same migrations
// in opposite order, each inverted. Applying a plan and then its
// reverse restores the original datastore version.
func (p *Plan) Reverse() *Plan {
	reversed := &Plan{
		Direction: Forward,
		Current:   p.Target,
		Target:    p.Current,
	}
	if p.Direction == Forward {
		reversed.Direction = Backward
	}
	for i := len(p.Steps) - 1; i >= 0; i-- {
		step := p.Steps[i]
		reversed.Steps = append(reversed.Steps, Step{
			Migration: step.Migration,
			From:      step.To,
			To:        step.From,
		})
	}
	return reversed
}
