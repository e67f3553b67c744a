// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"errors"
	"testing"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/manifest"
)

func mig(name, from, to string) manifest.Migration {
	return manifest.Migration{
		Name:   name,
		From:   semver.MustParse(from),
		To:     semver.MustParse(to),
		Target: name + ".lz4",
	}
}

func stepNames(plan *Plan) []string {
	names := make([]string, len(plan.Steps))
	for i, step := range plan.Steps {
		names[i] = step.Migration.Name
	}
	return names
}

func TestResolveForward(t *testing.T) {
	m := &manifest.Manifest{
		Schema: manifest.SchemaVersion,
		Migrations: []manifest.Migration{
			mig("second", "1.1.0", "1.2.0"),
			mig("first", "1.0.0", "1.1.0"),
			mig("beyond", "1.2.0", "1.3.0"),
		},
	}

	plan, err := Resolve(m, semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if plan.Direction != Forward {
		t.Fatalf("direction is %s, want forward", plan.Direction)
	}
	got := stepNames(plan)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("steps are %v, want [first second]", got)
	}

	// Each step's transition chains exactly onto the previous one.
	cursor := plan.Current
	for _, step := range plan.Steps {
		if !step.From.EQ(cursor) {
			t.Fatalf("step %s starts at %s, cursor is %s", step.Migration.Name, step.From, cursor)
		}
		cursor = step.To
	}
	if !cursor.EQ(plan.Target) {
		t.Fatalf("path ends at %s, want %s", cursor, plan.Target)
	}
}

func TestResolveBackward(t *testing.T) {
	m := &manifest.Manifest{
		Schema: manifest.SchemaVersion,
		Migrations: []manifest.Migration{
			mig("first", "1.0.0", "1.1.0"),
			mig("second", "1.1.0", "1.2.0"),
		},
	}

	plan, err := Resolve(m, semver.MustParse("1.2.0"), semver.MustParse("1.0.0"))
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if plan.Direction != Backward {
		t.Fatalf("direction is %s, want backward", plan.Direction)
	}
	got := stepNames(plan)
	if len(got) != 2 || got[0] != "second" || got[1] != "first" {
		t.Fatalf("steps are %v, want [second first]", got)
	}
	if !plan.Steps[0].From.EQ(semver.MustParse("1.2.0")) || !plan.Steps[0].To.EQ(semver.MustParse("1.1.0")) {
		t.Fatalf("first backward step is %s to %s", plan.Steps[0].From, plan.Steps[0].To)
	}
}

func TestResolveNoMigrationNeeded(t *testing.T) {
	m := &manifest.Manifest{Schema: manifest.SchemaVersion}
	plan, err := Resolve(m, semver.MustParse("1.0.0"), semver.MustParse("1.0.0"))
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if len(plan.Steps) != 0 {
		t.Fatalf("equal versions produced %d steps", len(plan.Steps))
	}
}

func TestResolveGap(t *testing.T) {
	m := &manifest.Manifest{
		Schema: manifest.SchemaVersion,
		Migrations: []manifest.Migration{
			mig("first", "1.0.0", "1.1.0"),
			mig("third", "1.2.0", "1.3.0"),
		},
	}

	_, err := Resolve(m, semver.MustParse("1.0.0"), semver.MustParse("1.3.0"))
	var gap *GapError
	if !errors.As(err, &gap) {
		t.Fatalf("resolving across a gap: got %v, want GapError", err)
	}
	if !gap.Cursor.EQ(semver.MustParse("1.1.0")) {
		t.Fatalf("gap reported at %s, want 1.1.0", gap.Cursor)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	m := &manifest.Manifest{
		Schema: manifest.SchemaVersion,
		Migrations: []manifest.Migration{
			mig("one", "1.0.0", "1.1.0"),
			mig("two", "1.0.0", "1.1.0"),
		},
	}

	_, err := Resolve(m, semver.MustParse("1.0.0"), semver.MustParse("1.1.0"))
	var ambiguous *AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("resolving duplicate transitions: got %v, want AmbiguousError", err)
	}
	if len(ambiguous.Names) != 2 {
		t.Fatalf("ambiguity names %v, want both migrations", ambiguous.Names)
	}
}

func TestPlanReverse(t *testing.T) {
	m := &manifest.Manifest{
		Schema: manifest.SchemaVersion,
		Migrations: []manifest.Migration{
			mig("first", "1.0.0", "1.1.0"),
			mig("second", "1.1.0", "1.2.0"),
		},
	}

	forward, err := Resolve(m, semver.MustParse("1.0.0"), semver.MustParse("1.2.0"))
	if err != nil {
		t.Fatalf("resolving forward: %v", err)
	}
	backward, err := Resolve(m, semver.MustParse("1.2.0"), semver.MustParse("1.0.0"))
	if err != nil {
		t.Fatalf("resolving backward: %v", err)
	}

	reversed := forward.Reverse()
	if reversed.Direction != Backward {
		t.Fatalf("reversed direction is %s", reversed.Direction)
	}
	if got, want := stepNames(reversed), stepNames(backward); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("reversed plan %v differs from resolved backward plan %v", got, want)
	}
}
