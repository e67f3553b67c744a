// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "time"

// FixedClock returns a clock function pinned to the given instant.
func FixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}
