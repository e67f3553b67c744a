// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError carries a specific process exit code through the error
// return path of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the process exit code. main() checks for this
// interface before defaulting to 1.
func (e *ExitError) ExitCode() int {
	return e.Code
}
