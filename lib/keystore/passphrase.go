// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PassphraseEnv, when set, supplies the keystore passphrase without a
// prompt. Intended for release automation; interactive use should type
// it.
const PassphraseEnv = "CALDERA_KEY_PASSPHRASE"

// ReadPassphrase obtains the keystore passphrase: from the environment
// if set, otherwise by prompting on the terminal with echo disabled.
// With confirm set, the passphrase must be typed twice, for key
// creation. Fails when no environment variable is set and stdin is not
// a terminal.
func ReadPassphrase(confirm bool) (string, error) {
	if passphrase, ok := os.LookupEnv(PassphraseEnv); ok {
		if passphrase == "" {
			return "", fmt.Errorf("%s is set but empty", PassphraseEnv)
		}
		return passphrase, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set %s", PassphraseEnv)
	}

	passphrase, err := prompt(fd, "Passphrase: ")
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		return "", errors.New("empty passphrase")
	}
	if confirm {
		again, err := prompt(fd, "Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if passphrase != again {
			return "", errors.New("passphrases do not match")
		}
	}
	return passphrase, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	entered, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(entered), nil
}
