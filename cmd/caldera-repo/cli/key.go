// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/caldera-os/caldera/lib/keystore"
	"github.com/caldera-os/caldera/lib/trust"
)

// defaultKeystoreDir is where signing keys live unless --keystore says
// otherwise.
func defaultKeystoreDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".caldera", "keystore")
	}
	return ".caldera-keystore"
}

// NewKeyCommand returns the "key" subtree: generation and listing of
// passphrase-sealed repository signing keys.
func NewKeyCommand() *Command {
	return &Command{
		Name:    "key",
		Summary: "Manage repository signing keys",
		Subcommands: []*Command{
			newKeyGenerateCommand(),
			newKeyListCommand(),
			newKeyShowCommand(),
		},
	}
}

func newKeyGenerateCommand() *Command {
	var keystoreDir string

	command := &Command{
		Name:    "generate",
		Summary: "Generate a new Ed25519 signing key",
		Usage:   "caldera-repo key generate [flags] <name>",
		Description: "Generates a fresh Ed25519 signing key and seals it into the\n" +
			"keystore under the given name. The passphrase is read from\n" +
			"CALDERA_KEY_PASSPHRASE or prompted for on the terminal.",
		Examples: []Example{
			{
				Description: "Generate a key for the targets role",
				Command:     "caldera-repo key generate release-targets",
			},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("generate", pflag.ContinueOnError)
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one key name, got %d arguments", len(args))
		}
		name := args[0]

		passphrase, err := keystore.ReadPassphrase(true)
		if err != nil {
			return err
		}

		signer, err := trust.GenerateSigner()
		if err != nil {
			return err
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		if err := store.Save(name, signer, passphrase); err != nil {
			return err
		}

		fmt.Printf("generated key %q\n  key ID: %s\n", name, signer.ID())
		return nil
	}
	return command
}

func newKeyListCommand() *Command {
	var keystoreDir string

	command := &Command{
		Name:    "list",
		Summary: "List keys in the keystore",
		Usage:   "caldera-repo key list [flags]",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 0 {
			return fmt.Errorf("unexpected arguments: %v", args)
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		names, err := store.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("keystore is empty")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}
	return command
}

func newKeyShowCommand() *Command {
	var keystoreDir string

	command := &Command{
		Name:    "show",
		Summary: "Show a key's ID and public key",
		Usage:   "caldera-repo key show [flags] <name>",
		Description: "Unseals the named key and prints its key ID and hex-encoded\n" +
			"public key. The key ID is what root documents reference.",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("show", pflag.ContinueOnError)
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one key name, got %d arguments", len(args))
		}
		passphrase, err := keystore.ReadPassphrase(false)
		if err != nil {
			return err
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		signer, err := store.Load(args[0], passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("key ID:     %s\npublic key: %x\n", signer.ID(), signer.Public().Value)
		return nil
	}
	return command
}
