// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/caldera-os/caldera/lib/codec"
	"github.com/caldera-os/caldera/lib/keystore"
	"github.com/caldera-os/caldera/lib/trust"
)

// NewRootCommand returns the "root" subtree: the lifecycle of the root
// document, from an empty draft through key assignment to a signed,
// publishable trust anchor.
//
// A draft root is a plain encoded document edited in place by the
// subcommands; "sign" turns it into a signed envelope. Each operation
// is independent so multi-party ceremonies can pass the draft between
// operators.
func NewRootCommand() *Command {
	return &Command{
		Name:    "root",
		Summary: "Manage the root trust document",
		Subcommands: []*Command{
			newRootInitCommand(),
			newRootSetExpirationCommand(),
			newRootSetThresholdCommand(),
			newRootAddKeyCommand(),
			newRootRemoveKeyCommand(),
			newRootRotateCommand(),
			newRootSignCommand(),
			newRootCountersignCommand(),
			newRootShowCommand(),
		},
	}
}

// loadDraftRoot reads an unsigned root document.
func loadDraftRoot(path string) (*trust.Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading root draft: %w", err)
	}
	var root trust.Root
	if err := codec.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding root draft %s: %w", path, err)
	}
	if root.Type != trust.RoleRoot {
		return nil, fmt.Errorf("%s is not a root document (type %q)", path, root.Type)
	}
	return &root, nil
}

func saveDraftRoot(path string, root *trust.Root) error {
	data, err := codec.Marshal(root)
	if err != nil {
		return fmt.Errorf("encoding root draft: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing root draft: %w", err)
	}
	return nil
}

// loadSignedRoot reads a signed root envelope and decodes its payload.
func loadSignedRoot(path string) (*trust.Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signed root: %w", err)
	}
	envelope, err := trust.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var root trust.Root
	if err := envelope.Decode(&root); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if root.Type != trust.RoleRoot {
		return nil, fmt.Errorf("%s is not a root document (type %q)", path, root.Type)
	}
	return &root, nil
}

func parseRole(name string) (trust.Role, error) {
	role := trust.Role(name)
	for _, known := range trust.AllRoles() {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown role %q (valid: root, targets, snapshot, timestamp)", name)
}

func newRootInitCommand() *Command {
	var expiresDays int

	command := &Command{
		Name:    "init",
		Summary: "Create a new empty root draft",
		Usage:   "caldera-repo root init [flags] <file>",
		Description: "Creates a version-1 root draft with empty key assignments and\n" +
			"a threshold of 1 for every role. Add keys and adjust thresholds,\n" +
			"then sign it to produce the trust anchor.",
		Examples: []Example{
			{Command: "caldera-repo root init --expires-days 365 root.draft.cbor"},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
		flags.IntVar(&expiresDays, "expires-days", 365, "days until the root expires")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		root := trust.NewRoot(time.Now().UTC().AddDate(0, 0, expiresDays))
		if err := saveDraftRoot(path, root); err != nil {
			return err
		}
		fmt.Printf("created root draft %s (version 1, expires %s)\n",
			path, root.Expires.Format(time.RFC3339))
		return nil
	}
	return command
}

func newRootSetExpirationCommand() *Command {
	var expiresDays int

	command := &Command{
		Name:    "set-expiration",
		Summary: "Set the draft's expiration date",
		Usage:   "caldera-repo root set-expiration [flags] <file>",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("set-expiration", pflag.ContinueOnError)
		flags.IntVar(&expiresDays, "expires-days", 365, "days from now until the root expires")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		root, err := loadDraftRoot(args[0])
		if err != nil {
			return err
		}
		root.Expires = time.Now().UTC().AddDate(0, 0, expiresDays)
		if err := saveDraftRoot(args[0], root); err != nil {
			return err
		}
		fmt.Printf("root now expires %s\n", root.Expires.Format(time.RFC3339))
		return nil
	}
	return command
}

func newRootSetThresholdCommand() *Command {
	var roleName string
	var threshold int

	command := &Command{
		Name:    "set-threshold",
		Summary: "Set a role's signature threshold",
		Usage:   "caldera-repo root set-threshold [flags] <file>",
		Examples: []Example{
			{Command: "caldera-repo root set-threshold --role root --threshold 2 root.draft.cbor"},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("set-threshold", pflag.ContinueOnError)
		flags.StringVar(&roleName, "role", "", "role to adjust (root, targets, snapshot, timestamp)")
		flags.IntVar(&threshold, "threshold", 1, "required number of distinct valid signatures")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		role, err := parseRole(roleName)
		if err != nil {
			return err
		}
		root, err := loadDraftRoot(args[0])
		if err != nil {
			return err
		}
		if err := root.SetThreshold(role, threshold); err != nil {
			return err
		}
		return saveDraftRoot(args[0], root)
	}
	return command
}

func newRootAddKeyCommand() *Command {
	var roleName string
	var keyName string
	var keystoreDir string

	command := &Command{
		Name:    "add-key",
		Summary: "Assign a keystore key to a role",
		Usage:   "caldera-repo root add-key [flags] <file>",
		Description: "Unseals the named keystore key and registers its public half\n" +
			"in the draft, assigned to the given role. The same key may be\n" +
			"assigned to several roles.",
		Examples: []Example{
			{Command: "caldera-repo root add-key --role timestamp --key release-online root.draft.cbor"},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("add-key", pflag.ContinueOnError)
		flags.StringVar(&roleName, "role", "", "role to assign the key to")
		flags.StringVar(&keyName, "key", "", "keystore key name")
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		if keyName == "" {
			return fmt.Errorf("--key is required")
		}
		role, err := parseRole(roleName)
		if err != nil {
			return err
		}

		passphrase, err := keystore.ReadPassphrase(false)
		if err != nil {
			return err
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		signer, err := store.Load(keyName, passphrase)
		if err != nil {
			return err
		}

		root, err := loadDraftRoot(args[0])
		if err != nil {
			return err
		}
		if err := root.AddKey(role, signer.Public()); err != nil {
			return err
		}
		if err := saveDraftRoot(args[0], root); err != nil {
			return err
		}
		fmt.Printf("assigned key %s to role %s\n", signer.ID(), role)
		return nil
	}
	return command
}

func newRootRemoveKeyCommand() *Command {
	var roleName string
	var keyID string

	command := &Command{
		Name:    "remove-key",
		Summary: "Remove a key from a role",
		Usage:   "caldera-repo root remove-key [flags] <file>",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("remove-key", pflag.ContinueOnError)
		flags.StringVar(&roleName, "role", "", "role to remove the key from")
		flags.StringVar(&keyID, "key-id", "", "ID of the key to remove")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		if keyID == "" {
			return fmt.Errorf("--key-id is required")
		}
		role, err := parseRole(roleName)
		if err != nil {
			return err
		}
		root, err := loadDraftRoot(args[0])
		if err != nil {
			return err
		}
		if err := root.RemoveKey(role, keyID); err != nil {
			return err
		}
		return saveDraftRoot(args[0], root)
	}
	return command
}

func newRootRotateCommand() *Command {
	var expiresDays int

	command := &Command{
		Name:    "rotate",
		Summary: "Start a rotation draft from a signed root",
		Usage:   "caldera-repo root rotate [flags] <signed-root> <draft-file>",
		Description: "Creates a draft for the next root version, carrying over the\n" +
			"current keys and thresholds. Edit the draft (swap keys, change\n" +
			"thresholds), then sign it with --previous pointing at the root\n" +
			"it replaces so clients can follow the rotation.",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("rotate", pflag.ContinueOnError)
		flags.IntVar(&expiresDays, "expires-days", 365, "days until the new root expires")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("expected <signed-root> and <draft-file> paths")
		}
		current, err := loadSignedRoot(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(args[1]); err == nil {
			return fmt.Errorf("%s already exists", args[1])
		}
		next := trust.NextRoot(current, time.Now().UTC().AddDate(0, 0, expiresDays))
		if err := saveDraftRoot(args[1], next); err != nil {
			return err
		}
		fmt.Printf("created rotation draft %s (version %d)\n", args[1], next.Version)
		return nil
	}
	return command
}

func newRootSignCommand() *Command {
	var keyNames []string
	var keystoreDir string
	var previousPath string
	var outPath string

	command := &Command{
		Name:    "sign",
		Summary: "Sign a root draft into a publishable envelope",
		Usage:   "caldera-repo root sign [flags] <draft-file>",
		Description: "Seals the draft and signs it with each named keystore key.\n" +
			"The result must meet the draft's own root threshold; when\n" +
			"--previous names the root being rotated, the previous root's\n" +
			"threshold must be met as well.",
		Examples: []Example{
			{Command: "caldera-repo root sign --key offline-a --key offline-b root.draft.cbor"},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("sign", pflag.ContinueOnError)
		flags.StringArrayVar(&keyNames, "key", nil, "keystore key to sign with (repeatable)")
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		flags.StringVar(&previousPath, "previous", "", "signed root this draft rotates, if any")
		flags.StringVar(&outPath, "out", "", "output file (default <version>.root.cbor)")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one draft file path")
		}
		if len(keyNames) == 0 {
			return fmt.Errorf("at least one --key is required")
		}

		root, err := loadDraftRoot(args[0])
		if err != nil {
			return err
		}
		var previous *trust.Root
		if previousPath != "" {
			if previous, err = loadSignedRoot(previousPath); err != nil {
				return err
			}
			if previous.Version+1 != root.Version {
				return fmt.Errorf("draft version %d does not follow previous version %d",
					root.Version, previous.Version)
			}
		}

		passphrase, err := keystore.ReadPassphrase(false)
		if err != nil {
			return err
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		signers := make([]*trust.Signer, 0, len(keyNames))
		for _, name := range keyNames {
			signer, err := store.Load(name, passphrase)
			if err != nil {
				return err
			}
			signers = append(signers, signer)
		}

		signed, err := trust.SignRoot(root, previous, signers)
		if err != nil {
			return err
		}

		if outPath == "" {
			outPath = trust.MetadataFilename(trust.RoleRoot, root.Version)
		}
		if err := os.WriteFile(outPath, signed, 0o644); err != nil {
			return fmt.Errorf("writing signed root: %w", err)
		}
		fmt.Printf("wrote signed root version %d to %s\n", root.Version, outPath)
		return nil
	}
	return command
}

func newRootCountersignCommand() *Command {
	var keyNames []string
	var keystoreDir string

	command := &Command{
		Name:    "countersign",
		Summary: "Add signatures to an already signed root",
		Usage:   "caldera-repo root countersign [flags] <signed-root>",
		Description: "Adds this operator's signatures to an existing signed root\n" +
			"envelope without disturbing the ones already present, so a\n" +
			"threshold can be met across machines. Signing again with a key\n" +
			"that already signed replaces its signature.",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("countersign", pflag.ContinueOnError)
		flags.StringArrayVar(&keyNames, "key", nil, "keystore key to sign with (repeatable)")
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one signed root path")
		}
		if len(keyNames) == 0 {
			return fmt.Errorf("at least one --key is required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading signed root: %w", err)
		}
		envelope, err := trust.DecodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		var root trust.Root
		if err := envelope.Decode(&root); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if root.Type != trust.RoleRoot {
			return fmt.Errorf("%s is not a root document (type %q)", args[0], root.Type)
		}

		passphrase, err := keystore.ReadPassphrase(false)
		if err != nil {
			return err
		}
		store := &keystore.Keystore{Dir: keystoreDir}
		for _, name := range keyNames {
			signer, err := store.Load(name, passphrase)
			if err != nil {
				return err
			}
			envelope.Sign(signer)
		}

		signed, err := envelope.Encode()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], signed, 0o644); err != nil {
			return fmt.Errorf("writing signed root: %w", err)
		}
		fmt.Printf("root version %d now carries %d signatures\n", root.Version, len(envelope.Signatures))
		return nil
	}
	return command
}

func newRootShowCommand() *Command {
	command := &Command{
		Name:    "show",
		Summary: "Print a root document (draft or signed)",
		Usage:   "caldera-repo root show <file>",
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one file path")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var root *trust.Root
		signatures := 0
		if envelope, err := trust.DecodeEnvelope(data); err == nil {
			var decoded trust.Root
			if err := envelope.Decode(&decoded); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			root = &decoded
			signatures = len(envelope.Signatures)
		} else {
			var decoded trust.Root
			if err := codec.Unmarshal(data, &decoded); err != nil {
				return fmt.Errorf("%s is neither a signed envelope nor a root draft", args[0])
			}
			root = &decoded
		}
		if root.Type != trust.RoleRoot {
			return fmt.Errorf("%s is not a root document (type %q)", args[0], root.Type)
		}

		if signatures > 0 {
			fmt.Printf("signed root (%d signatures)\n", signatures)
		} else {
			fmt.Println("unsigned root draft")
		}
		fmt.Printf("version: %d\nexpires: %s\n", root.Version, root.Expires.Format(time.RFC3339))
		for _, role := range trust.AllRoles() {
			assignment := root.Roles[role]
			fmt.Printf("role %-9s threshold %d\n", role, assignment.Threshold)
			keyIDs := append([]string(nil), assignment.KeyIDs...)
			sort.Strings(keyIDs)
			for _, id := range keyIDs {
				fmt.Printf("  key %s\n", id)
			}
		}
		return nil
	}
	return command
}
