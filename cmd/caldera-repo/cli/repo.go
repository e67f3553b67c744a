// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/caldera-os/caldera/lib/compress"
	"github.com/caldera-os/caldera/lib/keystore"
	"github.com/caldera-os/caldera/lib/manifest"
	"github.com/caldera-os/caldera/lib/trust"
)

// NewRepoCommand returns the "repo" subtree: publishing a migration
// repository from a manifest plus artifacts, and verifying a published
// one end to end.
func NewRepoCommand() *Command {
	return &Command{
		Name:    "repo",
		Summary: "Publish and verify migration repositories",
		Subcommands: []*Command{
			newRepoPublishCommand(),
			newRepoCheckCommand(),
		},
	}
}

func newRepoPublishCommand() *Command {
	var rootPath string
	var manifestPath string
	var artifactsDir string
	var outDir string
	var keyNames []string
	var keystoreDir string
	var version uint64
	var expiresDays int
	var timestampDays int

	command := &Command{
		Name:    "publish",
		Summary: "Sign and write a complete repository",
		Usage:   "caldera-repo repo publish [flags]",
		Description: "Builds one publish of the repository: the manifest and every\n" +
			"migration artifact it references become verified targets, the\n" +
			"metadata chain is signed bottom-up, and the result is laid out\n" +
			"under --out ready to serve. Artifacts are read from\n" +
			"--artifacts-dir by migration name and compressed according to\n" +
			"each manifest entry before hashing, so clients verify the\n" +
			"stored bytes exactly as written here.",
		Examples: []Example{
			{
				Description: "Publish version 3 of a repository",
				Command: "caldera-repo repo publish --root 1.root.cbor --manifest manifest.json " +
					"--artifacts-dir ./build --out ./repo --key release --version 3",
			},
		},
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("publish", pflag.ContinueOnError)
		flags.StringVar(&rootPath, "root", "", "signed root envelope to publish under")
		flags.StringVar(&manifestPath, "manifest", "manifest.json", "migration manifest (JSONC)")
		flags.StringVar(&artifactsDir, "artifacts-dir", "", "directory of built migration binaries, named by migration")
		flags.StringVar(&outDir, "out", "", "output repository directory")
		flags.StringArrayVar(&keyNames, "key", nil, "keystore key to sign with (repeatable)")
		flags.StringVar(&keystoreDir, "keystore", defaultKeystoreDir(), "keystore directory")
		flags.Uint64Var(&version, "version", 1, "metadata version for this publish")
		flags.IntVar(&expiresDays, "expires-days", 90, "days until targets and snapshot expire")
		flags.IntVar(&timestampDays, "timestamp-days", 14, "days until the timestamp expires")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 0 {
			return fmt.Errorf("unexpected arguments: %v", args)
		}
		switch {
		case rootPath == "":
			return fmt.Errorf("--root is required")
		case artifactsDir == "":
			return fmt.Errorf("--artifacts-dir is required")
		case outDir == "":
			return fmt.Errorf("--out is required")
		case len(keyNames) == 0:
			return fmt.Errorf("at least one --key is required")
		case version < 1:
			return fmt.Errorf("--version must be at least 1")
		}

		rootData, err := os.ReadFile(rootPath)
		if err != nil {
			return fmt.Errorf("reading signed root: %w", err)
		}
		root, err := loadSignedRoot(rootPath)
		if err != nil {
			return err
		}

		manifestData, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		catalog, err := manifest.Parse(manifestData)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		editor, err := trust.NewRepositoryEditor(root, now)
		if err != nil {
			return err
		}
		editor.SetVersions(version, version, version)
		editor.SetExpirations(
			now.AddDate(0, 0, expiresDays),
			now.AddDate(0, 0, expiresDays),
			now.AddDate(0, 0, timestampDays))

		// The manifest is published byte-for-byte as authored, comments
		// included; clients parse JSONC.
		if err := editor.AddTarget(manifest.TargetName, manifestData); err != nil {
			return err
		}

		for _, migration := range catalog.Ordered() {
			raw, err := os.ReadFile(filepath.Join(artifactsDir, migration.Name))
			if err != nil {
				return fmt.Errorf("migration %q: %w", migration.Name, err)
			}
			tag, err := compress.ParseTag(migration.Compression)
			if err != nil {
				return fmt.Errorf("migration %q: %w", migration.Name, err)
			}
			stored, err := compress.Encode(raw, tag)
			if err != nil {
				return fmt.Errorf("migration %q: %w", migration.Name, err)
			}
			if err := editor.AddTarget(migration.Target, stored); err != nil {
				return fmt.Errorf("migration %q: %w", migration.Name, err)
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

		signed, err := editor.Sign(signers)
		if err != nil {
			return err
		}
		if err := signed.Write(outDir); err != nil {
			return err
		}

		// Root envelopes live alongside the rest of the metadata so
		// clients holding an older anchor can walk the rotation chain.
		rootName := trust.MetadataFilename(trust.RoleRoot, root.Version)
		if err := os.WriteFile(filepath.Join(outDir, rootName), rootData, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", rootName, err)
		}

		fmt.Printf("published %d migrations at metadata version %d to %s\n",
			len(catalog.Migrations), version, outDir)
		return nil
	}
	return command
}

func newRepoCheckCommand() *Command {
	var rootPath string
	var allowExpired bool

	command := &Command{
		Name:    "check",
		Summary: "Verify a published repository end to end",
		Usage:   "caldera-repo repo check [flags] <repo-dir>",
		Description: "Loads the repository exactly as a host would: verifies the\n" +
			"metadata chain against the given trust anchor, then fetches and\n" +
			"hash-checks every target, including the manifest.",
	}
	command.Flags = func() *pflag.FlagSet {
		flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
		flags.StringVar(&rootPath, "root", "", "trust anchor (signed root envelope)")
		flags.BoolVar(&allowExpired, "allow-expired", false, "skip expiry checks (signatures still verified)")
		return flags
	}
	command.Run = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one repository directory")
		}
		if rootPath == "" {
			return fmt.Errorf("--root is required")
		}
		dir := args[0]

		rootData, err := os.ReadFile(rootPath)
		if err != nil {
			return fmt.Errorf("reading trust anchor: %w", err)
		}

		enforcement := trust.ExpirationStrict
		if allowExpired {
			enforcement = trust.ExpirationUnsafe
		}
		ctx := context.Background()
		transport := &trust.FilesystemTransport{Dir: dir}
		client, err := trust.Load(ctx, rootData, trust.Options{
			MetadataTransport: transport,
			TargetsTransport:  transport,
			Expiration:        enforcement,
		})
		if err != nil {
			return &ExitError{Code: 2, Message: fmt.Sprintf("repository failed verification: %v", err)}
		}

		targets := client.Targets()
		names := make([]string, 0, len(targets))
		for name := range targets {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			data, err := client.FetchTarget(ctx, name)
			if err != nil {
				return &ExitError{Code: 2, Message: fmt.Sprintf("target %q failed verification: %v", name, err)}
			}
			fmt.Printf("ok  %-40s %8d bytes  %s\n", name, len(data), trust.FormatHash(targets[name].Hash))
		}

		if _, ok := targets[manifest.TargetName]; !ok {
			return fmt.Errorf("repository has no %s target", manifest.TargetName)
		}
		manifestData, err := client.FetchTarget(ctx, manifest.TargetName)
		if err != nil {
			return err
		}
		catalog, err := manifest.Parse(manifestData)
		if err != nil {
			return err
		}
		for _, migration := range catalog.Migrations {
			if _, ok := targets[migration.Target]; !ok {
				return fmt.Errorf("manifest references missing target %q (migration %q)",
					migration.Target, migration.Name)
			}
		}

		fmt.Printf("repository verified: root version %d, %d targets, %d migrations\n",
			client.Root().Version, len(targets), len(catalog.Migrations))
		return nil
	}
	return command
}
