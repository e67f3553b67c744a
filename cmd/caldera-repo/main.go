// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

// caldera-repo is the release-side tool for Caldera migration
// repositories: it manages signing keys, the root trust document, and
// the publishing and verification of signed repositories.
//
// It runs on operator and release-tooling machines. Hosts never run it;
// they carry only the signed root envelope as their trust anchor.
package main

import (
	"fmt"
	"os"

	"github.com/caldera-os/caldera/cmd/caldera-repo/cli"
	"github.com/caldera-os/caldera/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	root := &cli.Command{
		Name:    "caldera-repo",
		Summary: "Caldera migration repository tooling",
		Description: "caldera-repo manages the trust repository that Caldera hosts\n" +
			"verify datastore migrations against: signing keys, the root\n" +
			"document, and signed publishes of manifests and artifacts.",
		Subcommands: []*cli.Command{
			cli.NewKeyCommand(),
			cli.NewRootCommand(),
			cli.NewRepoCommand(),
			newVersionCommand(),
		},
	}
	return root.Execute(args)
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}
