// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runbook implements the "conductor runbook" command group:
// offline spec validation plus the publish/list calls against conductord's
// admin surface.
package runbook

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/latticerun/runbook-engine/internal/cli"
	rb "github.com/latticerun/runbook-engine/internal/runbook"
)

// NewCommand builds the "runbook" command group.
func NewCommand(flags *cli.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runbook",
		Short: "Validate, publish and list runbook specifications",
	}
	cmd.AddCommand(newValidateCommand(), newPublishCommand(flags), newListCommand(flags), newVersionsCommand(flags), newTemplateCommand(flags))
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a runbook specification's YAML syntax and schema offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "reading runbook file", Cause: err}
			}
			spec, err := rb.ParseSpec(string(data))
			if err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "invalid runbook spec", Cause: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %q defines %d phase(s), %d init step(s)\n", spec.Name, len(spec.Phases), len(spec.Init))
			return nil
		},
	}
}

func newPublishCommand(flags *cli.Flags) *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a new runbook version to conductord",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "reading runbook file", Cause: err}
			}
			if _, err := rb.ParseSpec(string(data)); err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "invalid runbook spec", Cause: err}
			}

			published, err := flags.NewClient().PublishRunbook(cmd.Context(), string(data), activate)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "publishing runbook", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, published, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "published %s v%d (active=%v)\n", published.Name, published.Version, published.Active)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "make this version the active one immediately")
	return cmd
}

func newListCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active runbooks known to conductord",
		RunE: func(cmd *cobra.Command, args []string) error {
			runbooks, err := flags.NewClient().ListRunbooks(cmd.Context())
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "listing runbooks", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, runbooks, func(w io.Writer) error {
				for _, r := range runbooks {
					if _, err := fmt.Fprintf(w, "%s\tv%d\t%s\n", r.Name, r.Version, r.OverdueBehavior); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newVersionsCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List every published version of a runbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := flags.NewClient().ListRunbookVersions(cmd.Context(), args[0])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "listing runbook versions", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, versions, func(w io.Writer) error {
				for _, v := range versions {
					if _, err := fmt.Fprintf(w, "v%d\tactive=%v\n", v.Version, v.Active); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newTemplateCommand(flags *cli.Flags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "csv-template <name>",
		Short: "Download a sample-data CSV template for a runbook's manual-batch upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := flags.NewClient().CSVTemplate(cmd.Context(), args[0])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "fetching csv template", Cause: err}
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the template to a file instead of stdout")
	return cmd
}
