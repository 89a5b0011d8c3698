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

// Package batch implements the "conductor batch" command group: the
// manual batch controller's advance/cancel/membership operations, driven
// from a terminal instead of the admin HTTP API directly.
package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/latticerun/runbook-engine/internal/cli"
)

// NewCommand builds the "batch" command group.
func NewCommand(flags *cli.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Drive manual batches through conductord's admin surface",
	}
	cmd.AddCommand(
		newCreateCommand(flags),
		newGetCommand(flags),
		newAdvanceCommand(flags),
		newCancelCommand(flags),
		newAddMembersCommand(flags),
		newRemoveMembersCommand(flags),
		newCSVCommand(flags),
	)
	return cmd
}

func parseBatchID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, &cli.ExitError{Code: cli.ExitInvalidInput, Message: "invalid batch id " + arg, Cause: err}
	}
	return id, nil
}

func newCreateCommand(flags *cli.Flags) *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "create <runbook-name>",
		Short: "Create a manual batch for a runbook's active version",
		Long: `Create a manual batch in the detected state. Seed one initial member via
repeated --data key=value flags, or leave it empty and add members with
"batch add-members" or "batch upload-csv" before advancing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var members []map[string]string
			if len(pairs) > 0 {
				row, err := parseKeyValues(pairs)
				if err != nil {
					return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "parsing --data", Cause: err}
				}
				members = append(members, row)
			}
			b, err := flags.NewClient().CreateBatch(cmd.Context(), args[0], members)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "creating batch", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, b, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "created batch %d for %s v%d (status=%s)\n",
					b.ID, b.RunbookName, b.RunbookVersion, b.Status)
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "data", nil, "column=value pair for an initial member; repeat per column")
	return cmd
}

func newGetCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a batch's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			b, err := flags.NewClient().GetBatch(cmd.Context(), id)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "fetching batch", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, b, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "batch %d: %s v%d, status=%s, manual=%v, start=%s\n",
					b.ID, b.RunbookName, b.RunbookVersion, b.Status, b.IsManual, b.BatchStartTime)
				return err
			})
		},
	}
}

func newAdvanceCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a manual batch one step (dispatch init, a phase, or complete it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			res, err := flags.NewClient().Advance(cmd.Context(), id)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "advancing batch", Cause: err}
			}
			return cli.PrintResult(cmd.OutOrStdout(), flags.JSON, res, func(w io.Writer) error {
				if res.PhaseName != "" {
					_, err := fmt.Fprintf(w, "dispatched phase %q; batch status=%s\n", res.PhaseName, res.BatchStatus)
					return err
				}
				_, err := fmt.Fprintf(w, "batch status=%s\n", res.BatchStatus)
				return err
			})
		},
	}
}

func newCancelCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a batch and every in-flight step or init execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			if err := flags.NewClient().Cancel(cmd.Context(), id); err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "cancelling batch", Cause: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %d cancelled\n", id)
			return nil
		},
	}
}

func newAddMembersCommand(flags *cli.Flags) *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "add-members <id>",
		Short: "Add one member to a manual batch via repeated --data key=value flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			row, err := parseKeyValues(pairs)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "parsing --data", Cause: err}
			}
			added, err := flags.NewClient().AddMembers(cmd.Context(), id, []map[string]string{row})
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "adding member", Cause: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d member(s) added\n", added)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "data", nil, "column=value pair; repeat for every column the runbook needs")
	return cmd
}

func newRemoveMembersCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-members <id> <member-key>...",
		Short: "Remove members from a manual batch by their primary key",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			removed, err := flags.NewClient().RemoveMembers(cmd.Context(), id, args[1:])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "removing members", Cause: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d member(s) removed\n", removed)
			return nil
		},
	}
}

func newCSVCommand(flags *cli.Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-csv <id> <file>",
		Short: "Upload a CSV of member rows to a manual batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return &cli.ExitError{Code: cli.ExitInvalidInput, Message: "reading csv file", Cause: err}
			}
			added, warnings, err := flags.NewClient().IngestCSV(cmd.Context(), id, data)
			if err != nil {
				return &cli.ExitError{Code: cli.ExitOperationFail, Message: "uploading csv", Cause: err}
			}
			for _, w := range warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d member(s) added\n", added)
			return nil
		},
	}
}

// parseKeyValues turns ["id=u1", "email=u1@example.com"] into a row map,
// tolerating values that themselves contain "=". Reuses the standard
// library's CSV quoting rules for values wrapped in quotes so operators
// can pass commas or embedded quotes on the command line.
func parseKeyValues(pairs []string) (map[string]string, error) {
	row := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		if strings.HasPrefix(value, `"`) {
			reader := csv.NewReader(strings.NewReader(value))
			record, err := reader.Read()
			if err == nil && len(record) == 1 {
				value = record[0]
			}
		}
		row[key] = value
	}
	return row, nil
}
