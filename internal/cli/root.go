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

// Package cli provides the root command and shared flags for the
// conductor operator CLI: a thin wrapper around conductord's admin HTTP
// surface for publishing runbooks and driving manual
// batches from a terminal or a script.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/latticerun/runbook-engine/internal/client"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Flags holds the persistent flags every subcommand reads to build a
// client.Client against the target daemon.
type Flags struct {
	Server string
	Token  string
	JSON   bool
}

// SetVersion records build-time version info for the "version" command.
func SetVersion(v, c string) {
	version, commit = v, c
}

// GetVersion returns the recorded build-time version info.
func GetVersion() (string, string) {
	return version, commit
}

// NewRootCommand builds the "conductor" root command and returns it along
// with the shared flag values its subcommands bind to.
func NewRootCommand() (*cobra.Command, *Flags) {
	flags := &Flags{}

	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Operator CLI for the runbook engine's admin surface",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `conductor talks to a running conductord daemon over its admin HTTP
surface: publishing runbook specifications, and advancing, cancelling or
feeding membership into manually-triggered batches.

Cron-driven runbooks need no CLI interaction once published — the
scheduler tick drives them. Manual runbooks are driven entirely through
the "batch" subcommands here.`,
	}

	cmd.PersistentFlags().StringVar(&flags.Server, "server", envOr("CONDUCTOR_SERVER", "http://localhost:8080"), "conductord admin HTTP base URL")
	cmd.PersistentFlags().StringVar(&flags.Token, "token", envOr("CONDUCTOR_TOKEN", ""), "bearer token for the admin surface")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "emit machine-readable JSON output")

	return cmd, flags
}

// NewClient builds a client.Client from the resolved persistent flags.
func (f *Flags) NewClient() *client.Client {
	return client.New(f.Server, f.Token)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// PrintResult renders data as pretty JSON when jsonMode is set, otherwise
// delegates to text, which a caller supplies for the human-readable path.
func PrintResult(w io.Writer, jsonMode bool, data any, text func(io.Writer) error) error {
	if !jsonMode {
		return text(w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ExitError is an error that carries a process exit code so scripts that
// branch on $? can distinguish "invalid input" from "operation failed".
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

const (
	ExitSuccess       = 0
	ExitOperationFail = 1
	ExitInvalidInput  = 2
)

// HandleExitError prints err and exits with its code, defaulting to
// ExitOperationFail for errors that aren't an *ExitError.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	code := ExitOperationFail
	if exitErr, ok := err.(*ExitError); ok {
		code = exitErr.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
