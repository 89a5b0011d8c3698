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

package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latticerun/runbook-engine/internal/cli"
)

// NewCommand reports the CLI's own build version, not the daemon's.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print conductor's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c := cli.GetVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (%s)\n", v, c)
			return nil
		},
	}
}
