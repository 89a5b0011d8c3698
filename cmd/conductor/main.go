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

// Command conductor is the operator CLI: it talks to a running
// conductord daemon over its admin HTTP surface to publish runbooks and
// drive manual batches. It holds no state of its own.
package main

import (
	"github.com/latticerun/runbook-engine/internal/cli"
	"github.com/latticerun/runbook-engine/internal/commands/batch"
	"github.com/latticerun/runbook-engine/internal/commands/runbook"
	"github.com/latticerun/runbook-engine/internal/commands/version"
)

// Version information, injected via -ldflags at build time.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	cli.SetVersion(buildVersion, buildCommit)

	rootCmd, flags := cli.NewRootCommand()
	rootCmd.AddCommand(runbook.NewCommand(flags))
	rootCmd.AddCommand(batch.NewCommand(flags))
	rootCmd.AddCommand(version.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
