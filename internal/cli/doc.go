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

/*
Package cli provides the root command of dedupv1adm.

# Command Tree

	dedupv1adm
	├── start       Start dedupv1d and register the kernel state
	├── stop        Unregister the kernel state and stop dedupv1d
	├── restart     Stop and start
	├── status      Running or stopped
	├── clean       Remove all dedupv1 data
	├── bootstrap   Load SCST modules and start iscsi-scstd
	├── check       Validate the installation
	├── monitor     Read a daemon monitor
	├── history     List the lifecycle journal
	└── version     Show version

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
	    cli.HandleExitError(err)
	}

# Exit Codes

  - 0: Success
  - 1: Failure
  - 2: Unknown monitor
  - 8: The daemon state does not allow the operation (e.g. clean while running)
*/
package cli
