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
Package lifecycle starts, stops and cleans the dedupv1d daemon.

The daemon writes its PID to a lock file. Whether it runs is decided by
reading that file and checking the process table; a lock file naming a dead
process is stale.

# Starting

Start checks the installation, runs dedupv1_starter and polls until the
daemon is live and its status monitor reports ok. Iteration i of the poll
sleeps 2*i seconds:

	ctrl := lifecycle.NewController(root, dc, lifecycle.Deps{...})
	if err := ctrl.Start(ctx, lifecycle.StartOptions{ConfigFile: path}); err != nil {
	    // the daemon was asked to fast-stop
	}

Once the daemon is up, kernel state left behind by a crashed daemon is
removed and the declared targets, groups, volumes and users are
registered. A failure after the launch fast-stops the daemon.

# Stopping

Stop refuses while iSCSI sessions are open, unregisters the declared
state, asks the daemon to stop and waits for it to exit. A shutdown is
clean only if the dirty marker says the daemon finished its stop
sequence. The lock file is removed on every path past the running check.

# Lifecycle Logging

Every start, stop and clean is recorded through an EventRecorder:

	events := lifecycle.NewLifecycleLogger(journal, invocationID, logger)
*/
package lifecycle
