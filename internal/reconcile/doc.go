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

// Package reconcile brings the kernel's SCST registration tables in line
// with the objects dedupv1d declares.
//
// Two strategies exist. ReconcileFromDeclaredState reads targets, groups,
// volumes and users from the daemon and registers or unregisters exactly
// those; it backs a coordinated start and stop. ReconcileFromKernelState
// ignores the daemon and clears whatever the kernel reports; it cleans up
// after a crash, when the daemon's view may be unavailable or stale.
//
// Register always runs groups, targets, volumes, users. Unregister runs
// the reverse: users, volumes, targets, groups. Later kinds reference
// earlier ones.
package reconcile
