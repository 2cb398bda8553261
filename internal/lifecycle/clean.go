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

package lifecycle

import (
	"context"
	"os"
	"strings"

	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/internal/metrics"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Suffixes of the files the daemon's index and log stores keep next to
// each configured filename.
var dataFileSuffixes = []string{"", "-meta", "_trans", "-wal", "-shm", ".wal"}

// detachingSuffixes apply to the detacher state of volume-info.filename.
var detachingSuffixes = []string{"", ".wal", "-wal", "-shm"}

// CleanPaths lists every path Clean removes for the given configuration.
func CleanPaths(dc *daemonconf.Config) []string {
	dirtyFile := dc.Get(daemonconf.KeyDirtyFile)
	paths := []string{dirtyFile, dirtyFile + ".tmp", dc.Get(daemonconf.KeyLockFile)}

	for _, e := range dc.Filenames() {
		for _, s := range dataFileSuffixes {
			paths = append(paths, e.Value+s)
		}
		if strings.HasSuffix(e.Key, "volume-info.filename") {
			for _, s := range detachingSuffixes {
				paths = append(paths, e.Value+"_detaching_state"+s)
			}
		}
	}
	return paths
}

// Clean removes all daemon data: the dirty marker, the lock file and every
// configured data file with its companions. It refuses while the daemon
// runs. It returns the removed paths.
func (c *Controller) Clean(ctx context.Context) (removed []string, err error) {
	ctx, span := startSpan(ctx, "clean")
	defer func() {
		metrics.RecordLifecycle("clean", err)
		endSpan(span, err)
	}()

	if pid, live := c.running(); live {
		c.deps.Events.LogAlreadyRunning(ctx, pid)
		return nil, &errors.LifecycleError{Kind: errors.KindAlreadyRunning, PID: pid}
	}

	for _, p := range CleanPaths(c.config) {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		c.logger.DebugContext(ctx, "removing", "path", p)
		if err := os.RemoveAll(p); err != nil {
			return removed, errors.Wrapf(err, "failed to remove %s", p)
		}
		removed = append(removed, p)
	}
	c.deps.Events.LogClean(ctx, len(removed))
	c.logger.InfoContext(ctx, "dedupv1 data removed", "files", len(removed))
	return removed, nil
}
