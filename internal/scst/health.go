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

package scst

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	iscsiDaemon   = "iscsi-scstd"
	iscsiInitd    = "etc/init.d/iscsi-scst"
	scstUserDev   = "dev/scst_user"
	modulesFile   = "proc/modules"
	moduleSCST    = "scst"
	moduleSCSTUsr = "scst_user"
)

// KernelModuleLoaded reports whether the named module is listed in
// /proc/modules.
func (a *Adapter) KernelModuleLoaded(name string) (bool, error) {
	lines, err := readLines(a.path(modulesFile), false)
	if err != nil {
		return false, &errors.SubsystemError{Op: "check kernel module", Object: name, Cause: err}
	}
	for _, line := range lines {
		if f := strings.Fields(line); len(f) > 0 && f[0] == name {
			return true, nil
		}
	}
	return false, nil
}

// CheckFileGroupAccess reports whether path is group-owned by gid.
func (a *Adapter) CheckFileGroupAccess(path string, gid int) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	return int(st.Gid) == gid, nil
}

// ValidateSCST verifies that SCST is loaded and, when group is set, that
// its control files are accessible to the group.
func (a *Adapter) ValidateSCST(group string) error {
	fail := func(format string, args ...any) error {
		return &errors.SubsystemError{Op: "validate SCST", Cause: fmt.Errorf(format, args...)}
	}

	gid := -1
	if group != "" {
		id, err := a.LookupGroupID(group)
		if err != nil {
			return fail("group %s missing: %w", group, err)
		}
		gid = id
	}
	for _, m := range []string{moduleSCST, moduleSCSTUsr} {
		loaded, err := a.KernelModuleLoaded(m)
		if err != nil {
			return err
		}
		if !loaded {
			return fail("%s kernel module not loaded", m)
		}
	}

	checkFile := func(rel, missing string) error {
		p := a.path(rel)
		if _, err := os.Stat(p); err != nil {
			return fail("%s", missing)
		}
		if gid < 0 {
			return nil
		}
		ok, err := a.CheckFileGroupAccess(p, gid)
		if err != nil {
			return fail("stat %s: %w", p, err)
		}
		if !ok {
			return fail("%s has wrong permissions", "/"+rel)
		}
		return nil
	}
	if err := checkFile(scstUserDev, "SCST user target module (scst_user) is not started"); err != nil {
		return err
	}
	return checkFile(scstFile, "SCST is not loaded")
}

// ISCSIRunning reports whether the iSCSI daemon process is running. An
// installation without the iscsi-scst init script never runs it.
func (a *Adapter) ISCSIRunning() (bool, error) {
	if _, err := os.Stat(a.path(iscsiInitd)); err != nil {
		return false, nil
	}
	fs, err := procfs.NewFS(a.path("proc"))
	if err != nil {
		return false, &errors.SubsystemError{Op: "check iSCSI daemon", Cause: err}
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return false, &errors.SubsystemError{Op: "check iSCSI daemon", Cause: err}
	}
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// exited while scanning
			continue
		}
		if comm == iscsiDaemon {
			return true, nil
		}
	}
	return false, nil
}

// ValidateISCSI fails unless the iSCSI daemon is running.
func (a *Adapter) ValidateISCSI() error {
	running, err := a.ISCSIRunning()
	if err != nil {
		return err
	}
	if !running {
		return &errors.SubsystemError{Op: "validate iSCSI", Cause: fmt.Errorf("iSCSI target is not running")}
	}
	return nil
}
