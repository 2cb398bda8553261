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
	"context"
	"strconv"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

// DefaultISCSIPort is the port iscsi-scstd listens on unless iscsi.port
// says otherwise.
const DefaultISCSIPort = "3260"

// Bootstrap brings the kernel side into the state dedupv1d needs: SCST
// modules loaded with the daemon group owning the control files, and the
// iSCSI daemon running. It must run as root.
func (a *Adapter) Bootstrap(ctx context.Context, group string, startISCSI bool, port, host string) error {
	if err := a.LoadModules(ctx, group); err != nil {
		return err
	}
	if err := a.ValidateSCST(group); err != nil {
		return err
	}
	if !startISCSI {
		return nil
	}
	if group == "" {
		group = "root"
	}
	if err := a.StartISCSI(ctx, group, port, host); err != nil {
		return err
	}
	return a.ValidateISCSI()
}

// LoadModules loads scst and scst_user if needed and hands
// /dev/scst_user to group.
func (a *Adapter) LoadModules(ctx context.Context, group string) error {
	loaded, err := a.KernelModuleLoaded(moduleSCST)
	if err != nil {
		return err
	}
	if !loaded {
		args := []string{moduleSCST}
		if group != "" {
			gid, err := a.LookupGroupID(group)
			if err != nil {
				return &errors.SubsystemError{Op: "load kernel module", Object: moduleSCST, Cause: err}
			}
			args = append(args, "proc_gid="+strconv.Itoa(gid))
		}
		if err := a.modprobe(ctx, args...); err != nil {
			return err
		}
	}

	loaded, err = a.KernelModuleLoaded(moduleSCSTUsr)
	if err != nil {
		return err
	}
	if !loaded {
		if err := a.modprobe(ctx, moduleSCSTUsr); err != nil {
			return err
		}
	}

	dev := a.path(scstUserDev)
	if group == "" {
		return nil
	}
	gid, err := a.LookupGroupID(group)
	if err != nil {
		return &errors.SubsystemError{Op: "fix permissions of", Object: dev, Cause: err}
	}
	ok, err := a.CheckFileGroupAccess(dev, gid)
	if err != nil {
		return &errors.SubsystemError{Op: "check", Object: dev, Cause: err}
	}
	if ok {
		return nil
	}
	if _, err := a.Runner.Run(ctx, "chgrp", group, dev); err != nil {
		return &errors.SubsystemError{Op: "fix permissions of", Object: dev, Cause: err}
	}
	if _, err := a.Runner.Run(ctx, "chmod", "g+rw", dev); err != nil {
		return &errors.SubsystemError{Op: "fix permissions of", Object: dev, Cause: err}
	}
	return nil
}

func (a *Adapter) modprobe(ctx context.Context, args ...string) error {
	if _, err := a.Runner.Run(ctx, "modprobe", args...); err != nil {
		return &errors.SubsystemError{Op: "load kernel module", Object: args[0], Cause: err}
	}
	return a.sleep(ctx, a.Settle)
}

// StartISCSI starts iscsi-scstd through its init script unless it is
// already running.
func (a *Adapter) StartISCSI(ctx context.Context, group, port, host string) error {
	running, err := a.ISCSIRunning()
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	if port == "" {
		port = DefaultISCSIPort
	}
	args := []string{"start", group, port}
	if host != "" {
		args = append(args, host)
	}
	if _, err := a.Runner.Run(ctx, a.path(iscsiInitd), args...); err != nil {
		return &errors.SubsystemError{Op: "start", Object: "iscsi-scst", Cause: err}
	}
	return a.sleep(ctx, 2*a.Settle)
}
