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
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	// DefaultISCSIAdm is the default location of iscsi-scst-adm.
	DefaultISCSIAdm = "/usr/local/sbin/iscsi-scst-adm"

	// DefaultDeviceWait is the interval between checks for a volume device
	// that the daemon has not exposed yet.
	DefaultDeviceWait = time.Second

	// DeviceWaitTries bounds the device checks.
	DeviceWaitTries = 5

	scstFile     = "proc/scsi_tgt/scsi_tgt"
	groupsDir    = "proc/scsi_tgt/groups"
	sessionsFile = "proc/scsi_tgt/sessions"
)

// Adapter exposes SCST primitives.
type Adapter struct {
	// Root prefixes every /proc, /dev and /etc path. "/" in production.
	Root string

	// ISCSIAdm is the iscsi-scst-adm binary.
	ISCSIAdm string

	Runner Runner

	// DeviceWait is the interval used by WaitForDevice.
	DeviceWait time.Duration

	// Settle is the pause after loading a kernel module or starting the
	// iSCSI daemon.
	Settle time.Duration

	// LookupGroupID resolves a unix group name. Defaults to os/user.
	LookupGroupID func(name string) (int, error)

	Logger *slog.Logger
}

// New creates an adapter for the system rooted at root.
func New(root, iscsiAdm string, runner Runner, logger *slog.Logger) *Adapter {
	if root == "" {
		root = "/"
	}
	if iscsiAdm == "" {
		iscsiAdm = DefaultISCSIAdm
	}
	if logger == nil {
		logger = log.Discard()
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &Adapter{
		Root:          root,
		ISCSIAdm:      iscsiAdm,
		Runner:        runner,
		DeviceWait:    DefaultDeviceWait,
		Settle:        time.Second,
		LookupGroupID: lookupGroupID,
		Logger:        log.WithComponent(logger, "scst"),
	}
}

func lookupGroupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

func (a *Adapter) path(elem ...string) string {
	return filepath.Join(append([]string{a.Root}, elem...)...)
}

func (a *Adapter) groupPath(group string, elem ...string) string {
	return a.path(append([]string{groupsDir, group}, elem...)...)
}

// readLines returns the lines of a procfs file, optionally without the
// header line.
func readLines(path string, skipHeader bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first && skipHeader {
			first = false
			continue
		}
		first = false
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// writeCommand writes a single command line to a procfs control file. The
// file must already exist.
func writeCommand(path, command string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(command); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Groups lists the SCST security groups.
func (a *Adapter) Groups() ([]string, error) {
	entries, err := os.ReadDir(a.path(groupsDir))
	if err != nil {
		return nil, &errors.SubsystemError{Op: "list groups", Cause: err}
	}
	groups := make([]string, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, e.Name())
	}
	sort.Strings(groups)
	return groups, nil
}

// GroupExists reports whether the group is registered.
func (a *Adapter) GroupExists(group string) (bool, error) {
	_, err := os.Stat(a.groupPath(group))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &errors.SubsystemError{Op: "check group", Object: group, Cause: err}
}

// Devices lists the SCST devices. A device line has the device name in
// both the first and second column.
func (a *Adapter) Devices() ([]string, error) {
	lines, err := readLines(a.path(scstFile), true)
	if err != nil {
		return nil, &errors.SubsystemError{Op: "list devices", Cause: err}
	}
	var devices []string
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == f[1] {
			devices = append(devices, f[0])
		}
	}
	return devices, nil
}

// DeviceExists reports whether a device for the volume is registered.
func (a *Adapter) DeviceExists(volume string) (bool, error) {
	devices, err := a.Devices()
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d == volume {
			return true, nil
		}
	}
	return false, nil
}

// groupDevices parses the devices file of a group into (device, lun) rows.
func (a *Adapter) groupDevices(group string) ([][2]string, error) {
	if _, err := os.Stat(a.groupPath(group)); err != nil {
		return nil, fmt.Errorf("group %s does not exist: %w", group, err)
	}
	lines, err := readLines(a.groupPath(group, "devices"), true)
	if err != nil {
		return nil, err
	}
	var rows [][2]string
	for _, line := range lines {
		f := strings.Fields(line)
		switch len(f) {
		case 0:
		case 1:
			rows = append(rows, [2]string{f[0], ""})
		default:
			rows = append(rows, [2]string{f[0], f[1]})
		}
	}
	return rows, nil
}

// DevicesInGroup lists the devices assigned to the group.
func (a *Adapter) DevicesInGroup(group string) ([]string, error) {
	rows, err := a.groupDevices(group)
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get devices in group", Object: group, Cause: err}
	}
	devices := make([]string, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, r[0])
	}
	return devices, nil
}

// LUNsInGroup lists the LUNs assigned in the group.
func (a *Adapter) LUNsInGroup(group string) ([]int, error) {
	rows, err := a.groupDevices(group)
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get luns in group", Object: group, Cause: err}
	}
	var luns []int
	for _, r := range rows {
		if lun, err := strconv.Atoi(r[1]); err == nil {
			luns = append(luns, lun)
		}
	}
	return luns, nil
}

// AddGroup registers a security group.
func (a *Adapter) AddGroup(group string) error {
	if err := writeCommand(a.path(scstFile), "add_group "+group); err != nil {
		return &errors.SubsystemError{Op: "add group", Object: group, Cause: err}
	}
	a.Logger.Debug("group added", log.Group(group))
	return nil
}

// RemoveGroup removes a security group. It fails if the group does not
// exist or initiators are logged in through it.
func (a *Adapter) RemoveGroup(group string) error {
	fail := func(cause error) error {
		return &errors.SubsystemError{Op: "remove group", Object: group, Cause: cause}
	}

	exists, err := a.GroupExists(group)
	if err != nil {
		return fail(err)
	}
	if !exists {
		return fail(fmt.Errorf("group %s missing", group))
	}
	sessions, err := a.GroupSessions(group)
	if err != nil {
		return fail(err)
	}
	if len(sessions) > 0 {
		return fail(fmt.Errorf("%w: %d session(s)", errors.ErrActiveSessions, len(sessions)))
	}
	if err := writeCommand(a.path(scstFile), "del_group "+group); err != nil {
		return fail(err)
	}
	a.Logger.Debug("group removed", log.Group(group))
	return nil
}

// AddDeviceToGroup assigns the volume's device to the group under lun.
func (a *Adapter) AddDeviceToGroup(volume, group string, lun int) error {
	fail := func(cause error) error {
		return &errors.SubsystemError{
			Op:     "add volume to group",
			Object: fmt.Sprintf("%s (group %s, lun %d)", volume, group, lun),
			Cause:  cause,
		}
	}

	devicesFile := a.groupPath(group, "devices")
	if _, err := os.Stat(devicesFile); err != nil {
		return fail(fmt.Errorf("group file %s missing", devicesFile))
	}
	exists, err := a.DeviceExists(volume)
	if err != nil {
		return fail(err)
	}
	if !exists {
		return fail(fmt.Errorf("volume %s missing", volume))
	}
	devices, err := a.DevicesInGroup(group)
	if err != nil {
		return fail(err)
	}
	if slices.Contains(devices, volume) {
		return fail(fmt.Errorf("volume %s is already in group %s", volume, group))
	}
	luns, err := a.LUNsInGroup(group)
	if err != nil {
		return fail(err)
	}
	if slices.Contains(luns, lun) {
		return fail(fmt.Errorf("lun %d already assigned in group %s", lun, group))
	}
	if err := writeCommand(devicesFile, fmt.Sprintf("add %s %d", volume, lun)); err != nil {
		return fail(err)
	}
	a.Logger.Debug("volume added to group", log.Volume(volume), log.Group(group), "lun", lun)
	return nil
}

// RemoveDeviceFromGroup removes the volume's device from the group.
func (a *Adapter) RemoveDeviceFromGroup(volume, group string) error {
	devicesFile := a.groupPath(group, "devices")
	if _, err := os.Stat(devicesFile); err != nil {
		return &errors.SubsystemError{
			Op:     "remove volume from group",
			Object: volume + " (group " + group + ")",
			Cause:  fmt.Errorf("group file %s missing", devicesFile),
		}
	}
	if err := writeCommand(devicesFile, "del "+volume); err != nil {
		return &errors.SubsystemError{Op: "remove volume from group", Object: volume + " (group " + group + ")", Cause: err}
	}
	a.Logger.Debug("volume removed from group", log.Volume(volume), log.Group(group))
	return nil
}

// InitiatorPatterns lists the initiator name patterns of the group.
func (a *Adapter) InitiatorPatterns(group string) ([]string, error) {
	lines, err := readLines(a.groupPath(group, "names"), false)
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get initiator patterns of group", Object: group, Cause: err}
	}
	var patterns []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			patterns = append(patterns, l)
		}
	}
	return patterns, nil
}

// AddInitiatorPattern adds an initiator name pattern to the group.
func (a *Adapter) AddInitiatorPattern(group, pattern string) error {
	if err := writeCommand(a.groupPath(group, "names"), "add "+pattern); err != nil {
		return &errors.SubsystemError{Op: "add initiator to group", Object: pattern + " (group " + group + ")", Cause: err}
	}
	return nil
}

// RemoveInitiatorPattern removes an initiator name pattern from the group.
func (a *Adapter) RemoveInitiatorPattern(group, pattern string) error {
	if err := writeCommand(a.groupPath(group, "names"), "del "+pattern); err != nil {
		return &errors.SubsystemError{Op: "remove initiator from group", Object: pattern + " (group " + group + ")", Cause: err}
	}
	return nil
}

// Session is an initiator logged in to a target through a group.
type Session struct {
	Target    string
	Initiator string
	Group     string
}

// GroupSessions lists the sessions bound to the group.
func (a *Adapter) GroupSessions(group string) ([]Session, error) {
	lines, err := readLines(a.path(sessionsFile), true)
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get sessions of group", Object: group, Cause: err}
	}
	var sessions []Session
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) >= 3 && f[2] == group {
			sessions = append(sessions, Session{Target: f[0], Initiator: f[1], Group: f[2]})
		}
	}
	return sessions, nil
}

// WaitForDevice waits until the volume's device shows up. The daemon
// registers devices asynchronously after it reports a volume.
func (a *Adapter) WaitForDevice(ctx context.Context, volume string) error {
	interval := a.DeviceWait
	if interval <= 0 {
		interval = DefaultDeviceWait
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		exists, err := a.DeviceExists(volume)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !exists {
			return struct{}{}, fmt.Errorf("volume %s missing", volume)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(DeviceWaitTries),
	)
	if err != nil {
		return &errors.SubsystemError{Op: "register volume", Object: volume, Cause: err}
	}
	return nil
}

func (a *Adapter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
