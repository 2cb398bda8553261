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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dedupv1adm/internal/model"
	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// call is a recorded command invocation.
type call struct {
	name string
	args []string
}

func (c call) String() string {
	return strings.Join(append([]string{filepath.Base(c.name)}, c.args...), " ")
}

// fakeRunner records commands and answers from a script keyed by the
// command line.
type fakeRunner struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	c := call{name: name, args: args}
	r.calls = append(r.calls, c)
	key := c.String()
	return r.outputs[key], r.errs[key]
}

func (r *fakeRunner) lines() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, c.String())
	}
	return out
}

// fakeTree builds a /proc/scsi_tgt tree below a temp dir.
type fakeTree struct {
	t    *testing.T
	root string
}

func newFakeTree(t *testing.T) *fakeTree {
	t.Helper()
	tree := &fakeTree{t: t, root: t.TempDir()}
	tree.write("proc/scsi_tgt/scsi_tgt", "Device (host:ch:id:lun or name)  Device handler\n")
	tree.write("proc/scsi_tgt/sessions", "Target name  Initiator name  Group name  Command Count\n")
	tree.mkdir("proc/scsi_tgt/groups")
	return tree
}

func (f *fakeTree) write(rel, content string) {
	f.t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(f.t, os.WriteFile(p, []byte(content), 0644))
}

func (f *fakeTree) mkdir(rel string) {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Join(f.root, rel), 0755))
}

func (f *fakeTree) read(rel string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fakeTree) group(name, devices, names string) {
	f.write("proc/scsi_tgt/groups/"+name+"/devices", "Device (host:ch:id:lun or name)  LUN  Options\n"+devices)
	f.write("proc/scsi_tgt/groups/"+name+"/names", names)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeTree, *fakeRunner) {
	tree := newFakeTree(t)
	runner := &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
	a := New(tree.root, "/usr/local/sbin/iscsi-scst-adm", runner, nil)
	a.DeviceWait = time.Millisecond
	a.Settle = 0
	a.LookupGroupID = func(name string) (int, error) { return os.Getegid(), nil }
	return a, tree, runner
}

func TestDevices(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.write("proc/scsi_tgt/scsi_tgt", "Device (host:ch:id:lun or name)  Device handler\n"+
		"vol1  vol1\n"+
		"0:0:0:0  disk\n"+
		"vol2  vol2\n")

	devices, err := a.Devices()
	require.NoError(t, err)
	assert.Equal(t, []string{"vol1", "vol2"}, devices)

	ok, err := a.DeviceExists("vol2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.DeviceExists("0:0:0:0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroups(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.group("backup", "vol1  3\nvol2  0\n", "iqn.1991-05.com.microsoft:*\n\n")
	tree.group("Default", "", "")

	groups, err := a.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"Default", "backup"}, groups)

	exists, err := a.GroupExists("backup")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = a.GroupExists("missing")
	require.NoError(t, err)
	assert.False(t, exists)

	devices, err := a.DevicesInGroup("backup")
	require.NoError(t, err)
	assert.Equal(t, []string{"vol1", "vol2"}, devices)

	luns, err := a.LUNsInGroup("backup")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 0}, luns)

	patterns, err := a.InitiatorPatterns("backup")
	require.NoError(t, err)
	assert.Equal(t, []string{"iqn.1991-05.com.microsoft:*"}, patterns)

	_, err = a.DevicesInGroup("missing")
	var subErr *admerrors.SubsystemError
	assert.ErrorAs(t, err, &subErr)
}

func TestAddAndRemoveGroup(t *testing.T) {
	a, tree, _ := newTestAdapter(t)

	require.NoError(t, a.AddGroup("backup"))
	assert.Equal(t, "add_group backup", tree.read("proc/scsi_tgt/scsi_tgt"))

	err := a.RemoveGroup("backup")
	require.Error(t, err, "group directory does not exist")

	tree.group("backup", "", "")
	require.NoError(t, a.RemoveGroup("backup"))
	assert.Equal(t, "del_group backup", tree.read("proc/scsi_tgt/scsi_tgt"))
}

func TestRemoveGroupWithSessions(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.group("backup", "", "")
	tree.write("proc/scsi_tgt/sessions", "Target name  Initiator name  Group name  Command Count\n"+
		"iqn.2010.t1  iqn.1991-05.com.microsoft:host1  backup  0\n")

	sessions, err := a.GroupSessions("backup")
	require.NoError(t, err)
	assert.Equal(t, []Session{{Target: "iqn.2010.t1", Initiator: "iqn.1991-05.com.microsoft:host1", Group: "backup"}}, sessions)

	err = a.RemoveGroup("backup")
	require.Error(t, err)
	assert.ErrorIs(t, err, admerrors.ErrActiveSessions)
}

func TestAddDeviceToGroup(t *testing.T) {
	tests := []struct {
		name    string
		volume  string
		group   string
		lun     int
		wantErr string
	}{
		{name: "success", volume: "vol3", group: "backup", lun: 2},
		{name: "group missing", volume: "vol3", group: "missing", lun: 2, wantErr: "missing"},
		{name: "device missing", volume: "vol9", group: "backup", lun: 2, wantErr: "volume vol9 missing"},
		{name: "already in group", volume: "vol1", group: "backup", lun: 2, wantErr: "already in group"},
		{name: "lun taken", volume: "vol3", group: "backup", lun: 0, wantErr: "lun 0 already assigned"},
		{name: "lun taken by second device", volume: "vol3", group: "backup", lun: 7, wantErr: "lun 7 already assigned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, tree, _ := newTestAdapter(t)
			tree.write("proc/scsi_tgt/scsi_tgt", "header\nvol1 vol1\nvol3 vol3\n")
			tree.group("backup", "vol1  0\nvol2  7\n", "")

			err := a.AddDeviceToGroup(tt.volume, tt.group, tt.lun)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "add vol3 2", tree.read("proc/scsi_tgt/groups/backup/devices"))
		})
	}
}

func TestRemoveDeviceAndPatterns(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.group("backup", "vol1  0\n", "")

	require.NoError(t, a.RemoveDeviceFromGroup("vol1", "backup"))
	assert.Equal(t, "del vol1", tree.read("proc/scsi_tgt/groups/backup/devices"))

	require.NoError(t, a.AddInitiatorPattern("backup", "iqn.*"))
	assert.Equal(t, "add iqn.*", tree.read("proc/scsi_tgt/groups/backup/names"))
	require.NoError(t, a.RemoveInitiatorPattern("backup", "iqn.*"))
	assert.Equal(t, "del iqn.*", tree.read("proc/scsi_tgt/groups/backup/names"))

	assert.Error(t, a.RemoveDeviceFromGroup("vol1", "missing"))
	assert.Error(t, a.AddInitiatorPattern("missing", "iqn.*"))
}

func TestWaitForDevice(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.write("proc/scsi_tgt/scsi_tgt", "header\nvol1 vol1\n")

	require.NoError(t, a.WaitForDevice(context.Background(), "vol1"))

	err := a.WaitForDevice(context.Background(), "vol2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume vol2 missing")
}

func TestRegisterTarget(t *testing.T) {
	a, _, runner := newTestAdapter(t)
	target := &model.Target{
		TID:    3,
		Name:   "iqn.2010.backup:t3",
		Params: []model.Param{{Key: "QueuedCommands", Value: "32"}, {Key: "HeaderDigest", Value: "None"}},
		Auth:   &model.Credential{Name: "out", SecretHash: model.EncodeSecret("0123456789abcdef")},
	}

	require.NoError(t, a.RegisterTarget(context.Background(), target))
	assert.Equal(t, []string{
		"iscsi-scst-adm --op new --tid=3 --params Name=iqn.2010.backup:t3",
		"iscsi-scst-adm --op update --tid=3 --params QueuedCommands=32,HeaderDigest=None",
		"iscsi-scst-adm --op new --tid=3 --user --params OutgoingUser=out,Password=0123456789abcdef",
	}, runner.lines())
}

func TestRegisterTargetRejectsShortSecret(t *testing.T) {
	a, _, runner := newTestAdapter(t)
	target := &model.Target{TID: 1, Name: "iqn.a", Auth: &model.Credential{Name: "out", SecretHash: model.EncodeSecret("short")}}

	err := a.RegisterTarget(context.Background(), target)
	var subErr *admerrors.SubsystemError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "register target", subErr.Op)
	assert.Len(t, runner.calls, 1)
}

func TestIsTargetRegistered(t *testing.T) {
	a, _, runner := newTestAdapter(t)
	runner.errs["iscsi-scst-adm --op show --tid=2"] = &admerrors.ExecutionError{
		Command: "iscsi-scst-adm", ExitCode: 1, Output: "Invalid argument.",
	}
	runner.errs["iscsi-scst-adm --op show --tid=3"] = &admerrors.ExecutionError{
		Command: "iscsi-scst-adm", ExitCode: 1, Output: "Connection refused",
	}
	ctx := context.Background()

	ok, err := a.IsTargetRegistered(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsTargetRegistered(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.IsTargetRegistered(ctx, 3)
	assert.Error(t, err)
}

func TestUsers(t *testing.T) {
	a, _, runner := newTestAdapter(t)
	runner.outputs["iscsi-scst-adm --op show --tid=1 --user"] = "IncomingUser alice\nIncomingUser bob\nOutgoingUser out\n"
	ctx := context.Background()

	users, err := a.UsersInTarget(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "out"}, users)

	ok, err := a.IsUserInTarget(ctx, "bob", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.IsUserInTarget(ctx, "carol", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	u := &model.User{Name: "alice", SecretHash: model.EncodeSecret("alice-secret-1")}
	require.NoError(t, a.AddUserToTarget(ctx, u, 1))
	require.NoError(t, a.RemoveUserFromTarget(ctx, "alice", 1))
	assert.Equal(t, []string{
		"iscsi-scst-adm --op show --tid=1 --user",
		"iscsi-scst-adm --op show --tid=1 --user",
		"iscsi-scst-adm --op show --tid=1 --user",
		"iscsi-scst-adm --op new --tid=1 --user --params IncomingUser=alice,Password=alice-secret-1",
		"iscsi-scst-adm --op delete --tid=1 --user --params IncomingUser=alice",
	}, runner.lines())
}

func TestISCSITargets(t *testing.T) {
	a, tree, _ := newTestAdapter(t)

	targets, err := a.ISCSITargets()
	require.NoError(t, err)
	assert.Empty(t, targets, "no session file means iSCSI is inactive")

	tree.write("proc/scsi_tgt/iscsi/session",
		"tid:1 name:iqn.2010-01.de.example:t1\n"+
			"\tsid:281475899523136 initiator:iqn.1991-05.com.microsoft:host1\n"+
			"\t\tcid:0 ip:10.0.0.2 state:active hd:none dd:none\n"+
			"tid:2 name:iqn.2010-01.de.example:t2\n")

	targets, err = a.ISCSITargets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, 1, targets[0].TID)
	assert.Equal(t, "iqn.2010-01.de.example:t1", targets[0].Name)
	assert.Equal(t, []ISCSISession{{SID: "281475899523136", Initiator: "iqn.1991-05.com.microsoft:host1"}}, targets[0].Sessions)
	assert.Empty(t, targets[1].Sessions)
}

func TestKernelModuleLoaded(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.write("proc/modules", "scst_user 60872 0 - Live 0xffffffffa0400000\niscsi_scst 100 0 - Live 0x0\n")

	ok, err := a.KernelModuleLoaded("scst_user")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.KernelModuleLoaded("scst")
	require.NoError(t, err)
	assert.False(t, ok, "prefix of another module name is not a match")
}

func TestValidateSCST(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.write("proc/modules", "scst 1 0 - Live 0x0\n")

	err := a.ValidateSCST("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scst_user kernel module not loaded")

	tree.write("proc/modules", "scst 1 0 - Live 0x0\nscst_user 1 0 - Live 0x0\n")
	err = a.ValidateSCST("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scst_user) is not started")

	tree.write("dev/scst_user", "")
	require.NoError(t, a.ValidateSCST(""))
	require.NoError(t, a.ValidateSCST("dedupv1"), "temp files belong to the test's group")

	a.LookupGroupID = func(string) (int, error) { return os.Getegid() + 1, nil }
	err = a.ValidateSCST("dedupv1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong permissions")
}

func TestISCSIRunning(t *testing.T) {
	a, tree, _ := newTestAdapter(t)
	tree.mkdir("proc")

	running, err := a.ISCSIRunning()
	require.NoError(t, err)
	assert.False(t, running, "no init script")

	tree.write("etc/init.d/iscsi-scst", "#!/bin/sh\n")
	tree.write("proc/17/comm", "sshd\n")
	running, err = a.ISCSIRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Error(t, a.ValidateISCSI())

	tree.write("proc/42/comm", "iscsi-scstd\n")
	running, err = a.ISCSIRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.NoError(t, a.ValidateISCSI())
}

func TestBootstrap(t *testing.T) {
	a, tree, runner := newTestAdapter(t)
	tree.write("proc/modules", "")
	tree.write("dev/scst_user", "")
	tree.write("etc/init.d/iscsi-scst", "#!/bin/sh\n")
	a.LookupGroupID = func(string) (int, error) { return 1234, nil }

	// The fake runner does not load anything, so validation fails after
	// the commands ran.
	err := a.Bootstrap(context.Background(), "dedupv1", true, "", "")
	require.Error(t, err)

	assert.Equal(t, []string{
		"modprobe scst proc_gid=1234",
		"modprobe scst_user",
		"chgrp dedupv1 " + filepath.Join(tree.root, "dev/scst_user"),
		"chmod g+rw " + filepath.Join(tree.root, "dev/scst_user"),
	}, runner.lines())
}

func TestStartISCSI(t *testing.T) {
	a, tree, runner := newTestAdapter(t)
	tree.write("etc/init.d/iscsi-scst", "#!/bin/sh\n")
	tree.mkdir("proc")

	require.NoError(t, a.StartISCSI(context.Background(), "dedupv1", "", "10.0.0.1"))
	assert.Equal(t, []string{"iscsi-scst start dedupv1 3260 10.0.0.1"}, runner.lines())

	tree.write("proc/42/comm", "iscsi-scstd\n")
	require.NoError(t, a.StartISCSI(context.Background(), "dedupv1", "", ""))
	assert.Len(t, runner.calls, 1, "already running")
}
