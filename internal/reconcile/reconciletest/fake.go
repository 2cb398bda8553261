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

// Package reconciletest provides in-memory fakes for the kernel and the
// declared state so reconciliation and lifecycle code can be tested
// without SCST or a running daemon.
package reconciletest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tombee/dedupv1adm/internal/model"
	"github.com/tombee/dedupv1adm/internal/scst"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

type fakeGroup struct {
	patterns []string
	devices  map[string]int
	sessions int
}

// Kernel is an in-memory SCST. Like the real subsystem it rejects
// duplicate adds and removals of absent objects, so a caller that is not
// idempotent fails against it. Every mutating call is appended to Calls.
type Kernel struct {
	mu sync.Mutex

	groups  map[string]*fakeGroup
	devices map[string]bool
	targets map[int]*model.Target
	users   map[int][]string
	iscsi   map[int][]scst.ISCSISession

	// Calls lists mutating calls in order, e.g. "add_group g1".
	Calls []string

	// Fail maps a call string to the error it returns.
	Fail map[string]error

	// EnumerateErr is returned by Groups and ISCSITargets when set.
	EnumerateErr error
}

// NewKernel returns a kernel holding only the Default group and the given
// block devices.
func NewKernel(devices ...string) *Kernel {
	k := &Kernel{
		groups:  map[string]*fakeGroup{model.DefaultGroup: {devices: map[string]int{}}},
		devices: map[string]bool{},
		targets: map[int]*model.Target{},
		users:   map[int][]string{},
		iscsi:   map[int][]scst.ISCSISession{},
		Fail:    map[string]error{},
	}
	for _, d := range devices {
		k.devices[d] = true
	}
	return k
}

func (k *Kernel) call(format string, args ...any) error {
	c := fmt.Sprintf(format, args...)
	k.Calls = append(k.Calls, c)
	return k.Fail[c]
}

func subsystem(op, object string, cause error) error {
	return &errors.SubsystemError{Op: op, Object: object, Cause: cause}
}

// SetSessions marks n active sessions against group.
func (k *Kernel) SetSessions(group string, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if g, ok := k.groups[group]; ok {
		g.sessions = n
	}
}

// AddSession logs initiator in to target tid.
func (k *Kernel) AddSession(tid int, initiator string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sid := fmt.Sprint(len(k.iscsi[tid]) + 1)
	k.iscsi[tid] = append(k.iscsi[tid], scst.ISCSISession{SID: sid, Initiator: initiator})
}

// Empty reports whether the kernel holds no targets, no users, no groups
// except Default, and nothing in Default.
func (k *Kernel) Empty() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.targets) > 0 || len(k.groups) != 1 {
		return false
	}
	def := k.groups[model.DefaultGroup]
	return len(def.devices) == 0 && len(def.patterns) == 0
}

// Groups implements reconcile.Kernel.
func (k *Kernel) Groups() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.EnumerateErr != nil {
		return nil, k.EnumerateErr
	}
	names := make([]string, 0, len(k.groups))
	for name := range k.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GroupExists implements reconcile.Kernel.
func (k *Kernel) GroupExists(group string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.groups[group]
	return ok, nil
}

// AddGroup implements reconcile.Kernel.
func (k *Kernel) AddGroup(group string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("add_group %s", group); err != nil {
		return err
	}
	if _, ok := k.groups[group]; ok {
		return subsystem("add group", group, fmt.Errorf("group exists"))
	}
	k.groups[group] = &fakeGroup{devices: map[string]int{}}
	return nil
}

// RemoveGroup implements reconcile.Kernel.
func (k *Kernel) RemoveGroup(group string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("del_group %s", group); err != nil {
		return err
	}
	g, ok := k.groups[group]
	if !ok {
		return subsystem("remove group", group, fmt.Errorf("group not found"))
	}
	if g.sessions > 0 {
		return subsystem("remove group", group, errors.ErrActiveSessions)
	}
	delete(k.groups, group)
	return nil
}

// DevicesInGroup implements reconcile.Kernel.
func (k *Kernel) DevicesInGroup(group string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.groups[group]
	if !ok {
		return nil, subsystem("list devices of group", group, fmt.Errorf("group not found"))
	}
	devices := make([]string, 0, len(g.devices))
	for d := range g.devices {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices, nil
}

// LUN returns the LUN of volume in group and whether it is mapped.
func (k *Kernel) LUN(volume, group string) (int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.groups[group]
	if !ok {
		return 0, false
	}
	lun, ok := g.devices[volume]
	return lun, ok
}

// AddDeviceToGroup implements reconcile.Kernel.
func (k *Kernel) AddDeviceToGroup(volume, group string, lun int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("add %s %s %d", volume, group, lun); err != nil {
		return err
	}
	object := fmt.Sprintf("%s:%d to %s", volume, lun, group)
	g, ok := k.groups[group]
	switch {
	case !ok:
		return subsystem("add device", object, fmt.Errorf("group not found"))
	case !k.devices[volume]:
		return subsystem("add device", object, fmt.Errorf("device not found"))
	}
	if _, dup := g.devices[volume]; dup {
		return subsystem("add device", object, fmt.Errorf("device already in group"))
	}
	for _, l := range g.devices {
		if l == lun {
			return subsystem("add device", object, fmt.Errorf("lun already in use"))
		}
	}
	g.devices[volume] = lun
	return nil
}

// RemoveDeviceFromGroup implements reconcile.Kernel.
func (k *Kernel) RemoveDeviceFromGroup(volume, group string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("del %s %s", volume, group); err != nil {
		return err
	}
	g, ok := k.groups[group]
	if !ok {
		return subsystem("remove device", volume, fmt.Errorf("group not found"))
	}
	if _, ok := g.devices[volume]; !ok {
		return subsystem("remove device", volume, fmt.Errorf("device not in group"))
	}
	delete(g.devices, volume)
	return nil
}

// InitiatorPatterns implements reconcile.Kernel.
func (k *Kernel) InitiatorPatterns(group string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.groups[group]
	if !ok {
		return nil, subsystem("list initiators of group", group, fmt.Errorf("group not found"))
	}
	return slices.Clone(g.patterns), nil
}

// AddInitiatorPattern implements reconcile.Kernel.
func (k *Kernel) AddInitiatorPattern(group, pattern string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("add_initiator %s %s", group, pattern); err != nil {
		return err
	}
	g, ok := k.groups[group]
	if !ok {
		return subsystem("add initiator", pattern, fmt.Errorf("group not found"))
	}
	if slices.Contains(g.patterns, pattern) {
		return subsystem("add initiator", pattern, fmt.Errorf("pattern exists"))
	}
	g.patterns = append(g.patterns, pattern)
	return nil
}

// RemoveInitiatorPattern implements reconcile.Kernel.
func (k *Kernel) RemoveInitiatorPattern(group, pattern string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("del_initiator %s %s", group, pattern); err != nil {
		return err
	}
	g, ok := k.groups[group]
	if !ok {
		return subsystem("remove initiator", pattern, fmt.Errorf("group not found"))
	}
	i := slices.Index(g.patterns, pattern)
	if i < 0 {
		return subsystem("remove initiator", pattern, fmt.Errorf("pattern not found"))
	}
	g.patterns = slices.Delete(g.patterns, i, i+1)
	return nil
}

// WaitForDevice implements reconcile.Kernel. It does not wait.
func (k *Kernel) WaitForDevice(ctx context.Context, volume string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.devices[volume] {
		return subsystem("wait for device", volume, fmt.Errorf("device did not appear"))
	}
	return nil
}

// RegisterTarget implements reconcile.Kernel.
func (k *Kernel) RegisterTarget(ctx context.Context, t *model.Target) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("register_target %d", t.TID); err != nil {
		return err
	}
	if _, ok := k.targets[t.TID]; ok {
		return subsystem("register target", t.Name, fmt.Errorf("target exists"))
	}
	k.targets[t.TID] = t
	return nil
}

// UnregisterTarget implements reconcile.Kernel.
func (k *Kernel) UnregisterTarget(ctx context.Context, tid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("unregister_target %d", tid); err != nil {
		return err
	}
	if _, ok := k.targets[tid]; !ok {
		return subsystem("unregister target", fmt.Sprint(tid), fmt.Errorf("Invalid argument"))
	}
	delete(k.targets, tid)
	delete(k.users, tid)
	return nil
}

// IsTargetRegistered implements reconcile.Kernel.
func (k *Kernel) IsTargetRegistered(ctx context.Context, tid int) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.targets[tid]
	return ok, nil
}

// AddUserToTarget implements reconcile.Kernel.
func (k *Kernel) AddUserToTarget(ctx context.Context, u *model.User, tid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("add_user %s %d", u.Name, tid); err != nil {
		return err
	}
	if _, ok := k.targets[tid]; !ok {
		return subsystem("add user", u.Name, fmt.Errorf("target %d not found", tid))
	}
	if slices.Contains(k.users[tid], u.Name) {
		return subsystem("add user", u.Name, fmt.Errorf("user exists"))
	}
	k.users[tid] = append(k.users[tid], u.Name)
	return nil
}

// RemoveUserFromTarget implements reconcile.Kernel.
func (k *Kernel) RemoveUserFromTarget(ctx context.Context, user string, tid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.call("del_user %s %d", user, tid); err != nil {
		return err
	}
	i := slices.Index(k.users[tid], user)
	if i < 0 {
		return subsystem("remove user", user, fmt.Errorf("user not found"))
	}
	k.users[tid] = slices.Delete(k.users[tid], i, i+1)
	return nil
}

// IsUserInTarget implements reconcile.Kernel.
func (k *Kernel) IsUserInTarget(ctx context.Context, user string, tid int) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Contains(k.users[tid], user), nil
}

// UsersInTarget implements reconcile.Kernel.
func (k *Kernel) UsersInTarget(ctx context.Context, tid int) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.users[tid]), nil
}

// ISCSITargets implements reconcile.Kernel.
func (k *Kernel) ISCSITargets() ([]scst.ISCSITarget, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.EnumerateErr != nil {
		return nil, k.EnumerateErr
	}
	var out []scst.ISCSITarget
	for tid, t := range k.targets {
		out = append(out, scst.ISCSITarget{TID: tid, Name: t.Name, Sessions: slices.Clone(k.iscsi[tid])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TID < out[j].TID })
	return out, nil
}

// Source is a fixed declared state.
type Source struct {
	TargetList []*model.Target
	GroupList  []*model.Group
	UserList   []*model.User
	VolumeList []*model.Volume

	// Err is returned by every method when set.
	Err error
}

// Targets implements reconcile.DeclaredSource.
func (s *Source) Targets(ctx context.Context) ([]*model.Target, error) {
	return s.TargetList, s.Err
}

// Groups implements reconcile.DeclaredSource.
func (s *Source) Groups(ctx context.Context) ([]*model.Group, error) {
	return s.GroupList, s.Err
}

// Users implements reconcile.DeclaredSource.
func (s *Source) Users(ctx context.Context) ([]*model.User, error) {
	return s.UserList, s.Err
}

// Volumes implements reconcile.DeclaredSource.
func (s *Source) Volumes(ctx context.Context) ([]*model.Volume, error) {
	return s.VolumeList, s.Err
}

// Sample returns a declared state with one group, one target exporting
// one volume, a detaching volume and a user attached to the target.
// The kernel must hold device "vol1".
func Sample() *Source {
	return &Source{
		GroupList: []*model.Group{
			{Name: "backup", Initiators: []string{"iqn.2010-04.org.example:host1"}, Volumes: []model.LUNMapping{{Name: "vol1", LUN: 0}}},
		},
		TargetList: []*model.Target{
			{TID: 1, Name: "iqn.2010.05:tgt1", Volumes: []model.LUNMapping{{Name: "vol1", LUN: 0}}, Users: []string{"admin1"}},
		},
		VolumeList: []*model.Volume{
			{
				ID:      1,
				Name:    "vol1",
				State:   model.VolumeRunning,
				Groups:  []model.LUNMapping{{Name: "backup", LUN: 0}},
				Targets: []model.LUNMapping{{Name: "iqn.2010.05:tgt1", LUN: 0}},
			},
			{ID: 2, State: model.VolumeDetaching},
		},
		UserList: []*model.User{
			{Name: "admin1", Targets: []string{"iqn.2010.05:tgt1"}},
		},
	}
}
