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

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/model"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// ReconcileFromDeclaredState applies the daemon's declared objects to the
// kernel. Every add checks the kernel first, so registering twice never
// creates duplicate entries.
type ReconcileFromDeclaredState struct {
	Source DeclaredSource
	Kernel Kernel
	Logger *slog.Logger
}

// NewFromDeclaredState creates the declared-state strategy.
func NewFromDeclaredState(source DeclaredSource, kernel Kernel, logger *slog.Logger) *ReconcileFromDeclaredState {
	if logger == nil {
		logger = log.Discard()
	}
	return &ReconcileFromDeclaredState{
		Source: source,
		Kernel: kernel,
		Logger: log.WithComponent(logger, "reconcile"),
	}
}

func (r *ReconcileFromDeclaredState) step(ctx context.Context, res *Result, opts ReconcileOptions) *step {
	return &step{ctx: ctx, res: res, opts: opts, logger: r.Logger}
}

type stepFunc func(context.Context, ReconcileOptions) (*Result, error)

func runSteps(ctx context.Context, name string, opts ReconcileOptions, steps ...stepFunc) (res *Result, err error) {
	ctx, span := startSpan(ctx, name, opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	for _, fn := range steps {
		r, err := fn(ctx, opts)
		res.Merge(r)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Register registers groups, targets, volumes and users in that order.
func (r *ReconcileFromDeclaredState) Register(ctx context.Context, opts ReconcileOptions) (*Result, error) {
	return runSteps(ctx, "register", opts, r.RegisterGroups, r.RegisterTargets, r.RegisterVolumes, r.RegisterUsers)
}

// Unregister unregisters users, volumes, targets and groups in that order.
func (r *ReconcileFromDeclaredState) Unregister(ctx context.Context, opts ReconcileOptions) (*Result, error) {
	return runSteps(ctx, "unregister", opts, r.UnregisterUsers, r.UnregisterVolumes, r.UnregisterTargets, r.UnregisterGroups)
}

// RegisterGroups creates every declared group and adds its initiator
// patterns. The Default group always exists and is never created.
func (r *ReconcileFromDeclaredState) RegisterGroups(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "register_groups", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	groups, err := r.Source.Groups(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, g := range groups {
		o := Outcome{Kind: KindGroup, Name: g.Name, Action: ActionRegister, Err: r.registerGroup(g)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) registerGroup(g *model.Group) error {
	if !g.IsDefault() {
		if err := r.ensureGroup(g.Name); err != nil {
			return err
		}
	}
	present, err := r.Kernel.InitiatorPatterns(g.Name)
	if err != nil {
		return err
	}
	for _, p := range g.Initiators {
		if slices.Contains(present, p) {
			continue
		}
		if err := r.Kernel.AddInitiatorPattern(g.Name, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReconcileFromDeclaredState) ensureGroup(group string) error {
	exists, err := r.Kernel.GroupExists(group)
	if err != nil || exists {
		return err
	}
	return r.Kernel.AddGroup(group)
}

// RegisterTargets registers every declared target. A target with volumes
// also gets its implicit Default_<name> group.
func (r *ReconcileFromDeclaredState) RegisterTargets(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "register_targets", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	targets, err := r.Source.Targets(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, t := range targets {
		o := Outcome{Kind: KindTarget, Name: t.Name, Action: ActionRegister, Err: r.registerTarget(ctx, t)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) registerTarget(ctx context.Context, t *model.Target) error {
	registered, err := r.Kernel.IsTargetRegistered(ctx, t.TID)
	if err != nil {
		return err
	}
	if !registered {
		if err := r.Kernel.RegisterTarget(ctx, t); err != nil {
			return err
		}
	}
	if t.HasVolumes() {
		return r.ensureGroup(t.ImplicitGroup())
	}
	return nil
}

// RegisterVolumes assigns every volume to its declared groups and to the
// implicit groups of its targets. Detaching volumes are skipped.
func (r *ReconcileFromDeclaredState) RegisterVolumes(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "register_volumes", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	volumes, err := r.Source.Volumes(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, v := range volumes {
		o := Outcome{Kind: KindVolume, Name: volumeName(v), Action: ActionRegister}
		if v.Detaching() {
			o.Skipped = true
		} else {
			o.Err = r.registerVolume(ctx, v)
		}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) registerVolume(ctx context.Context, v *model.Volume) error {
	if err := r.Kernel.WaitForDevice(ctx, v.Name); err != nil {
		return err
	}
	for _, m := range v.Groups {
		if err := r.addDevice(v.Name, m.Name, m.LUN); err != nil {
			return err
		}
	}
	for _, m := range v.Targets {
		group := model.ImplicitGroupName(m.Name)
		if err := r.ensureGroup(group); err != nil {
			return err
		}
		if err := r.addDevice(v.Name, group, m.LUN); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReconcileFromDeclaredState) addDevice(volume, group string, lun int) error {
	devices, err := r.Kernel.DevicesInGroup(group)
	if err != nil {
		return err
	}
	if slices.Contains(devices, volume) {
		return nil
	}
	return r.Kernel.AddDeviceToGroup(volume, group, lun)
}

// RegisterUsers adds every user's CHAP credential to its targets. Each
// target must already be registered.
func (r *ReconcileFromDeclaredState) RegisterUsers(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "register_users", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	users, err := r.Source.Users(ctx)
	if err != nil {
		return res, err
	}
	byName, err := r.targetsByName(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, u := range users {
		o := Outcome{Kind: KindUser, Name: u.Name, Action: ActionRegister, Err: r.registerUser(ctx, u, byName)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) registerUser(ctx context.Context, u *model.User, byName map[string]*model.Target) error {
	for _, name := range u.Targets {
		t, ok := byName[name]
		if !ok {
			return &errors.NotFoundError{Resource: "target", ID: name}
		}
		registered, err := r.Kernel.IsTargetRegistered(ctx, t.TID)
		if err != nil {
			return err
		}
		if !registered {
			return &errors.SubsystemError{
				Op:     "add user to target",
				Object: fmt.Sprintf("%s (target %s)", u.Name, name),
				Cause:  fmt.Errorf("target %s not registered", name),
			}
		}
		in, err := r.Kernel.IsUserInTarget(ctx, u.Name, t.TID)
		if err != nil {
			return err
		}
		if in {
			continue
		}
		if err := r.Kernel.AddUserToTarget(ctx, u, t.TID); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReconcileFromDeclaredState) targetsByName(ctx context.Context) (map[string]*model.Target, error) {
	targets, err := r.Source.Targets(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*model.Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}
	return byName, nil
}

// UnregisterUsers removes every user from the registered targets it is
// attached to.
func (r *ReconcileFromDeclaredState) UnregisterUsers(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "unregister_users", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	users, err := r.Source.Users(ctx)
	if err != nil {
		return res, err
	}
	byName, err := r.targetsByName(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, u := range users {
		o := Outcome{Kind: KindUser, Name: u.Name, Action: ActionUnregister, Err: r.unregisterUser(ctx, u, byName)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) unregisterUser(ctx context.Context, u *model.User, byName map[string]*model.Target) error {
	for _, name := range u.Targets {
		t, ok := byName[name]
		if !ok {
			continue
		}
		registered, err := r.Kernel.IsTargetRegistered(ctx, t.TID)
		if err != nil {
			return err
		}
		if !registered {
			continue
		}
		in, err := r.Kernel.IsUserInTarget(ctx, u.Name, t.TID)
		if err != nil {
			return err
		}
		if !in {
			continue
		}
		if err := r.Kernel.RemoveUserFromTarget(ctx, u.Name, t.TID); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterVolumes removes every volume from its declared groups and the
// implicit groups of its targets. Detaching volumes are skipped.
func (r *ReconcileFromDeclaredState) UnregisterVolumes(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "unregister_volumes", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	volumes, err := r.Source.Volumes(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, v := range volumes {
		o := Outcome{Kind: KindVolume, Name: volumeName(v), Action: ActionUnregister}
		if v.Detaching() {
			o.Skipped = true
		} else {
			o.Err = r.unregisterVolume(v)
		}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) unregisterVolume(v *model.Volume) error {
	for _, m := range v.Groups {
		if err := r.removeDevice(v.Name, m.Name); err != nil {
			return err
		}
	}
	for _, m := range v.Targets {
		if err := r.removeDevice(v.Name, model.ImplicitGroupName(m.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReconcileFromDeclaredState) removeDevice(volume, group string) error {
	exists, err := r.Kernel.GroupExists(group)
	if err != nil || !exists {
		return err
	}
	devices, err := r.Kernel.DevicesInGroup(group)
	if err != nil {
		return err
	}
	if !slices.Contains(devices, volume) {
		return nil
	}
	return r.Kernel.RemoveDeviceFromGroup(volume, group)
}

// UnregisterTargets unregisters every registered target and removes the
// implicit group of targets with volumes.
func (r *ReconcileFromDeclaredState) UnregisterTargets(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "unregister_targets", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	targets, err := r.Source.Targets(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, t := range targets {
		o := Outcome{Kind: KindTarget, Name: t.Name, Action: ActionUnregister, Err: r.unregisterTarget(ctx, t)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) unregisterTarget(ctx context.Context, t *model.Target) error {
	registered, err := r.Kernel.IsTargetRegistered(ctx, t.TID)
	if err != nil {
		return err
	}
	if registered {
		if err := r.Kernel.UnregisterTarget(ctx, t.TID); err != nil {
			return err
		}
	}
	if !t.HasVolumes() {
		return nil
	}
	exists, err := r.Kernel.GroupExists(t.ImplicitGroup())
	if err != nil || !exists {
		return err
	}
	return r.Kernel.RemoveGroup(t.ImplicitGroup())
}

// UnregisterGroups removes the declared initiator patterns and every
// group except Default.
func (r *ReconcileFromDeclaredState) UnregisterGroups(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "unregister_groups", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	groups, err := r.Source.Groups(ctx)
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, g := range groups {
		o := Outcome{Kind: KindGroup, Name: g.Name, Action: ActionUnregister, Err: r.unregisterGroup(g)}
		if err = s.record(o); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *ReconcileFromDeclaredState) unregisterGroup(g *model.Group) error {
	exists, err := r.Kernel.GroupExists(g.Name)
	if err != nil || !exists {
		return err
	}
	present, err := r.Kernel.InitiatorPatterns(g.Name)
	if err != nil {
		return err
	}
	for _, p := range g.Initiators {
		if !slices.Contains(present, p) {
			continue
		}
		if err := r.Kernel.RemoveInitiatorPattern(g.Name, p); err != nil {
			return err
		}
	}
	if g.IsDefault() {
		return nil
	}
	return r.Kernel.RemoveGroup(g.Name)
}

func volumeName(v *model.Volume) string {
	if v.Name != "" {
		return v.Name
	}
	return fmt.Sprintf("#%d", v.ID)
}
