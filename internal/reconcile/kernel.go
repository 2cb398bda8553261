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
	"log/slog"
	"strconv"

	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/model"
)

// ReconcileFromKernelState tears down whatever the kernel currently holds,
// without consulting the daemon. It is used before start, when the daemon
// is not yet reachable, to clear leftovers of an unclean shutdown.
//
// Per-object failures are logged and recorded but never stop the run.
// Only a failure to enumerate the kernel state is returned.
type ReconcileFromKernelState struct {
	Kernel Kernel
	Logger *slog.Logger
}

// NewFromKernelState creates the kernel-state strategy.
func NewFromKernelState(kernel Kernel, logger *slog.Logger) *ReconcileFromKernelState {
	if logger == nil {
		logger = log.Discard()
	}
	return &ReconcileFromKernelState{
		Kernel: kernel,
		Logger: log.WithComponent(logger, "reconcile"),
	}
}

func (r *ReconcileFromKernelState) step(ctx context.Context, res *Result, opts ReconcileOptions) *step {
	return &step{ctx: ctx, res: res, opts: opts, logger: r.Logger, bestEffort: true}
}

// Unregister removes users, then targets, then groups.
func (r *ReconcileFromKernelState) Unregister(ctx context.Context, opts ReconcileOptions) (*Result, error) {
	return runSteps(ctx, "kernel_unregister", opts, r.UnregisterUsers, r.UnregisterTargets, r.UnregisterGroups)
}

// UnregisterUsers removes every user from every registered iSCSI target.
func (r *ReconcileFromKernelState) UnregisterUsers(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "kernel_unregister_users", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	targets, err := r.Kernel.ISCSITargets()
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, t := range targets {
		users, uerr := r.Kernel.UsersInTarget(ctx, t.TID)
		if uerr != nil {
			_ = s.record(Outcome{Kind: KindTarget, Name: t.Name, Action: ActionUnregister, Err: uerr})
			continue
		}
		for _, u := range users {
			_ = s.record(Outcome{
				Kind:   KindUser,
				Name:   u + "@" + strconv.Itoa(t.TID),
				Action: ActionUnregister,
				Err:    r.Kernel.RemoveUserFromTarget(ctx, u, t.TID),
			})
		}
	}
	return res, nil
}

// UnregisterTargets unregisters every iSCSI target known to the kernel.
func (r *ReconcileFromKernelState) UnregisterTargets(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "kernel_unregister_targets", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	targets, err := r.Kernel.ISCSITargets()
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, t := range targets {
		_ = s.record(Outcome{
			Kind:   KindTarget,
			Name:   t.Name,
			Action: ActionUnregister,
			Err:    r.Kernel.UnregisterTarget(ctx, t.TID),
		})
	}
	return res, nil
}

// UnregisterGroups empties every SCST group and removes all but Default.
func (r *ReconcileFromKernelState) UnregisterGroups(ctx context.Context, opts ReconcileOptions) (res *Result, err error) {
	ctx, span := startSpan(ctx, "kernel_unregister_groups", opts)
	res = &Result{}
	defer func() { endSpan(span, res, err) }()

	groups, err := r.Kernel.Groups()
	if err != nil {
		return res, err
	}
	s := r.step(ctx, res, opts)
	for _, g := range groups {
		_ = s.record(Outcome{Kind: KindGroup, Name: g, Action: ActionUnregister, Err: r.clearGroup(g)})
	}
	return res, nil
}

func (r *ReconcileFromKernelState) clearGroup(group string) error {
	patterns, err := r.Kernel.InitiatorPatterns(group)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		if err := r.Kernel.RemoveInitiatorPattern(group, p); err != nil {
			return err
		}
	}
	devices, err := r.Kernel.DevicesInGroup(group)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if err := r.Kernel.RemoveDeviceFromGroup(d, group); err != nil {
			return err
		}
	}
	if group == model.DefaultGroup {
		return nil
	}
	return r.Kernel.RemoveGroup(group)
}
