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

	"github.com/tombee/dedupv1adm/internal/model"
	"github.com/tombee/dedupv1adm/internal/scst"
)

// DeclaredSource serves the objects the daemon declares, in a stable order.
type DeclaredSource interface {
	Targets(ctx context.Context) ([]*model.Target, error)
	Groups(ctx context.Context) ([]*model.Group, error)
	Users(ctx context.Context) ([]*model.User, error)
	Volumes(ctx context.Context) ([]*model.Volume, error)
}

// Kernel is the SCST surface reconciliation works against. *scst.Adapter
// implements it.
type Kernel interface {
	Groups() ([]string, error)
	GroupExists(group string) (bool, error)
	AddGroup(group string) error
	RemoveGroup(group string) error
	DevicesInGroup(group string) ([]string, error)
	AddDeviceToGroup(volume, group string, lun int) error
	RemoveDeviceFromGroup(volume, group string) error
	InitiatorPatterns(group string) ([]string, error)
	AddInitiatorPattern(group, pattern string) error
	RemoveInitiatorPattern(group, pattern string) error
	WaitForDevice(ctx context.Context, volume string) error

	RegisterTarget(ctx context.Context, t *model.Target) error
	UnregisterTarget(ctx context.Context, tid int) error
	IsTargetRegistered(ctx context.Context, tid int) (bool, error)
	AddUserToTarget(ctx context.Context, u *model.User, tid int) error
	RemoveUserFromTarget(ctx context.Context, user string, tid int) error
	IsUserInTarget(ctx context.Context, user string, tid int) (bool, error)
	UsersInTarget(ctx context.Context, tid int) ([]string, error)
	ISCSITargets() ([]scst.ISCSITarget, error)
}

var _ Kernel = (*scst.Adapter)(nil)
