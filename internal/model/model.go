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

// Package model holds the typed records for the objects the daemon declares:
// iSCSI targets, initiator groups, CHAP users and volumes.
//
// Records are built once from the daemon's monitor JSON by the Decode
// functions; unknown shapes and missing required fields are rejected there
// so the reconciliation code never deals with loosely-typed maps.
package model

import (
	"sort"
	"strconv"
)

// LUNMapping binds a named object to a logical unit number. Depending on
// the owner, Name is a volume name (target/group view) or a group/target
// name (volume view).
type LUNMapping struct {
	Name string `json:"name"`
	LUN  int    `json:"lun"`
}

// String returns the "name:lun" form used by the monitor and the kernel.
func (m LUNMapping) String() string {
	return m.Name + ":" + strconv.Itoa(m.LUN)
}

// Param is a single iSCSI target parameter such as MaxRecvDataSegmentLength.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Credential is a CHAP user name with its obfuscated secret.
type Credential struct {
	Name       string `json:"name"`
	SecretHash string `json:"-"`
}

// Target is an iSCSI target declared by the daemon.
type Target struct {
	TID     int          `json:"tid"`
	Name    string       `json:"name"`
	Params  []Param      `json:"params,omitempty"`
	Auth    *Credential  `json:"auth,omitempty"`
	Volumes []LUNMapping `json:"volumes,omitempty"`
	Users   []string     `json:"users,omitempty"`
}

// HasVolumes reports whether the target exports any LUN.
func (t *Target) HasVolumes() bool {
	return len(t.Volumes) > 0
}

// ImplicitGroup returns the name of the group holding the target's LUNs.
func (t *Target) ImplicitGroup() string {
	return ImplicitGroupName(t.Name)
}

// Group is an initiator group declared by the daemon.
type Group struct {
	Name       string       `json:"name"`
	Initiators []string     `json:"initiators,omitempty"`
	Volumes    []LUNMapping `json:"volumes,omitempty"`
}

// IsDefault reports whether this is the SCST default group.
func (g *Group) IsDefault() bool {
	return g.Name == DefaultGroup
}

// User is a CHAP user declared by the daemon.
type User struct {
	Name       string   `json:"name"`
	SecretHash string   `json:"-"`
	Targets    []string `json:"targets,omitempty"`
}

// Secret returns the plaintext CHAP secret.
func (u *User) Secret() (string, error) {
	return DecodeSecret(u.SecretHash)
}

// VolumeState is the lifecycle state of a volume.
type VolumeState string

const (
	VolumeAttaching   VolumeState = "attaching"
	VolumeRunning     VolumeState = "running"
	VolumeMaintenance VolumeState = "maintenance"
	VolumeDetaching   VolumeState = "detaching"
	VolumeFailed      VolumeState = "failure"
)

// FastCopyJob is an in-progress background copy into a volume.
type FastCopyJob struct {
	SourceID     string `json:"source_id"`
	SourceOffset uint64 `json:"source_offset"`
	TargetOffset uint64 `json:"target_offset"`
	Size         uint64 `json:"size"`
	Current      uint64 `json:"current"`
	Failed       bool   `json:"failed"`
}

// Volume is a deduplicated block device declared by the daemon.
type Volume struct {
	ID           uint64       `json:"id"`
	Name         string       `json:"name"`
	SectorSize   uint64       `json:"sector_size,omitempty"`
	LogicalSize  uint64       `json:"logical_size"`
	State        VolumeState  `json:"state"`
	Groups       []LUNMapping `json:"groups,omitempty"`
	Targets      []LUNMapping `json:"targets,omitempty"`
	SessionCount int          `json:"sessions"`
	FastCopy     *FastCopyJob `json:"fast_copy,omitempty"`
}

// Detaching reports whether the volume is being detached. Detaching
// volumes are listed by the daemon without any data.
func (v *Volume) Detaching() bool {
	return v.State == VolumeDetaching
}

// sortByLUN orders mappings by LUN in place.
func sortByLUN(m []LUNMapping) {
	sort.SliceStable(m, func(i, j int) bool { return m[i].LUN < m[j].LUN })
}
