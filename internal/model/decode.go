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

package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

// errorKey is the member the daemon uses to report a failed monitor call.
const errorKey = "ERROR"

// The *JSON types hold only the members reconciliation reads. The daemon
// reports more (serial numbers, block ranges, filter and chunking setup)
// and those are ignored; missing required members are rejected below.

type targetJSON struct {
	Name    *string   `json:"name"`
	Users   []*string `json:"users"`
	Volumes []*string `json:"volumes"`
	Params  []string  `json:"params"`
	Auth    *struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	} `json:"auth"`
}

type groupJSON struct {
	Initiators []string  `json:"initiators"`
	Volumes    []*string `json:"volumes"`
}

type userJSON struct {
	SecretHash string    `json:"secret hash"`
	Targets    []*string `json:"targets"`
}

type lunJSON struct {
	Name string      `json:"name"`
	LUN  json.Number `json:"lun"`
}

type fastCopyJSON struct {
	SourceID     json.Number `json:"source id"`
	SourceOffset uint64      `json:"source start offset"`
	TargetOffset uint64      `json:"target start offset"`
	State        string      `json:"state"`
	Size         uint64      `json:"size"`
	Current      uint64      `json:"current"`
}

type volumeJSON struct {
	Name        *string        `json:"name"`
	SectorSize  uint64         `json:"sector size"`
	LogicalSize uint64         `json:"logical size"`
	Groups      []lunJSON      `json:"groups"`
	Targets     []lunJSON      `json:"targets"`
	Sessions    int            `json:"sessions"`
	State       string         `json:"state"`
	FastCopy    []fastCopyJSON `json:"fast copy"`
}

// splitObject parses a monitor response into its members and reports an
// "ERROR" member as a monitor failure.
func splitObject(monitor string, data []byte) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, &errors.MonitorMalformedError{Monitor: monitor, Raw: string(data), Cause: err}
	}
	if raw, ok := members[errorKey]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		return nil, &errors.MonitorResponseError{Monitor: monitor, Message: msg}
	}
	return members, nil
}

// DecodeTargets builds targets from the "target" monitor, keyed by tid.
func DecodeTargets(data []byte) (map[int]*Target, error) {
	members, err := splitObject("target", data)
	if err != nil {
		return nil, err
	}

	targets := make(map[int]*Target, len(members))
	for key, raw := range members {
		tid, err := strconv.Atoi(key)
		if err != nil || tid <= 0 {
			return nil, &errors.ValidationError{Field: "target id", Value: key, Message: "must be a positive integer"}
		}
		var tj targetJSON
		if err := json.Unmarshal(raw, &tj); err != nil {
			return nil, fmt.Errorf("decode target %d: %w", tid, err)
		}
		if tj.Name == nil {
			return nil, &errors.ValidationError{Field: "target name", Message: fmt.Sprintf("missing for target %d", tid)}
		}
		if err := ValidateTargetName(*tj.Name); err != nil {
			return nil, err
		}

		t := &Target{TID: tid, Name: *tj.Name}
		t.Users = compactStrings(tj.Users)
		if t.Volumes, err = parseMappings("target "+t.Name, tj.Volumes); err != nil {
			return nil, err
		}
		for _, p := range tj.Params {
			k, v, ok := strings.Cut(p, "=")
			if !ok || k == "" {
				return nil, &errors.ValidationError{Field: "target param", Value: p, Message: "expected key=value"}
			}
			t.Params = append(t.Params, Param{Key: k, Value: v})
		}
		if tj.Auth != nil && (tj.Auth.Name != "" || tj.Auth.Secret != "") {
			t.Auth = &Credential{Name: tj.Auth.Name, SecretHash: tj.Auth.Secret}
		}
		targets[tid] = t
	}
	return targets, nil
}

// DecodeGroups builds groups from the "group" monitor, keyed by name.
func DecodeGroups(data []byte) (map[string]*Group, error) {
	members, err := splitObject("group", data)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*Group, len(members))
	for name, raw := range members {
		if name != DefaultGroup {
			if err := ValidateGroupName(name); err != nil {
				return nil, err
			}
		}
		var gj groupJSON
		if err := json.Unmarshal(raw, &gj); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", name, err)
		}
		g := &Group{Name: name, Initiators: gj.Initiators}
		if g.Volumes, err = parseMappings("group "+name, gj.Volumes); err != nil {
			return nil, err
		}
		groups[name] = g
	}
	return groups, nil
}

// DecodeUsers builds users from the "user" monitor, keyed by name.
func DecodeUsers(data []byte) (map[string]*User, error) {
	members, err := splitObject("user", data)
	if err != nil {
		return nil, err
	}

	users := make(map[string]*User, len(members))
	for name, raw := range members {
		if err := ValidateUserName(name); err != nil {
			return nil, err
		}
		var uj userJSON
		if err := json.Unmarshal(raw, &uj); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", name, err)
		}
		users[name] = &User{Name: name, SecretHash: uj.SecretHash, Targets: compactStrings(uj.Targets)}
	}
	return users, nil
}

// DecodeVolumes builds volumes from the "volume" monitor, keyed by id. A
// null entry is a volume in detaching state.
func DecodeVolumes(data []byte) (map[uint64]*Volume, error) {
	members, err := splitObject("volume", data)
	if err != nil {
		return nil, err
	}

	volumes := make(map[uint64]*Volume, len(members))
	for key, raw := range members {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, &errors.ValidationError{Field: "volume id", Value: key, Message: "must be an unsigned integer"}
		}
		if isNull(raw) {
			volumes[id] = &Volume{ID: id, State: VolumeDetaching}
			continue
		}
		var vj volumeJSON
		if err := json.Unmarshal(raw, &vj); err != nil {
			return nil, fmt.Errorf("decode volume %d: %w", id, err)
		}
		if vj.Name == nil {
			return nil, &errors.ValidationError{Field: "volume name", Message: fmt.Sprintf("missing for volume %d", id)}
		}
		if err := ValidateVolumeName(*vj.Name); err != nil {
			return nil, err
		}

		v := &Volume{
			ID:           id,
			Name:         *vj.Name,
			SectorSize:   vj.SectorSize,
			LogicalSize:  vj.LogicalSize,
			State:        VolumeState(vj.State),
			SessionCount: vj.Sessions,
		}
		if v.State == "" {
			v.State = VolumeRunning
		}
		if v.Groups, err = parseLUNObjects("volume "+v.Name, vj.Groups); err != nil {
			return nil, err
		}
		if v.Targets, err = parseLUNObjects("volume "+v.Name, vj.Targets); err != nil {
			return nil, err
		}
		if len(vj.FastCopy) > 0 {
			fc := vj.FastCopy[0]
			v.FastCopy = &FastCopyJob{
				SourceID:     fc.SourceID.String(),
				SourceOffset: fc.SourceOffset,
				TargetOffset: fc.TargetOffset,
				Size:         fc.Size,
				Current:      fc.Current,
				Failed:       fc.State == "failed",
			}
		}
		volumes[id] = v
	}
	return volumes, nil
}

// parseMappings parses "volume:lun" strings, sorts them by LUN and rejects
// duplicate LUNs.
func parseMappings(owner string, entries []*string) ([]LUNMapping, error) {
	var mappings []LUNMapping
	for _, e := range entries {
		if e == nil {
			continue
		}
		idx := strings.LastIndex(*e, ":")
		if idx <= 0 {
			return nil, &errors.ValidationError{Field: owner + " volume", Value: *e, Message: "expected volume:lun"}
		}
		lun, err := strconv.Atoi((*e)[idx+1:])
		if err != nil || lun < 0 {
			return nil, &errors.ValidationError{Field: owner + " lun", Value: *e, Message: "lun must be a non-negative integer"}
		}
		mappings = append(mappings, LUNMapping{Name: (*e)[:idx], LUN: lun})
	}
	return checkLUNs(owner, mappings)
}

// parseLUNObjects parses {"name", "lun"} objects as listed by the volume monitor.
func parseLUNObjects(owner string, entries []lunJSON) ([]LUNMapping, error) {
	var mappings []LUNMapping
	for _, e := range entries {
		if e.Name == "" {
			return nil, &errors.ValidationError{Field: owner + " mapping", Message: "missing name"}
		}
		lun, err := strconv.Atoi(e.LUN.String())
		if err != nil || lun < 0 {
			return nil, &errors.ValidationError{Field: owner + " lun", Value: e.LUN.String(), Message: "lun must be a non-negative integer"}
		}
		mappings = append(mappings, LUNMapping{Name: e.Name, LUN: lun})
	}
	sortByLUN(mappings)
	return mappings, nil
}

func checkLUNs(owner string, mappings []LUNMapping) ([]LUNMapping, error) {
	sortByLUN(mappings)
	for i := 1; i < len(mappings); i++ {
		if mappings[i].LUN == mappings[i-1].LUN {
			return nil, &errors.ValidationError{
				Field:   owner + " lun",
				Value:   strconv.Itoa(mappings[i].LUN),
				Message: "lun assigned twice",
			}
		}
	}
	return mappings, nil
}

func compactStrings(in []*string) []string {
	var out []string
	for _, s := range in {
		if s != nil && *s != "" {
			out = append(out, *s)
		}
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
