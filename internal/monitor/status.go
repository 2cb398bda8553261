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

package monitor

import (
	"context"
	"encoding/json"

	"github.com/tombee/dedupv1adm/internal/model"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Daemon state change requests accepted by the status monitor.
const (
	ChangeStateStop          = "stop"
	ChangeStateWritebackStop = "writeback-stop"
	ChangeStateFastStop      = "fast-stop"
)

// Status is the decoded "status" monitor.
type Status struct {
	State string `json:"state"`
}

// OK reports whether the daemon is fully started.
func (s *Status) OK() bool {
	return s != nil && s.State == "ok"
}

// Status reads the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	raw, err := c.Read(ctx, "status")
	if err != nil {
		return nil, err
	}
	if err := CheckError("status", raw); err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, &errors.MonitorMalformedError{Monitor: "status", Raw: string(raw), Cause: err}
	}
	return &status, nil
}

// ChangeState asks the daemon to change its run state, e.g. to stop.
// The request is sent exactly once.
func (c *Client) ChangeState(ctx context.Context, state string) error {
	body, err := c.fetch(ctx, "status", []Param{P("change-state", state)}, 0)
	if err != nil {
		return err
	}
	if !json.Valid(body) {
		return &errors.MonitorMalformedError{Monitor: "status", Raw: string(body)}
	}
	return CheckError("status", body)
}

// Targets reads the declared targets keyed by tid.
func (c *Client) Targets(ctx context.Context) (map[int]*model.Target, error) {
	raw, err := c.Read(ctx, "target")
	if err != nil {
		return nil, err
	}
	return model.DecodeTargets(raw)
}

// Groups reads the declared groups keyed by name.
func (c *Client) Groups(ctx context.Context) (map[string]*model.Group, error) {
	raw, err := c.Read(ctx, "group")
	if err != nil {
		return nil, err
	}
	return model.DecodeGroups(raw)
}

// Users reads the declared users keyed by name.
func (c *Client) Users(ctx context.Context) (map[string]*model.User, error) {
	raw, err := c.Read(ctx, "user")
	if err != nil {
		return nil, err
	}
	return model.DecodeUsers(raw)
}

// Volumes reads the declared volumes keyed by id.
func (c *Client) Volumes(ctx context.Context) (map[uint64]*model.Volume, error) {
	raw, err := c.Read(ctx, "volume")
	if err != nil {
		return nil, err
	}
	return model.DecodeVolumes(raw)
}
