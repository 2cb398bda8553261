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
	"maps"
	"slices"

	"github.com/tombee/dedupv1adm/internal/model"
)

// Source serves the daemon's declared objects in a stable order: targets
// by tid, groups and users by name, volumes by id.
type Source struct {
	Client *Client
}

// NewSource wraps a client.
func NewSource(client *Client) *Source {
	return &Source{Client: client}
}

func (s *Source) Targets(ctx context.Context) ([]*model.Target, error) {
	m, err := s.Client.Targets(ctx)
	if err != nil {
		return nil, err
	}
	return inKeyOrder(m), nil
}

func (s *Source) Groups(ctx context.Context) ([]*model.Group, error) {
	m, err := s.Client.Groups(ctx)
	if err != nil {
		return nil, err
	}
	return inKeyOrder(m), nil
}

func (s *Source) Users(ctx context.Context) ([]*model.User, error) {
	m, err := s.Client.Users(ctx)
	if err != nil {
		return nil, err
	}
	return inKeyOrder(m), nil
}

func (s *Source) Volumes(ctx context.Context) ([]*model.Volume, error) {
	m, err := s.Client.Volumes(ctx)
	if err != nil {
		return nil, err
	}
	return inKeyOrder(m), nil
}

func inKeyOrder[K int | uint64 | string, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}
