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

package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dedupv1adm/internal/lifecycle"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, &lifecycle.LifecycleEvent{
		Timestamp:    base,
		InvocationID: "inv-1",
		Event:        lifecycle.EventStart,
		Success:      true,
		Flags:        map[string]string{"create": "true"},
		ConfigFile:   "/etc/dedupv1/dedupv1.conf",
	}))
	require.NoError(t, s.Record(ctx, &lifecycle.LifecycleEvent{
		Timestamp:    base.Add(time.Second),
		InvocationID: "inv-1",
		Event:        lifecycle.EventStartFailure,
		Error:        "failed to start dedupv1d",
	}))

	events, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, lifecycle.EventStartFailure, events[0].Event, "newest first")
	assert.False(t, events[0].Success)
	assert.Equal(t, "failed to start dedupv1d", events[0].Error)

	start := events[1]
	assert.True(t, start.Timestamp.Equal(base))
	assert.Equal(t, "inv-1", start.InvocationID)
	assert.Equal(t, map[string]string{"create": "true"}, start.Flags)
	assert.Equal(t, "/etc/dedupv1/dedupv1.conf", start.ConfigFile)
}

func TestListFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, name := range []string{lifecycle.EventStart, lifecycle.EventStop, lifecycle.EventStart} {
		require.NoError(t, s.Record(ctx, &lifecycle.LifecycleEvent{
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			InvocationID: "inv-" + name,
			Event:        name,
			PID:          100 + i,
		}))
	}

	tests := []struct {
		name    string
		filter  Filter
		wantPID []int
	}{
		{"all", Filter{}, []int{102, 101, 100}},
		{"limit", Filter{Limit: 1}, []int{102}},
		{"by event", Filter{Event: lifecycle.EventStop}, []int{101}},
		{"by invocation", Filter{InvocationID: "inv-start"}, []int{102, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			var pids []int
			for _, e := range events {
				pids = append(pids, e.PID)
			}
			assert.Equal(t, tt.wantPID, pids)
		})
	}
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Record(ctx, &lifecycle.LifecycleEvent{Timestamp: now.Add(-48 * time.Hour), Event: lifecycle.EventStop}))
	require.NoError(t, s.Record(ctx, &lifecycle.LifecycleEvent{Timestamp: now, Event: lifecycle.EventStart}))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventStart, events[0].Event)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "lib", "dedupv1adm.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), &lifecycle.LifecycleEvent{Timestamp: time.Now(), Event: lifecycle.EventClean}))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	events, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestJournalFeedsLifecycleLogger(t *testing.T) {
	s := openStore(t)
	l := lifecycle.NewLifecycleLogger(s, "inv-9", nil)
	l.LogStaleLock(context.Background(), 77, "daemon not running")

	events, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, lifecycle.EventStaleLock, events[0].Event)
	assert.Equal(t, 77, events[0].PID)
	assert.Equal(t, "inv-9", events[0].InvocationID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}
