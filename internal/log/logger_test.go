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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{name: "defaults", env: map[string]string{}, level: "info", format: FormatText},
		{name: "LOG_LEVEL", env: map[string]string{"LOG_LEVEL": "WARN"}, level: "warn", format: FormatText},
		{
			name:   "DEDUPV1_LOG_LEVEL wins over LOG_LEVEL",
			env:    map[string]string{"LOG_LEVEL": "warn", "DEDUPV1_LOG_LEVEL": "trace"},
			level:  "trace",
			format: FormatText,
		},
		{
			name:      "DEDUPV1_DEBUG wins over everything",
			env:       map[string]string{"DEDUPV1_DEBUG": "1", "DEDUPV1_LOG_LEVEL": "error"},
			level:     "debug",
			format:    FormatText,
			addSource: true,
		},
		{name: "json format", env: map[string]string{"LOG_FORMAT": "JSON"}, level: "info", format: FormatJSON},
		{name: "source", env: map[string]string{"LOG_SOURCE": "1"}, level: "info", format: FormatText, addSource: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"DEDUPV1_DEBUG", "DEDUPV1_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := FromEnv()
			assert.Equal(t, tt.level, cfg.Level)
			assert.Equal(t, tt.format, cfg.Format)
			assert.Equal(t, tt.addSource, cfg.AddSource)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	logger, id := WithInvocation(logger)
	WithComponent(logger, "lifecycle").Info("daemon started", PID(42), Target("iqn.2010.test"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "daemon started", entry["msg"])
	assert.Equal(t, id, entry[InvocationKey])
	assert.Equal(t, "lifecycle", entry[ComponentKey])
	assert.Equal(t, float64(42), entry[PIDKey])
	assert.Equal(t, "iqn.2010.test", entry[TargetKey])
}

func TestTraceRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Trace(New(&Config{Level: "debug", Output: &buf}), "hidden")
	assert.Empty(t, buf.String())

	Trace(New(&Config{Level: "trace", Output: &buf}), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	mw := NewMiddleware(New(&Config{Level: "debug", Output: &buf}))

	err := mw.Run(context.Background(), &Operation{Kind: "command", Name: "modprobe scst"}, func() error {
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "operation completed")

	buf.Reset()
	boom := errors.New("boom")
	err = mw.Run(context.Background(), &Operation{Kind: "monitor", Name: "status"}, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	out := buf.String()
	assert.Contains(t, out, "operation failed")
	assert.True(t, strings.Contains(out, "error=boom"), out)
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
