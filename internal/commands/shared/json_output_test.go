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

package shared

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

func TestEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EmitJSON(&buf, map[string]string{"state": "running"}))

	assert.Equal(t, "{\n  \"state\": \"running\"\n}\n", buf.String())
}

func TestEmitJSONError(t *testing.T) {
	var buf bytes.Buffer
	err := &pkgerrors.LifecycleError{Kind: pkgerrors.KindAlreadyRunning, PID: 7}
	require.NoError(t, EmitJSONError(&buf, "clean", err))

	var decoded struct {
		Version string    `json:"@version"`
		Command string    `json:"command"`
		Success bool      `json:"success"`
		Error   JSONError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "1.0", decoded.Version)
	assert.Equal(t, "clean", decoded.Command)
	assert.False(t, decoded.Success)
	assert.Equal(t, ExitConflict, decoded.Error.Code)
	assert.Equal(t, string(pkgerrors.KindAlreadyRunning), decoded.Error.Type)
	assert.Equal(t, err.Error(), decoded.Error.Message)
	assert.NotEmpty(t, decoded.Error.Suggestion)
}
