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
	"encoding/json"
	"io"

	pkgerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// JSONResponse is the envelope for --json output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError is a structured error in --json output
type JSONError struct {
	Code       int    `json:"code"`
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// EmitJSON writes response as indented JSON.
func EmitJSON(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSONError writes a failed envelope describing err.
func EmitJSONError(w io.Writer, command string, err error) error {
	type errorResponse struct {
		JSONResponse
		Error JSONError `json:"error"`
	}

	jerr := JSONError{
		Code:    ExitCode(err),
		Type:    pkgerrors.Classify(err),
		Message: err.Error(),
	}
	var userErr pkgerrors.UserVisibleError
	if pkgerrors.As(err, &userErr) {
		jerr.Suggestion = userErr.Suggestion()
	}

	return EmitJSON(w, errorResponse{
		JSONResponse: JSONResponse{Version: "1.0", Command: command, Success: false},
		Error:        jerr,
	})
}
