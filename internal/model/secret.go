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
	"encoding/base64"
	"fmt"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	secretShift     = 13
	minSecretLength = 12
	maxSecretLength = 256
)

// DecodeSecret turns the daemon's stored secret hash back into the CHAP
// secret: base64, then every byte shifted down by 13, then one trailing NUL
// stripped. The result must hold 12 to 256 bytes.
func DecodeSecret(hash string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return "", &errors.ValidationError{Field: "secret", Message: fmt.Sprintf("invalid encoding: %v", err)}
	}
	for i := range raw {
		raw[i] = raw[i] - secretShift
	}
	if n := len(raw); n > 0 && raw[n-1] == 0 {
		raw = raw[:n-1]
	}
	if len(raw) < minSecretLength || len(raw) > maxSecretLength {
		return "", &errors.ValidationError{
			Field:   "secret",
			Message: fmt.Sprintf("secret must have %d to %d characters, got %d", minSecretLength, maxSecretLength, len(raw)),
		}
	}
	return string(raw), nil
}

// EncodeSecret is the inverse of DecodeSecret. The daemon stores secrets
// with a trailing NUL, so one is appended before shifting.
func EncodeSecret(secret string) string {
	raw := append([]byte(secret), 0)
	for i := range raw {
		raw[i] = raw[i] + secretShift
	}
	return base64.StdEncoding.EncodeToString(raw)
}
