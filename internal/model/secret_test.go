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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSecret(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		secret, err := DecodeSecret(EncodeSecret("secret123456"))
		require.NoError(t, err)
		assert.Equal(t, "secret123456", secret)
	})

	t.Run("shift wraps around", func(t *testing.T) {
		// 0xf8 + 13 overflows to 0x05 when encoding.
		plain := strings.Repeat("\xf8", 12)
		secret, err := DecodeSecret(EncodeSecret(plain))
		require.NoError(t, err)
		assert.Equal(t, plain, secret)
	})

	t.Run("without trailing NUL", func(t *testing.T) {
		raw := []byte("abcdefghijklm")
		for i := range raw {
			raw[i] += 13
		}
		secret, err := DecodeSecret(base64.StdEncoding.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, "abcdefghijklm", secret)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeSecret(EncodeSecret("short"))
		assert.Error(t, err)
	})

	t.Run("too long", func(t *testing.T) {
		_, err := DecodeSecret(EncodeSecret(strings.Repeat("x", 257)))
		assert.Error(t, err)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := DecodeSecret("!!not base64!!")
		assert.Error(t, err)
	})
}
