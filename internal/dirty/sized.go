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

// Package dirty reads and writes the daemon's dirty-shutdown marker.
//
// The daemon writes the marker when it starts and rewrites it with
// stopped=true once its stop sequence completed. The file holds a single
// sized message:
//
//	varint(len(payload)) | payload | varint(crc32)
//
// where the CRC32 (IEEE) runs over the encoded length bytes and then
// continues over the payload bytes. The payload is a protobuf message; see
// Marker for its fields.
//
// Reading never verifies the checksum. Existing tooling reads slightly
// corrupted markers without complaint and this package keeps that behavior.
package dirty

import (
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a sized message is shorter than its
// length prefix claims.
var ErrTruncated = errors.New("sized message truncated")

// WriteSizedMessage frames payload with its length and checksum.
func WriteSizedMessage(payload []byte) []byte {
	size := protowire.AppendVarint(nil, uint64(len(payload)))

	crc := crc32.ChecksumIEEE(size)
	crc = crc32.Update(crc, crc32.IEEETable, payload)

	out := make([]byte, 0, len(size)+len(payload)+protowire.SizeVarint(uint64(crc)))
	out = append(out, size...)
	out = append(out, payload...)
	return protowire.AppendVarint(out, uint64(crc))
}

// ReadSizedMessage returns the payload of a sized message. Bytes after the
// payload (the checksum) are ignored.
func ReadSizedMessage(data []byte) ([]byte, error) {
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("read message size: %w", protowire.ParseError(n))
	}
	if uint64(len(data)-n) < size {
		return nil, fmt.Errorf("%w: want %d payload bytes, have %d", ErrTruncated, size, len(data)-n)
	}
	return data[n : n+int(size)], nil
}

// Checksum returns the checksum stored after the payload. It is exposed for
// diagnostics only.
func Checksum(data []byte) (uint32, error) {
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	rest := data[n:]
	if uint64(len(rest)) < size {
		return 0, ErrTruncated
	}
	crc, m := protowire.ConsumeVarint(rest[size:])
	if m < 0 {
		return 0, protowire.ParseError(m)
	}
	return uint32(crc), nil
}
