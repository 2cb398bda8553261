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

package dirty

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the DirtyFileData message.
const (
	fieldConfig   protowire.Number = 1
	fieldClean    protowire.Number = 2
	fieldStopped  protowire.Number = 3
	fieldRevision protowire.Number = 4
)

// Marker is the content of the dirty file.
type Marker struct {
	// Config is the configuration the daemon was started with
	Config string

	// Clean is set when the daemon's data was consistent at startup
	Clean bool

	// Stopped is set only after the daemon completed its stop sequence
	Stopped bool

	// Revision is the daemon build revision
	Revision string
}

// Marshal encodes the marker as a protobuf message. Zero-valued fields are
// omitted, as proto2 optional fields that were never set.
func (m *Marker) Marshal() []byte {
	var b []byte
	if m.Config != "" {
		b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
		b = protowire.AppendString(b, m.Config)
	}
	if m.Clean {
		b = protowire.AppendTag(b, fieldClean, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(m.Clean))
	}
	if m.Stopped {
		b = protowire.AppendTag(b, fieldStopped, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(m.Stopped))
	}
	if m.Revision != "" {
		b = protowire.AppendTag(b, fieldRevision, protowire.BytesType)
		b = protowire.AppendString(b, m.Revision)
	}
	return b
}

// Unmarshal decodes a protobuf message into the marker. Unknown fields are
// skipped.
func (m *Marker) Unmarshal(b []byte) error {
	*m = Marker{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldConfig && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("decode config: %w", protowire.ParseError(n))
			}
			m.Config = v
			b = b[n:]
		case num == fieldRevision && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("decode revision: %w", protowire.ParseError(n))
			}
			m.Revision = v
			b = b[n:]
		case (num == fieldClean || num == fieldStopped) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldClean {
				m.Clean = protowire.DecodeBool(v)
			} else {
				m.Stopped = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// ReadMarker reads the marker at path. It returns (nil, nil) when the file
// does not exist.
func ReadMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dirty file: %w", err)
	}

	payload, err := ReadSizedMessage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dirty file %s: %w", path, err)
	}

	var m Marker
	if err := m.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("failed to parse dirty file %s: %w", path, err)
	}
	return &m, nil
}

// WriteMarker writes the marker to path through a temporary file, the way
// the daemon does (path + ".tmp", then rename).
func WriteMarker(path string, m *Marker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dirty file directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, WriteSizedMessage(m.Marshal()), 0644); err != nil {
		return fmt.Errorf("failed to write dirty file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace dirty file: %w", err)
	}
	return nil
}

// WasCleanShutdown reports whether the marker at path proves the daemon
// completed its stop sequence. A missing marker is an unclean shutdown.
func WasCleanShutdown(path string) (bool, error) {
	m, err := ReadMarker(path)
	if err != nil {
		return false, err
	}
	return m != nil && m.Stopped, nil
}
