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

// Package daemonconf reads the dedupv1d configuration file.
//
// The file holds one key=value pair per line. Everything after a '#' is a
// comment, blank lines are ignored and keys may repeat (multi-valued
// options such as chunk-index.filename). A line that does not split into
// exactly one key and one value is an error.
package daemonconf

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Well-known keys.
const (
	KeyLockFile    = "daemon.lockfile"
	KeyDirtyFile   = "daemon.dirtyfile"
	KeyLogging     = "logging"
	KeyUser        = "daemon.user"
	KeyGroup       = "daemon.group"
	KeyNoISCSI     = "daemon.no-iscsi"
	KeyISCSIPort   = "iscsi.port"
	KeyISCSIHost   = "iscsi.host"
	KeyMonitorPort = "monitor.port"
	KeyMonitorHost = "monitor.host"

	// FilenameSuffix marks options whose value is a path.
	FilenameSuffix = "filename"
)

// Entry is a single key=value line.
type Entry struct {
	Key   string
	Value string
}

// Config is a parsed daemon configuration.
type Config struct {
	path     string
	entries  []Entry
	defaults map[string]string
}

// Load parses the configuration file at path. root is the dedupv1
// installation root the defaults are relative to.
func Load(path, root string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "daemon_config", Reason: fmt.Sprintf("failed to open %s", path), Cause: err}
	}
	defer f.Close()

	cfg := New(root)
	cfg.path = path

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "=")
		if len(parts) != 2 {
			return nil, &errors.ConfigError{
				Key:    fmt.Sprintf("%s:%d", path, lineNo),
				Reason: fmt.Sprintf("illegal config line %q", line),
			}
		}
		cfg.entries = append(cfg.entries, Entry{
			Key:   strings.TrimSpace(parts[0]),
			Value: strings.TrimSpace(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &errors.ConfigError{Key: "daemon_config", Reason: fmt.Sprintf("failed to read %s", path), Cause: err}
	}
	return cfg, nil
}

// New returns an empty configuration carrying the defaults for root.
func New(root string) *Config {
	return &Config{
		defaults: map[string]string{
			KeyLockFile:  filepath.Join(root, "var/lock/dedupv1d"),
			KeyDirtyFile: filepath.Join(root, "var/lib/dedupv1/dirty"),
			KeyLogging:   filepath.Join(root, "etc/dedupv1/logging.xml"),
		},
	}
}

// Set appends an entry. It is used to build configurations in code.
func (c *Config) Set(key, value string) *Config {
	c.entries = append(c.entries, Entry{Key: key, Value: value})
	return c
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Get returns the first value of key, falling back to the system default.
func (c *Config) Get(key string) string {
	v, _ := c.Lookup(key)
	return v
}

// Lookup is like Get but reports whether a value (configured or default) exists.
func (c *Config) Lookup(key string) (string, bool) {
	for _, e := range c.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	v, ok := c.defaults[key]
	return v, ok
}

// Configured reports whether key is set in the file itself.
func (c *Config) Configured(key string) bool {
	for _, e := range c.entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

// GetDefault returns the first value of key or dft if the key is not configured.
func (c *Config) GetDefault(key, dft string) string {
	for _, e := range c.entries {
		if e.Key == key {
			return e.Value
		}
	}
	if dft != "" {
		return dft
	}
	return c.defaults[key]
}

// GetAll returns every value of key in file order, or the default if none.
func (c *Config) GetAll(key string) []string {
	var values []string
	for _, e := range c.entries {
		if e.Key == key {
			values = append(values, e.Value)
		}
	}
	if len(values) == 0 {
		if v, ok := c.defaults[key]; ok && v != "" {
			values = append(values, v)
		}
	}
	return values
}

// GetBool interprets "true"/"True" as true and everything else as false.
func (c *Config) GetBool(key string) bool {
	v := c.Get(key)
	return v == "true" || v == "True"
}

// Items returns the configured entries without system defaults.
func (c *Config) Items() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Filenames returns the entries whose key ends in "filename".
func (c *Config) Filenames() []Entry {
	var out []Entry
	for _, e := range c.entries {
		if strings.HasSuffix(e.Key, FilenameSuffix) {
			out = append(out, e)
		}
	}
	return out
}

// CheckFiles verifies that every filename option holds an absolute path.
func (c *Config) CheckFiles() error {
	for _, e := range c.Filenames() {
		if !filepath.IsAbs(e.Value) {
			return &errors.ConfigError{
				Key:    e.Key,
				Reason: fmt.Sprintf("file %s isn't absolute", e.Value),
			}
		}
	}
	return nil
}
