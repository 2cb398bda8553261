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
	"github.com/spf13/pflag"
)

// Global flag values - set by root command
var (
	verboseFlag      bool
	quietFlag        bool
	jsonFlag         bool
	configFlag       string
	daemonConfigFlag string
	rootFlag         string
	hostFlag         string
	portFlag         int

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlags adds the global flags to the root command's persistent
// flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "Show detailed output")
	flags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress progress output")
	flags.BoolVar(&jsonFlag, "json", false, "Output in JSON format")
	flags.StringVar(&configFlag, "config", "", "Admin config file (default /etc/dedupv1/dedupv1adm.yaml)")
	flags.StringVarP(&daemonConfigFlag, "daemon-config", "c", "", "dedupv1d configuration file")
	flags.StringVar(&rootFlag, "root", "", "dedupv1 installation root")
	flags.StringVar(&hostFlag, "host", "", "Monitor host")
	flags.IntVarP(&portFlag, "port", "p", 0, "Monitor port")
}

// ResetFlags restores the flag defaults. Tests use it between command runs.
func ResetFlags() {
	verboseFlag, quietFlag, jsonFlag = false, false, false
	configFlag, daemonConfigFlag, rootFlag, hostFlag = "", "", "", ""
	portFlag = 0
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns the build version, commit and date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the admin config file flag value
func GetConfigPath() string {
	return configFlag
}
