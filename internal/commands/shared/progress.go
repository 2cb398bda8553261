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
	"io"
	"os"

	"golang.org/x/term"
)

// ProgressWriter returns w when poll progress dots should be shown: stdout
// is a terminal and neither --quiet nor --json is set. Otherwise it
// returns nil, which disables progress output.
func ProgressWriter(w io.Writer) io.Writer {
	if quietFlag || jsonFlag || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	return w
}
