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

// Package monitor is a client for the dedupv1d monitor interface.
//
// The daemon serves a small set of named monitors over HTTP on a local
// port (9001 unless monitor.port says otherwise). A request is a plain
// GET of /<name> with optional query parameters; most monitors answer
// with a JSON object, a failed call carries an "ERROR" member and an
// unknown monitor answers 400.
//
// Basic usage:
//
//	client := monitor.New("localhost", 9001)
//	status, err := client.Status(ctx)
//	if err != nil {
//	    return err
//	}
//	if status.OK() {
//	    ...
//	}
//
// Parameters keep their order on the wire. Some monitors, notably
// "status?change-state=...", depend on it.
package monitor
