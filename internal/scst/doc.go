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

// Package scst drives the kernel SCSI target subsystem (SCST).
//
// Groups, devices, LUN assignments and initiator patterns live in the
// /proc/scsi_tgt tree and are changed by writing single line commands
// ("add_group", "del_group", "add", "del") to its files. iSCSI targets
// and their CHAP users are managed through the iscsi-scst-adm tool.
//
// Every path is resolved below Adapter.Root so tests can point the
// adapter at a fake tree. Every failure is returned as a
// *errors.SubsystemError naming the operation and object.
package scst
