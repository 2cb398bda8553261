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
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	// DefaultGroup is the SCST group every initiator falls into. It always
	// exists in the kernel and is never created or removed.
	DefaultGroup = "Default"

	// ImplicitGroupPrefix prefixes the per-target group that carries a
	// target's LUN mappings.
	ImplicitGroupPrefix = "Default_"

	MaxGroupNameLength  = 512
	MaxUserNameLength   = 512
	MaxTargetNameLength = 223 // RFC 3720 section 3.2.6.1
	MaxVolumeNameLength = 48
)

var (
	groupNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9.\-:_]+$`)
	targetNamePattern = regexp.MustCompile(`^[a-z0-9.\-:]+$`)
	volumeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
)

// ImplicitGroupName returns the name of the group that holds the LUNs of
// the given target.
func ImplicitGroupName(targetName string) string {
	return ImplicitGroupPrefix + targetName
}

// ValidateGroupName checks an initiator group name.
func ValidateGroupName(name string) error {
	return validateSecurityName("group name", name, MaxGroupNameLength)
}

// ValidateUserName checks a CHAP user name. Users follow the group rules.
func ValidateUserName(name string) error {
	return validateSecurityName("user name", name, MaxUserNameLength)
}

func validateSecurityName(field, name string, maxLen int) error {
	if name == "" {
		return &errors.ValidationError{Field: field, Message: "name is empty"}
	}
	if len(name) > maxLen {
		return &errors.ValidationError{
			Field:   field,
			Message: "must not have more than " + strconv.Itoa(maxLen) + " characters",
		}
	}
	if strings.Contains(name, DefaultGroup) {
		return &errors.ValidationError{
			Field:   field,
			Value:   name,
			Message: `"Default" may not be used`,
			Hint:    `"Default" is reserved for the SCST default group and the implicit per-target groups`,
		}
	}
	if !groupNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   field,
			Value:   name,
			Message: "illegal character",
			Hint:    "Use letters, digits and . - : _",
		}
	}
	return nil
}

// ValidateTargetName checks an iSCSI target name.
func ValidateTargetName(name string) error {
	const field = "target name"
	if name == "" {
		return &errors.ValidationError{Field: field, Message: "name is empty"}
	}
	if len(name) > MaxTargetNameLength {
		return &errors.ValidationError{
			Field:   field,
			Message: "must not have more than " + strconv.Itoa(MaxTargetNameLength) + " characters",
		}
	}
	if !targetNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   field,
			Value:   name,
			Message: "illegal character",
			Hint:    "iSCSI names use lowercase letters, digits and . - :",
		}
	}
	return nil
}

// ValidateVolumeName checks a volume (SCST device) name.
func ValidateVolumeName(name string) error {
	const field = "volume name"
	if name == "" {
		return &errors.ValidationError{Field: field, Message: "name is empty"}
	}
	if len(name) > MaxVolumeNameLength {
		return &errors.ValidationError{
			Field:   field,
			Message: "must not have more than " + strconv.Itoa(MaxVolumeNameLength) + " characters",
		}
	}
	if !volumeNamePattern.MatchString(name) {
		return &errors.ValidationError{
			Field:   field,
			Value:   name,
			Message: "illegal character",
			Hint:    "Use letters, digits and . - _",
		}
	}
	return nil
}
