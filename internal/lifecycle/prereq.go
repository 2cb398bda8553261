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

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/scst"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// PrereqChecker validates the installation before a start.
type PrereqChecker interface {
	Check(ctx context.Context) error
}

// Subsystem is the kernel side the prerequisites check and bootstrap.
// *scst.Adapter implements it.
type Subsystem interface {
	ValidateSCST(group string) error
	ValidateISCSI() error
	Bootstrap(ctx context.Context, group string, startISCSI bool, port, host string) error
}

var _ Subsystem = (*scst.Adapter)(nil)

// Prerequisites checks the dedupv1 installation, the kernel modules, the
// iSCSI daemon and the daemon configuration.
type Prerequisites struct {
	Root      string
	Config    *daemonconf.Config
	Subsystem Subsystem
	Logger    *slog.Logger

	// Overridable system lookups.
	Stat        func(path string, st *unix.Stat_t) error
	LookupUser  func(name string) (*user.User, error)
	LookupGroup func(name string) (*user.Group, error)
	GroupIDs    func(u *user.User) ([]string, error)
	Geteuid     func() int
}

// NewPrerequisites creates a checker using the host's user database.
func NewPrerequisites(root string, cfg *daemonconf.Config, sub Subsystem, logger *slog.Logger) *Prerequisites {
	if logger == nil {
		logger = log.Discard()
	}
	return &Prerequisites{
		Root:        root,
		Config:      cfg,
		Subsystem:   sub,
		Logger:      logger,
		Stat:        unix.Stat,
		LookupUser:  user.Lookup,
		LookupGroup: user.LookupGroup,
		GroupIDs:    (*user.User).GroupIds,
		Geteuid:     os.Geteuid,
	}
}

func (p *Prerequisites) daemonUser() string  { return p.Config.Get(daemonconf.KeyUser) }
func (p *Prerequisites) daemonGroup() string { return p.Config.Get(daemonconf.KeyGroup) }
func (p *Prerequisites) iscsi() bool         { return !p.Config.GetBool(daemonconf.KeyNoISCSI) }

// RootMode reports whether the daemon runs as root without a dedicated
// user or group. In that mode the kernel side is bootstrapped on start.
func (p *Prerequisites) RootMode() bool {
	return p.Geteuid() == 0 && p.daemonUser() == "" && p.daemonGroup() == ""
}

// CheckResult is the outcome of one prerequisite check.
type CheckResult struct {
	Name string
	Err  error
}

type namedCheck struct {
	name string
	run  func() error
}

func (p *Prerequisites) validations() []namedCheck {
	checks := []namedCheck{
		{"installation", p.ValidateInstallation},
		{"scst", func() error { return p.Subsystem.ValidateSCST(p.daemonGroup()) }},
	}
	if p.iscsi() {
		checks = append(checks, namedCheck{"iscsi", p.Subsystem.ValidateISCSI})
	}
	return append(checks,
		namedCheck{"logging", p.checkLogging},
		namedCheck{"config files", p.Config.CheckFiles})
}

// Check implements PrereqChecker.
func (p *Prerequisites) Check(ctx context.Context) error {
	if p.RootMode() {
		if err := p.Bootstrap(ctx); err != nil {
			return err
		}
	}
	for _, c := range p.validations() {
		if err := c.run(); err != nil {
			return err
		}
	}
	return nil
}

// Report runs the validations of Check without bootstrapping and without
// stopping at the first failure.
func (p *Prerequisites) Report() []CheckResult {
	var results []CheckResult
	for _, c := range p.validations() {
		results = append(results, CheckResult{Name: c.name, Err: c.run()})
	}
	return results
}

// Bootstrap loads the kernel modules and starts the iSCSI daemon. It
// must run as root.
func (p *Prerequisites) Bootstrap(ctx context.Context) error {
	if p.Geteuid() != 0 {
		return &errors.ValidationError{
			Field:   "user",
			Message: "permission denied",
			Hint:    "Run bootstrap as root",
		}
	}
	if err := p.ValidateInstallation(); err != nil {
		return err
	}
	p.Logger.DebugContext(ctx, "bootstrapping kernel subsystem", "group", p.daemonGroup(), "iscsi", p.iscsi())
	return p.Subsystem.Bootstrap(ctx, p.daemonGroup(), p.iscsi(),
		p.Config.GetDefault(daemonconf.KeyISCSIPort, scst.DefaultISCSIPort),
		p.Config.Get(daemonconf.KeyISCSIHost))
}

// ValidateInstallation checks the daemon user and group and the mode of
// the setuid starter.
func (p *Prerequisites) ValidateInstallation() error {
	userName, groupName := p.daemonUser(), p.daemonGroup()

	var grp *user.Group
	if userName != "" {
		if _, err := p.LookupUser(userName); err != nil {
			return &errors.ConfigError{Key: daemonconf.KeyUser, Reason: fmt.Sprintf("user %s doesn't exist", userName), Cause: err}
		}
	}
	if groupName != "" {
		g, err := p.LookupGroup(groupName)
		if err != nil {
			return &errors.ConfigError{Key: daemonconf.KeyGroup, Reason: fmt.Sprintf("group %s missing", groupName), Cause: err}
		}
		grp = g
		if userName != "" {
			member, err := p.isMember(userName, g)
			if err != nil {
				return err
			}
			if !member {
				return &errors.ConfigError{
					Key:    daemonconf.KeyUser,
					Reason: fmt.Sprintf("user %s is not member of group %s", userName, groupName),
				}
			}
		}
	}

	starter := filepath.Join(p.Root, "bin", "dedupv1_starter")
	var st unix.Stat_t
	if err := p.Stat(starter, &st); err != nil {
		return starterError("dedupv1_starter is missing", err)
	}
	if userName == "" && groupName == "" {
		return nil
	}
	if st.Uid != 0 {
		return starterError("wrong owner of dedupv1_starter", nil)
	}
	if grp != nil && strconv.FormatUint(uint64(st.Gid), 10) != grp.Gid {
		return starterError("wrong group of dedupv1_starter", nil)
	}
	switch {
	case st.Mode&unix.S_IXOTH != 0:
		return starterError("wrong mode of dedupv1_starter (other execute set)", nil)
	case st.Mode&unix.S_IXGRP == 0:
		return starterError("wrong mode of dedupv1_starter (group execute missing)", nil)
	case st.Mode&unix.S_ISUID == 0:
		return starterError("wrong mode of dedupv1_starter (setuid missing)", nil)
	}
	return nil
}

func (p *Prerequisites) isMember(userName string, g *user.Group) (bool, error) {
	u, err := p.LookupUser(userName)
	if err != nil {
		return false, &errors.ConfigError{Key: daemonconf.KeyUser, Reason: fmt.Sprintf("user %s doesn't exist", userName), Cause: err}
	}
	gids, err := p.GroupIDs(u)
	if err != nil {
		return false, &errors.ConfigError{Key: daemonconf.KeyUser, Reason: "failed to list groups of " + userName, Cause: err}
	}
	return slices.Contains(gids, g.Gid), nil
}

func starterError(msg string, cause error) error {
	v := &errors.ValidationError{
		Field:   "dedupv1_starter",
		Message: msg,
		Hint:    "The starter must be owned by root and the daemon group with mode 4750",
	}
	if cause != nil {
		v.Message = fmt.Sprintf("%s: %v", msg, cause)
	}
	return v
}

// LoggingFile returns the logging configuration passed to the daemon, or
// "" when none is configured.
func (p *Prerequisites) LoggingFile() string {
	if !p.Config.Configured(daemonconf.KeyLogging) {
		return ""
	}
	return p.Config.Get(daemonconf.KeyLogging)
}

func (p *Prerequisites) checkLogging() error {
	file := p.LoggingFile()
	if file == "" {
		return nil
	}
	if !filepath.IsAbs(file) {
		return &errors.ConfigError{Key: daemonconf.KeyLogging, Reason: fmt.Sprintf("logging configuration file %s must be absolute", file)}
	}
	if _, err := os.Stat(file); err != nil {
		return &errors.ConfigError{Key: daemonconf.KeyLogging, Reason: fmt.Sprintf("logging configuration file %s doesn't exist", file), Cause: err}
	}
	return nil
}

// InDaemonGroup reports whether the effective user belongs to the daemon
// group (daemon.group, default "dedupv1").
func (p *Prerequisites) InDaemonGroup() (bool, error) {
	name := p.Config.GetDefault(daemonconf.KeyGroup, "dedupv1")
	g, err := p.LookupGroup(name)
	if err != nil {
		return false, &errors.ConfigError{Key: daemonconf.KeyGroup, Reason: fmt.Sprintf("group %s missing", name), Cause: err}
	}
	u, err := user.LookupId(strconv.Itoa(p.Geteuid()))
	if err != nil {
		return false, err
	}
	gids, err := p.GroupIDs(u)
	if err != nil {
		return false, err
	}
	return slices.Contains(gids, g.Gid), nil
}
