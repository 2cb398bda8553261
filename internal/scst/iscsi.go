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

package scst

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/internal/model"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

const iscsiSessionFile = "proc/scsi_tgt/iscsi/session"

// ISCSISession is an initiator session of an iSCSI target.
type ISCSISession struct {
	SID       string
	Initiator string
}

// ISCSITarget is a target as seen by the running iSCSI daemon.
type ISCSITarget struct {
	TID      int
	Name     string
	Sessions []ISCSISession
}

func (a *Adapter) adm(ctx context.Context, args ...string) (string, error) {
	return a.Runner.Run(ctx, a.ISCSIAdm, args...)
}

func tidArg(tid int) string {
	return "--tid=" + strconv.Itoa(tid)
}

// RegisterTarget creates the target, applies its parameters and sets the
// outgoing CHAP credential.
func (a *Adapter) RegisterTarget(ctx context.Context, t *model.Target) error {
	fail := func(cause error) error {
		return &errors.SubsystemError{Op: "register target", Object: t.Name, Cause: cause}
	}

	if _, err := a.adm(ctx, "--op", "new", tidArg(t.TID), "--params", "Name="+t.Name); err != nil {
		return fail(err)
	}
	if len(t.Params) > 0 {
		params := make([]string, 0, len(t.Params))
		for _, p := range t.Params {
			params = append(params, p.Key+"="+p.Value)
		}
		if _, err := a.adm(ctx, "--op", "update", tidArg(t.TID), "--params", strings.Join(params, ",")); err != nil {
			return fail(err)
		}
	}
	if t.Auth != nil {
		secret, err := model.DecodeSecret(t.Auth.SecretHash)
		if err != nil {
			return fail(err)
		}
		if _, err := a.adm(ctx, "--op", "new", tidArg(t.TID), "--user",
			"--params", "OutgoingUser="+t.Auth.Name+",Password="+secret); err != nil {
			return fail(err)
		}
	}
	a.Logger.Debug("target registered", log.Target(t.Name), "tid", t.TID)
	return nil
}

// UnregisterTarget deletes the target.
func (a *Adapter) UnregisterTarget(ctx context.Context, tid int) error {
	if _, err := a.adm(ctx, "--op", "delete", tidArg(tid)); err != nil {
		return &errors.SubsystemError{Op: "unregister target", Object: "tid " + strconv.Itoa(tid), Cause: err}
	}
	return nil
}

// IsTargetRegistered asks iscsi-scst-adm for the target. The tool has no
// query operation; "Invalid argument" from show means unknown.
func (a *Adapter) IsTargetRegistered(ctx context.Context, tid int) (bool, error) {
	_, err := a.adm(ctx, "--op", "show", tidArg(tid))
	if err == nil {
		return true, nil
	}
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) && strings.Contains(execErr.Output, "Invalid argument") {
		return false, nil
	}
	return false, &errors.SubsystemError{Op: "check target", Object: "tid " + strconv.Itoa(tid), Cause: err}
}

// AddUserToTarget adds the user's incoming CHAP credential to the target.
func (a *Adapter) AddUserToTarget(ctx context.Context, u *model.User, tid int) error {
	fail := func(cause error) error {
		return &errors.SubsystemError{Op: "add user to target", Object: fmt.Sprintf("%s (tid %d)", u.Name, tid), Cause: cause}
	}
	secret, err := u.Secret()
	if err != nil {
		return fail(err)
	}
	if _, err := a.adm(ctx, "--op", "new", tidArg(tid), "--user",
		"--params", "IncomingUser="+u.Name+",Password="+secret); err != nil {
		return fail(err)
	}
	return nil
}

// RemoveUserFromTarget removes an incoming CHAP user from the target.
func (a *Adapter) RemoveUserFromTarget(ctx context.Context, userName string, tid int) error {
	if _, err := a.adm(ctx, "--op", "delete", tidArg(tid), "--user", "--params", "IncomingUser="+userName); err != nil {
		return &errors.SubsystemError{Op: "remove user from target", Object: fmt.Sprintf("%s (tid %d)", userName, tid), Cause: err}
	}
	return nil
}

// UsersInTarget lists the CHAP users of the target. The tool prints one
// "<direction> <name>" line per user.
func (a *Adapter) UsersInTarget(ctx context.Context, tid int) ([]string, error) {
	out, err := a.adm(ctx, "--op", "show", tidArg(tid), "--user")
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get users in target", Object: "tid " + strconv.Itoa(tid), Cause: err}
	}
	var users []string
	for _, line := range strings.Split(out, "\n") {
		if _, name, ok := strings.Cut(strings.TrimSpace(line), " "); ok && name != "" {
			users = append(users, name)
		}
	}
	return users, nil
}

// IsUserInTarget reports whether the user is attached to the target.
func (a *Adapter) IsUserInTarget(ctx context.Context, userName string, tid int) (bool, error) {
	users, err := a.UsersInTarget(ctx, tid)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == userName {
			return true, nil
		}
	}
	return false, nil
}

// ISCSITargets lists the targets known to the iSCSI daemon together with
// their sessions, ordered by tid. No session file means iSCSI is not
// active and there are no targets.
func (a *Adapter) ISCSITargets() ([]ISCSITarget, error) {
	f, err := os.Open(a.path(iscsiSessionFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.SubsystemError{Op: "get targets", Cause: err}
	}
	defer f.Close()

	var targets []ISCSITarget
	var cur *ISCSITarget
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := keyValues(line)
		switch {
		case strings.HasPrefix(line, "tid"):
			tid, err := strconv.Atoi(fields["tid"])
			if err != nil {
				return nil, &errors.SubsystemError{Op: "get targets", Cause: fmt.Errorf("illegal line %q", line)}
			}
			targets = append(targets, ISCSITarget{TID: tid, Name: fields["name"]})
			cur = &targets[len(targets)-1]
		case strings.HasPrefix(line, "sid") && cur != nil:
			cur.Sessions = append(cur.Sessions, ISCSISession{SID: fields["sid"], Initiator: fields["initiator"]})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &errors.SubsystemError{Op: "get targets", Cause: err}
	}
	return targets, nil
}

// keyValues splits "k1:v1 k2:v2" into a map.
func keyValues(line string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Fields(line) {
		k, v, _ := strings.Cut(part, ":")
		m[k] = v
	}
	return m
}
