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

package reconcile

import (
	"fmt"

	"github.com/tombee/dedupv1adm/internal/metrics"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Kind is the kind of a reconciled object.
type Kind string

const (
	KindGroup  Kind = "group"
	KindTarget Kind = "target"
	KindVolume Kind = "volume"
	KindUser   Kind = "user"
)

// Action is what was done to an object.
type Action string

const (
	ActionRegister   Action = "register"
	ActionUnregister Action = "unregister"
)

// ReconcileOptions controls a reconciliation run.
type ReconcileOptions struct {
	// Force records per-object failures and continues instead of
	// aborting on the first one. Active sessions stay fatal.
	Force bool

	// Verbose logs every object at info level instead of debug.
	Verbose bool
}

// Outcome is the result for one object.
type Outcome struct {
	Kind    Kind
	Name    string
	Action  Action
	Err     error
	Skipped bool
}

func (o Outcome) String() string {
	switch {
	case o.Skipped:
		return fmt.Sprintf("%s %s %s skipped", o.Action, o.Kind, o.Name)
	case o.Err != nil:
		return fmt.Sprintf("%s %s %s failed: %v", o.Action, o.Kind, o.Name, o.Err)
	default:
		return fmt.Sprintf("%s %s %s", o.Action, o.Kind, o.Name)
	}
}

// Result accumulates the outcomes of a run.
type Result struct {
	Outcomes []Outcome
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	metrics.RecordReconcileItem(string(o.Kind), string(o.Action), o.Err, o.Skipped)
}

// Merge appends the outcomes of other.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Outcomes = append(r.Outcomes, other.Outcomes...)
}

// Failed returns the outcomes that carry an error.
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins every recorded failure, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s %s %s: %w", o.Action, o.Kind, o.Name, o.Err))
	}
	return errors.Join(errs...)
}

// Count returns the number of outcomes of kind that succeeded.
func (r *Result) Count(kind Kind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind && o.Err == nil && !o.Skipped {
			n++
		}
	}
	return n
}
