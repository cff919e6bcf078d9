// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"slices"
	"time"
)

// State of a tracked resource. Every resource moves through the same
// lifecycle regardless of its kind.
type State string

const (
	StateCreationScheduled State = "CREATION_SCHEDULED"
	StateCreating          State = "CREATING"
	StateUpdateScheduled   State = "UPDATE_SCHEDULED"
	StateUpdating          State = "UPDATING"
	StateDeletionScheduled State = "DELETION_SCHEDULED"
	StateDeleting          State = "DELETING"
	StateOK                State = "OK"
	StateErred             State = "ERRED"
)

// States in which an operation has been accepted but no backend call
// was made yet. Resources failing in these states can be rolled back
// without leaving anything behind on the backend.
func (s State) IsScheduled() bool {
	return s == StateCreationScheduled ||
		s == StateUpdateScheduled ||
		s == StateDeletionScheduled
}

// States in which a backend call is in flight.
func (s State) IsInProgress() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// Common bookkeeping columns shared by all tracked resources.
type ResourceMeta struct {
	ID           string `db:"id,primarykey"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	BackendID    string `db:"backend_id"`
	State        State  `db:"state"`
	RuntimeState string `db:"runtime_state"`
	ErrorMessage string `db:"error_message"`
	// Unix seconds of the last state change, used to find stuck resources.
	StateChangedAt int64 `db:"state_changed_at"`
}

func (m *ResourceMeta) Meta() *ResourceMeta { return m }

// Move to the target state, panicking unless the current state is one
// of the allowed predecessors. An invalid transition is a programming
// error in the caller, not a runtime condition to recover from.
func (m *ResourceMeta) transition(to State, from ...State) {
	if !slices.Contains(from, m.State) {
		panic(fmt.Sprintf(
			"invalid state transition of %q: %s -> %s (allowed from %v)",
			m.ID, m.State, to, from,
		))
	}
	m.State = to
	m.StateChangedAt = time.Now().Unix()
}

func (m *ResourceMeta) ScheduleUpdating() {
	m.transition(StateUpdateScheduled, StateOK)
}

// Deletion may also be scheduled for erred resources so that leftovers
// can be cleaned up.
func (m *ResourceMeta) ScheduleDeleting() {
	m.transition(StateDeletionScheduled, StateOK, StateErred)
}

func (m *ResourceMeta) BeginCreating() {
	m.transition(StateCreating, StateCreationScheduled)
}

func (m *ResourceMeta) BeginUpdating() {
	m.transition(StateUpdating, StateUpdateScheduled)
}

func (m *ResourceMeta) BeginDeleting() {
	m.transition(StateDeleting, StateDeletionScheduled)
}

func (m *ResourceMeta) SetOK() {
	m.transition(StateOK, StateCreating, StateUpdating)
	m.ErrorMessage = ""
}

// SetErred is reachable from every state: failures can surface at any
// point of the lifecycle.
func (m *ResourceMeta) SetErred(reason string) {
	m.State = StateErred
	m.ErrorMessage = reason
	m.StateChangedAt = time.Now().Unix()
}

// Recover an erred resource after its backend counterpart was verified
// to be intact.
func (m *ResourceMeta) Recover() {
	m.transition(StateOK, StateErred)
	m.ErrorMessage = ""
}
