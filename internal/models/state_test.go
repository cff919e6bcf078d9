// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package models

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	m := ResourceMeta{ID: "r1", State: StateCreationScheduled}
	m.BeginCreating()
	if m.State != StateCreating {
		t.Fatalf("expected CREATING, got %s", m.State)
	}
	m.SetOK()
	if m.State != StateOK {
		t.Fatalf("expected OK, got %s", m.State)
	}
	m.ScheduleUpdating()
	m.BeginUpdating()
	m.SetOK()
	m.ScheduleDeleting()
	m.BeginDeleting()
	if m.State != StateDeleting {
		t.Fatalf("expected DELETING, got %s", m.State)
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on BeginCreating from OK")
		}
	}()
	m := ResourceMeta{ID: "r1", State: StateOK}
	m.BeginCreating()
}

func TestSetErredFromAnyState(t *testing.T) {
	for _, state := range []State{
		StateCreationScheduled, StateCreating, StateUpdateScheduled,
		StateUpdating, StateDeletionScheduled, StateDeleting, StateOK,
	} {
		m := ResourceMeta{ID: "r1", State: state}
		m.SetErred("backend gone")
		if m.State != StateErred {
			t.Errorf("expected ERRED from %s, got %s", state, m.State)
		}
		if m.ErrorMessage != "backend gone" {
			t.Errorf("expected error message to be recorded")
		}
	}
}

func TestRecoverOnlyFromErred(t *testing.T) {
	m := ResourceMeta{ID: "r1", State: StateErred, ErrorMessage: "gone"}
	m.Recover()
	if m.State != StateOK || m.ErrorMessage != "" {
		t.Errorf("expected clean OK after recover, got %s %q", m.State, m.ErrorMessage)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on Recover from OK")
		}
	}()
	m.Recover()
}

func TestScheduleDeletingFromErred(t *testing.T) {
	m := ResourceMeta{ID: "r1", State: StateErred}
	m.ScheduleDeleting()
	if m.State != StateDeletionScheduled {
		t.Errorf("expected DELETION_SCHEDULED, got %s", m.State)
	}
}

func TestStateClassification(t *testing.T) {
	if !StateCreationScheduled.IsScheduled() || StateCreating.IsScheduled() {
		t.Error("scheduled classification broken")
	}
	if !StateDeleting.IsInProgress() || StateOK.IsInProgress() {
		t.Error("in-progress classification broken")
	}
}
