// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backenderr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(KindSessionExpired, "authenticate", "token rejected")
	wrapped := Wrap(KindBackendError, "create volume", fmt.Errorf("attach: %w", inner))
	if KindOf(wrapped) != KindSessionExpired {
		t.Errorf("expected session expired kind to survive wrapping, got %s", KindOf(wrapped))
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindBackendError, "noop", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if kind := KindOf(errors.New("plain")); kind != KindBackendError {
		t.Errorf("expected backend error kind for plain errors, got %s", kind)
	}
}

func TestIs(t *testing.T) {
	err := New(KindTimeout, "poll volume", "gave up after 300 attempts")
	if !Is(err, KindTimeout) {
		t.Error("expected timeout classification")
	}
	if Is(err, KindRuntimeStateError) {
		t.Error("unexpected runtime state classification")
	}
}

func TestErrorMessageContainsOp(t *testing.T) {
	err := New(KindBackendError, "delete snapshot", "http 500")
	want := "delete snapshot: backend error: http 500"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
