// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"testing"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
)

func TestMiBToGiBRoundsUp(t *testing.T) {
	cases := []struct {
		mib  int64
		want int
	}{
		{1024, 1},
		{1025, 2},
		{1, 1},
		{0, 0},
		{20480, 20},
	}
	for _, c := range cases {
		if got := MiBToGiB(c.mib); got != c.want {
			t.Errorf("MiBToGiB(%d) = %d, want %d", c.mib, got, c.want)
		}
	}
}

func TestGiBToMiB(t *testing.T) {
	if got := GiBToMiB(10); got != 10240 {
		t.Errorf("GiBToMiB(10) = %d, want 10240", got)
	}
}

func TestScaleGiBLimitKeepsUnlimited(t *testing.T) {
	if got := scaleGiBLimit(-1); got != -1 {
		t.Errorf("scaleGiBLimit(-1) = %d, want -1", got)
	}
	if got := scaleGiBLimit(100); got != 102400 {
		t.Errorf("scaleGiBLimit(100) = %d, want 102400", got)
	}
}

func TestParseServerAddresses(t *testing.T) {
	addresses := map[string]any{
		"tenant-int-net": []any{
			map[string]any{
				"addr":            "192.168.42.17",
				"OS-EXT-IPS:type": "fixed",
			},
			map[string]any{
				"addr":            "203.0.113.9",
				"OS-EXT-IPS:type": "floating",
			},
		},
	}
	internal, external := parseServerAddresses(addresses)
	if internal != "192.168.42.17" {
		t.Errorf("internal = %q, want 192.168.42.17", internal)
	}
	if external != "203.0.113.9" {
		t.Errorf("external = %q, want 203.0.113.9", external)
	}
}

func TestParseServerAddressesEmpty(t *testing.T) {
	internal, external := parseServerAddresses(map[string]any{})
	if internal != "" || external != "" {
		t.Errorf("expected empty addresses, got %q / %q", internal, external)
	}
}

func TestNormalizeRemoteRuleDefaultsCIDR(t *testing.T) {
	normalized := normalizeRemoteRule(rules.SecGroupRule{
		ID:           "abc",
		Protocol:     "tcp",
		PortRangeMin: 22,
		PortRangeMax: 22,
	})
	if normalized.CIDR != AnyCIDR {
		t.Errorf("CIDR = %q, want %q", normalized.CIDR, AnyCIDR)
	}
	if normalized.FromPort != 22 || normalized.ToPort != 22 {
		t.Errorf("ports = %d-%d, want 22-22", normalized.FromPort, normalized.ToPort)
	}
}

func TestRuleFingerprintTreatsEmptyCIDRAsAny(t *testing.T) {
	a := ruleFingerprint("tcp", 80, 80, "")
	b := ruleFingerprint("tcp", 80, 80, AnyCIDR)
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}
	c := ruleFingerprint("udp", 80, 80, AnyCIDR)
	if a == c {
		t.Error("fingerprints for different protocols should differ")
	}
}

func TestTranslateClassifiesForbidden(t *testing.T) {
	err := translate("get server", gophercloud.ErrUnexpectedResponseCode{Actual: 403})
	if !backenderr.Is(err, backenderr.KindAuthorizationFailed) {
		t.Errorf("403 classified as %q, want %q", backenderr.KindOf(err), backenderr.KindAuthorizationFailed)
	}
}

func TestTranslateDefaultsToBackendError(t *testing.T) {
	err := translate("get server", errors.New("connection refused"))
	if !backenderr.Is(err, backenderr.KindBackendError) {
		t.Errorf("classified as %q, want %q", backenderr.KindOf(err), backenderr.KindBackendError)
	}
}

func TestTranslateKeepsExistingKind(t *testing.T) {
	original := backenderr.New(backenderr.KindPreconditionViolation, "create server", "system volume is not bootable")
	err := translate("create server", original)
	if !backenderr.Is(err, backenderr.KindPreconditionViolation) {
		t.Errorf("classified as %q, want %q", backenderr.KindOf(err), backenderr.KindPreconditionViolation)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(gophercloud.ErrUnexpectedResponseCode{Actual: 404}) {
		t.Error("404 should be not-found")
	}
	if isNotFound(gophercloud.ErrUnexpectedResponseCode{Actual: 500}) {
		t.Error("500 should not be not-found")
	}
	if isNotFound(nil) {
		t.Error("nil should not be not-found")
	}
}
