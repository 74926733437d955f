package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusBuilding, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRunning, false},
		{StatusBuilding, StatusRunning, true},
		{StatusBuilding, StatusFailed, true},
		{StatusBuilding, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range tests {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseProjectPath(t *testing.T) {
	p, err := ParseProjectPath("acme/mnist")
	if err != nil {
		t.Fatalf("ParseProjectPath: %v", err)
	}
	if p.Owner != "acme" || p.Name != "mnist" {
		t.Errorf("got %+v, want acme/mnist", p)
	}
	if p.String() != "acme/mnist" {
		t.Errorf("String() = %q", p.String())
	}

	for _, bad := range []string{"", "acme", "/mnist", "acme/", "a/b/c"} {
		if _, err := ParseProjectPath(bad); err == nil {
			t.Errorf("ParseProjectPath(%q) succeeded, want error", bad)
		}
	}
}

func TestParseModelPath(t *testing.T) {
	m, err := ParseModelPath("acme/mnist/classifier")
	if err != nil {
		t.Fatalf("ParseModelPath: %v", err)
	}
	if m.Project.Owner != "acme" || m.Project.Name != "mnist" || m.Name != "classifier" {
		t.Errorf("got %+v", m)
	}
	if m.String() != "acme/mnist/classifier" {
		t.Errorf("String() = %q", m.String())
	}
	if _, err := ParseModelPath("acme/mnist"); err == nil {
		t.Error("ParseModelPath(acme/mnist) succeeded, want error")
	}
}
