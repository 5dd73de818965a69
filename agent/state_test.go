package agent

import (
	"strings"
	"testing"

	"github.com/atelierhq/atelier/store"
)

func TestSlugFromRequirement(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Build a CRM dashboard", "Build-a-CRM-dashboard"},
		{"punctuation", "Fix: login & logout!", "Fix-login-logout"},
		{"empty", "   ", ""},
		{"collapses dashes", "a --- b", "a-b"},
		{"truncated", strings.Repeat("abcde ", 20), "abcde-abcde-abcde-abcde-abcde-abcde-abcde-abcde-ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SlugFromRequirement(tt.in); got != tt.want {
				t.Errorf("SlugFromRequirement(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewState(t *testing.T) {
	s := NewState("tenant-a", "Build a CRM dashboard", "/work", WithGenre(" crm "), WithImproveRules())

	if s.RunID == "" {
		t.Error("RunID not generated")
	}
	if s.Genre != "crm" {
		t.Errorf("Genre = %q", s.Genre)
	}
	if !s.ImproveRules {
		t.Error("ImproveRules not set")
	}
	if s.OutputSubdir != "output/Build-a-CRM-dashboard" {
		t.Errorf("OutputSubdir = %q", s.OutputSubdir)
	}
	if s.Status != store.RunStatusStarted {
		t.Errorf("Status = %q", s.Status)
	}

	// Unsluggable requirement falls back to the run ID.
	s2 := NewState("tenant-a", "!!!", "/work", WithRunID("run_fixed"))
	if s2.OutputSubdir != "output/run_fixed" {
		t.Errorf("OutputSubdir = %q", s2.OutputSubdir)
	}
}

func TestStateMerge(t *testing.T) {
	base := State{
		RunID:       "run_1",
		Requirement: "req",
		Status:      store.RunStatusStarted,
		ErrorLogs:   []string{"first"},
		InputTokens: 100,
	}

	merged := base.Merge(State{
		Status:       store.RunStatusCoding,
		ErrorLogs:    []string{"second"},
		InputTokens:  50,
		OutputTokens: 20,
		RetryCount:   1,
		Improvements: map[string]string{"spec_rules_improvement": "x"},
	})

	if merged.Status != store.RunStatusCoding {
		t.Errorf("Status = %q", merged.Status)
	}
	if len(merged.ErrorLogs) != 2 || merged.ErrorLogs[1] != "second" {
		t.Errorf("ErrorLogs = %v", merged.ErrorLogs)
	}
	if merged.InputTokens != 150 || merged.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d, want 150/20", merged.InputTokens, merged.OutputTokens)
	}
	if merged.RetryCount != 1 {
		t.Errorf("RetryCount = %d", merged.RetryCount)
	}
	if merged.Requirement != "req" {
		t.Errorf("Requirement lost: %q", merged.Requirement)
	}

	// Empty delta changes nothing.
	same := merged.Merge(State{})
	if same.Status != merged.Status || len(same.ErrorLogs) != len(merged.ErrorLogs) {
		t.Error("empty delta mutated state")
	}

	// Improvement keys accumulate across deltas.
	again := merged.Merge(State{Improvements: map[string]string{"coder_rules_improvement": "y"}})
	if len(again.Improvements) != 2 {
		t.Errorf("Improvements = %v", again.Improvements)
	}
}
