package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFallback(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "rules"))

	if got := l.Load("coder_rules", "default coder rules"); got != "default coder rules" {
		t.Errorf("Load = %q, want fallback", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "coder_rules.md", "# Coder\n\nUse snake_case.\n")

	l := NewLoader(dir)

	got := l.Load("coder_rules", "fallback")
	if got != "# Coder\n\nUse snake_case." {
		t.Errorf("Load = %q", got)
	}
}

func TestLoadCachesMisses(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)

	if got := l.Load("spec_rules", "d"); got != "d" {
		t.Fatalf("Load = %q", got)
	}

	// File appears after the miss was cached; stale until invalidated.
	writeRule(t, dir, "spec_rules.md", "fresh content")
	if got := l.Load("spec_rules", "d"); got != "d" {
		t.Errorf("Load after write = %q, want cached fallback", got)
	}

	l.Invalidate()
	if got := l.Load("spec_rules", "d"); got != "fresh content" {
		t.Errorf("Load after invalidate = %q, want fresh content", got)
	}
}

func TestLoadGenreRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, filepath.Join(dir, "genre"), "crm_rules.md", "CRM specifics")

	l := NewLoader(dir)

	if got := l.LoadGenreRules("crm"); got != "CRM specifics" {
		t.Errorf("LoadGenreRules = %q", got)
	}
	if got := l.LoadGenreRules("unknown_genre"); got != "" {
		t.Errorf("LoadGenreRules for invalid genre = %q, want empty", got)
	}
	if got := l.LoadGenreRules("legal"); got != "" {
		t.Errorf("LoadGenreRules for missing file = %q, want empty", got)
	}
}

func TestLoadGenreRulesSiblingDir(t *testing.T) {
	// Loader rooted at rules/develop finds rules/genre as a sibling.
	root := t.TempDir()
	writeRule(t, filepath.Join(root, "genre"), "sfa_rules.md", "SFA specifics")
	developDir := filepath.Join(root, "develop")
	if err := os.MkdirAll(developDir, 0755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(developDir)

	if got := l.LoadGenreRules("sfa"); got != "SFA specifics" {
		t.Errorf("LoadGenreRules = %q", got)
	}
}

func TestLoadGenreSchema(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, filepath.Join(dir, "genre"), "accounting_db_schema.md", "CREATE TABLE journal ...")

	l := NewLoader(dir)

	if got := l.LoadGenreSchema("accounting"); got != "CREATE TABLE journal ..." {
		t.Errorf("LoadGenreSchema = %q", got)
	}
}
