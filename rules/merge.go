package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImprovementKeys maps result keys emitted by the review stage to the rule
// file each improvement belongs in.
var ImprovementKeys = []struct {
	ResultKey string
	RuleName  string
}{
	{"spec_rules_improvement", "spec_rules"},
	{"coder_rules_improvement", "coder_rules"},
	{"review_rules_improvement", "review_rules"},
	{"fix_rules_improvement", "fix_rules"},
	{"pr_rules_improvement", "pr_rules"},
}

const (
	blockSeparator   = "\n\n---\n\n"
	autoAddedMarker  = "## Auto-added (run_id:"
	signatureMaxLen  = 200
	duplicateScanLen = 300
)

// AutoAddedHeader formats the header line written above an appended block.
func AutoAddedHeader(runID, genre string) string {
	header := autoAddedMarker + " " + runID
	if g := strings.TrimSpace(genre); g != "" {
		header += ", genre: " + g
	}
	return header + ")"
}

// blockSignature returns a short string identifying a rule block for
// duplicate detection: the first three lines, capped.
func blockSignature(block string) string {
	lines := strings.Split(strings.TrimSpace(block), "\n")
	if len(lines) > 3 {
		lines = lines[:3]
	}
	sig := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(sig) > signatureMaxLen {
		sig = sig[:signatureMaxLen]
	}
	return sig
}

// IsDuplicateBlock reports whether existing already contains an auto-added
// block with the same leading lines as newBlock.
func IsDuplicateBlock(existing, newBlock string) bool {
	sig := blockSignature(newBlock)
	if sig == "" {
		return false
	}

	newLines := strings.Split(strings.TrimSpace(newBlock), "\n")
	if len(newLines) > 3 {
		newLines = newLines[:3]
	}

	parts := strings.Split(existing, blockSeparator+autoAddedMarker)
	for _, part := range parts[1:] {
		partLines := strings.Split(strings.TrimSpace(part), "\n")
		if len(partLines) > 3 {
			partLines = partLines[:3]
		}
		if equalLines(partLines, newLines) {
			return true
		}
		head := part
		if len(head) > duplicateScanLen {
			head = head[:duplicateScanLen]
		}
		if strings.Contains(head, sig) {
			return true
		}
	}
	return false
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeImprovements appends each non-empty improvement from result to its
// rule file under dir. Duplicate blocks are skipped. Returns the rule names
// that were actually written.
func MergeImprovements(dir, runID, genre string, result map[string]string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	header := AutoAddedHeader(runID, genre)

	var written []string
	for _, key := range ImprovementKeys {
		content := strings.TrimSpace(result[key.ResultKey])
		if content == "" {
			continue
		}
		path := filepath.Join(dir, key.RuleName+".md")
		changed, err := AppendBlock(path, key.RuleName, header, content)
		if err != nil {
			return written, fmt.Errorf("merge %s: %w", key.RuleName, err)
		}
		if changed {
			written = append(written, key.RuleName)
		}
	}
	return written, nil
}

// AppendBlock appends one rule block to path with the given header,
// creating the file when absent. Returns false when the block is a
// duplicate of one already present.
func AppendBlock(path, ruleName, header, content string) (bool, error) {
	appendix := blockSeparator + header + "\n\n" + content + "\n"

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if IsDuplicateBlock(string(existing), content) {
			return false, nil
		}
		merged := strings.TrimRight(string(existing), " \t\n") + appendix
		return true, os.WriteFile(path, []byte(merged), 0644)

	case os.IsNotExist(err):
		var initial string
		if strings.HasPrefix(strings.TrimLeft(content, " \t\n"), "#") {
			initial = content + appendix
		} else {
			initial = "# " + ruleName + "\n\n" + content + appendix
		}
		return true, os.WriteFile(path, []byte(initial), 0644)

	default:
		return false, err
	}
}
