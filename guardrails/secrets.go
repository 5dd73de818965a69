// Package guardrails validates generated code before it ever touches a
// sandbox or a repository: secret scanning, lint/build/test wrappers,
// change-size limits and row-level-security checks for SQL.
package guardrails

import (
	"fmt"
	"math"
	"regexp"
	"sort"
)

// secretPattern pairs a detection regexp with a human-readable label.
type secretPattern struct {
	re    *regexp.Regexp
	label string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "OpenAI-style key (sk-...)"},
	{regexp.MustCompile(`sbp_[a-zA-Z0-9]+`), "Stripe-style key (sbp_...)"},
	{regexp.MustCompile(`API_KEY\s*=\s*["'][^"']+["']`), "API_KEY assignment"},
	{regexp.MustCompile(`(?:password|secret|token)\s*=\s*["'][^"']+["']`), "password/secret/token assignment"},
	{regexp.MustCompile(`SUPABASE_KEY\s*=\s*["'][^"']+["']`), "SUPABASE_KEY assignment"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_\-.]{20,}`), "Bearer token"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC )?PRIVATE KEY-----`), "Private key block"},
}

const (
	// highEntropyMinLen is the shortest alphanumeric run considered for
	// the entropy heuristic.
	highEntropyMinLen = 24

	// highEntropyThreshold is bits per character.
	highEntropyThreshold = 4.0
)

var alnumRun = regexp.MustCompile(fmt.Sprintf(`[a-zA-Z0-9]{%d,}`, highEntropyMinLen))

// ScanResult is the outcome of a guardrail check. A single finding fails it.
type ScanResult struct {
	Passed   bool
	Findings []string
}

// RunSecretScan scans every artifact for known credential patterns and
// high-entropy strings. Matched values are reported masked, never verbatim.
func RunSecretScan(artifacts map[string]string) ScanResult {
	var findings []string

	for _, filePath := range sortedKeys(artifacts) {
		content := artifacts[filePath]
		for _, p := range secretPatterns {
			if p.re.MatchString(content) {
				findings = append(findings, fmt.Sprintf("[%s] %s", filePath, p.label))
			}
		}
		for _, h := range findHighEntropy(content) {
			findings = append(findings, fmt.Sprintf("[%s] %s", filePath, h))
		}
	}

	return ScanResult{Passed: len(findings) == 0, Findings: findings}
}

// findHighEntropy reports long alphanumeric runs whose Shannon entropy
// suggests generated secrets rather than prose or identifiers.
func findHighEntropy(content string) []string {
	var findings []string
	for _, loc := range alnumRun.FindAllStringIndex(content, -1) {
		segment := content[loc[0]:loc[1]]
		if shannonEntropy(segment) >= highEntropyThreshold {
			findings = append(findings,
				fmt.Sprintf("high_entropy_string (len=%d) at position %d", len(segment), loc[0]))
		}
	}
	return findings
}

// shannonEntropy returns bits of entropy per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
