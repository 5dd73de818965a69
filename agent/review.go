package agent

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atelierhq/atelier/guardrails"
	"github.com/atelierhq/atelier/store"
)

// reviewOutcome carries one check's verdict through improvement drafting.
type reviewOutcome struct {
	secretOK bool
	lintOK   bool
	rlsOK    bool
	unitOK   bool
	e2eOK    bool
	sizeOK   bool
	findings []string
	lines    int
}

// reviewStage gates the generated code: secret scan on the host, then
// lint, row-level-security, unit and e2e checks inside a throwaway
// sandbox, then a change size cap. Any failure flips the run to
// review_ng with a normalized error signature for loop detection.
func (c *Controller) reviewStage(ctx context.Context, state State) (State, error) {
	artifacts := state.GeneratedCode

	// Secret scan runs before any container is started.
	scan := guardrails.RunSecretScan(artifacts)
	if !scan.Passed {
		return c.reviewFailure(state, "secret",
			[]string{"Secret Scan FAILED: " + strings.Join(clipFindings(scan.Findings, 5), "; ")},
			scan.Findings, reviewOutcome{}), nil
	}

	sb, err := c.newSandbox(ctx)
	if err != nil {
		return c.reviewFailure(state, "sandbox",
			[]string{fmt.Sprintf("Sandbox error: %v", err)},
			nil, reviewOutcome{secretOK: true}), nil
	}
	defer func() {
		if cerr := sb.Close(ctx); cerr != nil {
			c.logger.Warn("Sandbox close failed", "run_id", state.RunID, "error", cerr)
		}
	}()

	for rel, content := range artifacts {
		rel = normalizeRelPath(rel)
		if rel == "" {
			continue
		}
		if err := sb.WriteFile(ctx, rel, []byte(content)); err != nil {
			return c.reviewFailure(state, "sandbox",
				[]string{fmt.Sprintf("Sandbox error: %v", err)},
				nil, reviewOutcome{secretOK: true}), nil
		}
	}
	if err := sb.WriteFile(ctx, "spec.md", []byte(state.SpecMarkdown)); err != nil {
		return c.reviewFailure(state, "sandbox",
			[]string{fmt.Sprintf("Sandbox error: %v", err)},
			nil, reviewOutcome{secretOK: true}), nil
	}

	outcome := reviewOutcome{secretOK: true}

	if lint := guardrails.RunLintBuild(ctx, sb, artifacts); !lint.Passed {
		msgs := clipFindings(lint.Findings, 5)
		delta := c.reviewFailure(state, "lint", msgs, lint.Findings, outcome)
		delta.SandboxAudit = sb.AuditLog()
		return delta, nil
	}
	outcome.lintOK = true

	if rls := guardrails.ValidateRowPolicies(artifacts); !rls.Passed {
		msgs := clipFindings(rls.Findings, 5)
		delta := c.reviewFailure(state, "rls", msgs, rls.Findings, outcome)
		delta.SandboxAudit = sb.AuditLog()
		return delta, nil
	}
	outcome.rlsOK = true

	if unit := guardrails.RunUnitTests(ctx, sb, artifacts); !unit.Passed {
		msgs := clipFindings(unit.Findings, 5)
		delta := c.reviewFailure(state, "unit", msgs, unit.Findings, outcome)
		delta.SandboxAudit = sb.AuditLog()
		return delta, nil
	}
	outcome.unitOK = true

	if e2e := guardrails.RunE2ETests(ctx, sb, artifacts); !e2e.Passed {
		msgs := clipFindings(e2e.Findings, 5)
		delta := c.reviewFailure(state, "e2e", msgs, e2e.Findings, outcome)
		delta.SandboxAudit = sb.AuditLog()
		return delta, nil
	}
	outcome.e2eOK = true

	outcome.lines = guardrails.CountLines(artifacts)
	if size := guardrails.CheckChangeSize(artifacts); !size.Passed {
		delta := c.reviewFailure(state, "lines", size.Findings, size.Findings, outcome)
		delta.SandboxAudit = sb.AuditLog()
		return delta, nil
	}
	outcome.sizeOK = true

	// All checks passed. Write the artifacts to the host for the
	// dashboard and the publisher.
	if err := c.writeRunOutput(state); err != nil {
		return State{}, fmt.Errorf("write run output: %w", err)
	}

	delta := State{
		Status:       store.RunStatusReviewOK,
		SandboxAudit: sb.AuditLog(),
	}
	if state.ImproveRules {
		delta.Improvements = map[string]string{
			"review_rules_improvement": reviewImprovementText(outcome),
		}
	}
	return delta, nil
}

// reviewFailure builds the review_ng delta for one failed check.
func (c *Controller) reviewFailure(state State, category string, logMsgs, findings []string, outcome reviewOutcome) State {
	sigSource := findings
	if len(sigSource) == 0 {
		sigSource = logMsgs
	}
	delta := State{
		ErrorLogs:          logMsgs,
		Status:             store.RunStatusReviewNG,
		LastErrorSignature: guardrails.Fingerprint(category, sigSource),
	}
	if state.ImproveRules {
		outcome.findings = findings
		delta.Improvements = map[string]string{
			"review_rules_improvement": reviewImprovementText(outcome),
		}
	}
	return delta
}

func clipFindings(findings []string, n int) []string {
	if len(findings) > n {
		findings = findings[:n]
	}
	return findings
}

// writeRunOutput writes the generated files, the spec and a summary
// report into the run's output directory on the host.
func (c *Controller) writeRunOutput(state State) error {
	outDir := filepath.Join(state.WorkspaceRoot, filepath.FromSlash(state.OutputSubdir))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	for rel, content := range state.GeneratedCode {
		rel = normalizeRelPath(rel)
		if rel == "" {
			continue
		}
		path := filepath.Join(outDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(outDir, "spec.md"), []byte(state.SpecMarkdown), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "report.html"), []byte(buildReportHTML(state)), 0644)
}

// buildReportHTML renders the run summary page committed alongside the
// artifacts.
func buildReportHTML(state State) string {
	purpose := extractPurposeSnippet(state.SpecMarkdown, 400)
	purposeHTML := strings.ReplaceAll(html.EscapeString(purpose), "\n", "<br>\n")

	files := make([]string, 0, len(state.GeneratedCode))
	for rel := range state.GeneratedCode {
		if norm := normalizeRelPath(rel); norm != "" {
			files = append(files, norm)
		}
	}
	sort.Strings(files)

	var rows strings.Builder
	for _, f := range files {
		fmt.Fprintf(&rows, "    <li><code>%s</code></li>\n", html.EscapeString(f))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Run Report - %s</title>
</head>
<body>
  <h1>Run summary</h1>
  <p><strong>Run ID:</strong> %s</p>
  <p><strong>Output:</strong> %s</p>
  <h2>Goal</h2>
  <div>%s</div>
  <h2>Design document</h2>
  <p><a href="spec.md">spec.md</a></p>
  <h2>Generated files</h2>
  <ul>
%s  </ul>
</body>
</html>
`, state.RunID, state.RunID, state.OutputSubdir, purposeHTML, rows.String())
}

// extractPurposeSnippet pulls the goal section from the spec, falling
// back to the overview or the document head.
func extractPurposeSnippet(spec string, maxChars int) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ""
	}
	for _, head := range []string{"## Goal", "## Overview", "## Conditions and means"} {
		start := strings.Index(spec, head)
		if start < 0 {
			continue
		}
		segment := spec[start:]
		if end := strings.Index(segment[1:], "\n## "); end >= 0 {
			segment = segment[:end+1]
		}
		segment = strings.TrimSpace(segment)
		if len(segment) > maxChars {
			segment = segment[:maxChars]
		}
		return segment
	}
	if len(spec) > maxChars {
		spec = spec[:maxChars]
	}
	return spec
}

func reviewImprovementText(o reviewOutcome) string {
	verdict := func(ok bool) string {
		if ok {
			return "OK"
		}
		return "NG"
	}
	var b strings.Builder
	b.WriteString("# Review phase rule suggestions\n\n")
	b.WriteString("## Results\n")
	fmt.Fprintf(&b, "- Secret Scan: %s\n", verdict(o.secretOK))
	fmt.Fprintf(&b, "- Lint/Build: %s\n", verdict(o.lintOK))
	fmt.Fprintf(&b, "- Row security: %s\n", verdict(o.rlsOK))
	fmt.Fprintf(&b, "- Unit tests: %s\n", verdict(o.unitOK))
	fmt.Fprintf(&b, "- E2E tests: %s\n", verdict(o.e2eOK))
	fmt.Fprintf(&b, "- Change size: %d lines (limit %d) %s\n", o.lines, guardrails.MaxLinesPerPush, verdict(o.sizeOK))
	if len(o.findings) > 0 {
		b.WriteString("\n### Findings\n")
		for _, f := range clipFindings(o.findings, 5) {
			if len(f) > 300 {
				f = f[:300]
			}
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\n## Suggested additions to review_rules.md\n")
	b.WriteString("If a pattern above keeps recurring, record it as an exclusion policy or a check to watch for.\n")
	return b.String()
}
