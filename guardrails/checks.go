package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/sandbox"
)

// Timeouts for sandboxed toolchain invocations.
const (
	lintTimeout     = 120 * time.Second
	buildTimeout    = 180 * time.Second
	unitTestTimeout = 300 * time.Second
	e2eTestTimeout  = 600 * time.Second
)

// maxFindingLen caps tool output carried into findings.
const maxFindingLen = 2000

// MaxLinesPerPush caps the total line count of one generated change set.
const MaxLinesPerPush = 200

// Workspace is the subset of the sandbox API the sandboxed checks use.
// *sandbox.Sandbox satisfies it.
type Workspace interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	RunCommand(ctx context.Context, argv []string, timeout time.Duration) (sandbox.CommandResult, error)
}

// RunLintBuild runs the linter and build appropriate to the artifact set:
// ruff for Python, npm run build when a package.json is present. A missing
// toolchain is not a failure.
func RunLintBuild(ctx context.Context, ws Workspace, artifacts map[string]string) ScanResult {
	var findings []string

	hasPy := hasPython(artifacts)
	pkg, hasJS := readPackageJSON(ctx, ws)

	if hasPy {
		result, err := ws.RunCommand(ctx, []string{"ruff", "check", "."}, lintTimeout)
		if err != nil {
			if !toolMissing(err) {
				findings = append(findings, "ruff: "+clip(err.Error()))
			}
		} else if !result.Success() {
			findings = appendToolFailure(findings, "ruff", result)
		}
	}

	if hasJS && hasScript(pkg, "build") {
		result, err := ws.RunCommand(ctx, []string{"npm", "run", "build"}, buildTimeout)
		if err != nil {
			if !toolMissing(err) {
				findings = append(findings, "npm run build: "+clip(err.Error()))
			}
		} else if !result.Success() {
			findings = appendToolFailure(findings, "npm run build", result)
		}
	}

	return ScanResult{Passed: len(findings) == 0, Findings: findings}
}

// RunUnitTests runs pytest for Python artifacts and the package.json test
// script for JS projects that declare one.
func RunUnitTests(ctx context.Context, ws Workspace, artifacts map[string]string) ScanResult {
	var findings []string

	if hasPython(artifacts) {
		result, err := ws.RunCommand(ctx, []string{"pytest", "-q", "--tb=short"}, unitTestTimeout)
		if err != nil {
			if !toolMissing(err) {
				findings = append(findings, "pytest: "+clip(err.Error()))
			}
		} else if !result.Success() {
			findings = appendToolFailure(findings, "pytest", result)
		}
	}

	if pkg, ok := readPackageJSON(ctx, ws); ok {
		script := ""
		switch {
		case hasScript(pkg, "test"):
			script = "test"
		case hasScript(pkg, "test:unit"):
			script = "test:unit"
		}
		if script != "" {
			result, err := ws.RunCommand(ctx, []string{"npm", "run", script}, unitTestTimeout)
			if err != nil {
				if !toolMissing(err) {
					findings = append(findings, "npm test: "+clip(err.Error()))
				}
			} else if !result.Success() {
				findings = appendToolFailure(findings, "npm test", result)
			}
		}
	}

	return ScanResult{Passed: len(findings) == 0, Findings: findings}
}

// RunE2ETests runs Playwright when a config file or a playwright script is
// present; otherwise the check passes vacuously.
func RunE2ETests(ctx context.Context, ws Workspace, _ map[string]string) ScanResult {
	hasConfig := false
	for _, name := range []string{"playwright.config.ts", "playwright.config.js", "playwright.config.mjs"} {
		if _, err := ws.ReadFile(ctx, name); err == nil {
			hasConfig = true
			break
		}
	}

	hasScriptRef := false
	if pkg, ok := readPackageJSON(ctx, ws); ok {
		var all []string
		for _, v := range pkg.Scripts {
			all = append(all, v)
		}
		if strings.Contains(strings.ToLower(strings.Join(all, " ")), "playwright") {
			hasScriptRef = true
		}
	}

	if !hasConfig && !hasScriptRef {
		return ScanResult{Passed: true}
	}

	result, err := ws.RunCommand(ctx, []string{"npx", "playwright", "test"}, e2eTestTimeout)
	if err != nil {
		if toolMissing(err) {
			return ScanResult{Passed: true}
		}
		return ScanResult{Findings: []string{"playwright: " + clip(err.Error())}}
	}
	if !result.Success() {
		return ScanResult{Findings: appendToolFailure(nil, "playwright", result)}
	}
	return ScanResult{Passed: true}
}

// CountLines returns the total line count across all artifacts.
func CountLines(artifacts map[string]string) int {
	total := 0
	for _, content := range artifacts {
		if content == "" {
			continue
		}
		total += strings.Count(content, "\n")
		if !strings.HasSuffix(content, "\n") {
			total++
		}
	}
	return total
}

// CheckChangeSize enforces the per-push line cap.
func CheckChangeSize(artifacts map[string]string) ScanResult {
	lines := CountLines(artifacts)
	if lines > MaxLinesPerPush {
		return ScanResult{Findings: []string{
			fmt.Sprintf("change too large: %d lines (limit %d)", lines, MaxLinesPerPush),
		}}
	}
	return ScanResult{Passed: true}
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

func readPackageJSON(ctx context.Context, ws Workspace) (packageJSON, bool) {
	data, err := ws.ReadFile(ctx, "package.json")
	if err != nil {
		return packageJSON{}, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return packageJSON{}, true
	}
	return pkg, true
}

func hasScript(pkg packageJSON, name string) bool {
	_, ok := pkg.Scripts[name]
	return ok
}

func hasPython(artifacts map[string]string) bool {
	for p := range artifacts {
		if strings.HasSuffix(p, ".py") {
			return true
		}
	}
	return false
}

func toolMissing(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

func appendToolFailure(findings []string, tool string, result sandbox.CommandResult) []string {
	if result.TimedOut {
		return append(findings, fmt.Sprintf("%s: timeout", tool))
	}
	out := result.Stderr
	if out == "" {
		out = result.Stdout
	}
	if out == "" {
		out = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	return append(findings, fmt.Sprintf("%s: %s", tool, clip(out)))
}

func clip(s string) string {
	if len(s) > maxFindingLen {
		return s[:maxFindingLen]
	}
	return s
}
