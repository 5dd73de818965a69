package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/store"
)

// fileSizeLimit caps files read into the coder context.
const fileSizeLimit = 20 * 1024

// excludedFilePatterns filters workspace files from the coder context.
// Matched with doublestar against the workspace-relative path.
var excludedFilePatterns = []string{
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/*.log",
	"**/.env",
	"**/.env.*",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/.git/**",
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	".venv":        true,
	"venv":         true,
}

const defaultCoderSystem = `You are the implementing engineer. Generate the code the design document requires, taking the existing code into account.
Output format:
- For each file, write a line with ` + "```" + `relative/path or --- relative/path --- followed by the file content on the next lines.
- Paths are relative to the project root (e.g. src/main.py, package.json).
- Repeat one block per file for multiple files.
- Output code only, no explanations.`

// fileBlockRE matches the start of one generated file block, either
// fenced with the path on the fence line or framed with dashes.
var fileBlockRE = regexp.MustCompile("(?m)^```\\s*(\\S+)\\s*$|^---\\s*(\\S+)\\s*---\\s*$")

var blockTerminatorRE = regexp.MustCompile("(?m)^\\s*```|^\\s*---")

// coderStage generates code from the spec, feeding the model the
// filtered existing workspace and any pending fix instruction.
func (c *Controller) coderStage(ctx context.Context, state State) (State, error) {
	coderPrompt := c.rules.Load("coder_rules", defaultCoderSystem)
	if genreRules := c.rules.LoadGenreRules(state.Genre); genreRules != "" {
		coderPrompt += "\n\n## Genre-specific rules\n\n" + genreRules
	}

	workspaceContext := readWorkspaceContext(state.WorkspaceRoot)

	userContent := "## Design document\n" + state.SpecMarkdown +
		"\n\n## Existing code (reference)\n" + workspaceContext
	if state.FixInstruction != "" {
		userContent += "\n\n## Fix instructions (must be applied)\n" + state.FixInstruction
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Profile: llm.ProfileFast,
		Messages: []llm.Message{
			{Role: "system", Content: coderPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		return State{}, fmt.Errorf("code generation: %w", err)
	}

	generated := parseGeneratedFiles(resp.Content)

	delta := State{
		GeneratedCode: generated,
		Status:        store.RunStatusCoding,
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
	}

	if state.ImproveRules {
		files := "(none)"
		if len(generated) > 0 {
			names := make([]string, 0, len(generated))
			for name := range generated {
				names = append(names, name)
			}
			sort.Strings(names)
			files = strings.Join(names, ", ")
		}
		specClip := state.SpecMarkdown
		if len(specClip) > 200 {
			specClip = specClip[:200]
		}
		delta.Improvements = map[string]string{
			"coder_rules_improvement": "# Coder phase rule suggestions\n\n" +
				"## Design excerpt\n" + specClip + "...\n\n" +
				"## Generated files\n" + files + "\n\n" +
				"## Suggested additions to coder_rules.md\n" +
				"If the project has standard import ordering or formatting conventions, state them before the output format.\n",
		}
	}
	return delta, nil
}

// readWorkspaceContext concatenates readable workspace files for the
// coder prompt, skipping excluded patterns and oversized files.
func readWorkspaceContext(root string) string {
	paths := filterReadableFiles(root)
	var parts []string
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s", rel, data))
	}
	if len(parts) == 0 {
		return "(no existing files)"
	}
	return strings.Join(parts, "\n\n")
}

// filterReadableFiles returns the sorted relative paths of workspace
// files small enough and not excluded.
func filterReadableFiles(root string) []string {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil
	}

	var allowed []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel) {
			return nil
		}
		if fi, err := d.Info(); err != nil || fi.Size() > fileSizeLimit {
			return nil
		}
		allowed = append(allowed, rel)
		return nil
	})
	sort.Strings(allowed)
	return allowed
}

func isExcluded(rel string) bool {
	for _, pattern := range excludedFilePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// parseGeneratedFiles extracts path/content pairs from the model output.
func parseGeneratedFiles(text string) map[string]string {
	out := make(map[string]string)
	pos := 0
	for {
		loc := fileBlockRE.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		var path string
		if loc[2] >= 0 {
			path = text[pos+loc[2] : pos+loc[3]]
		} else if loc[4] >= 0 {
			path = text[pos+loc[4] : pos+loc[5]]
		}
		path = normalizeRelPath(path)
		start := pos + loc[1]

		end := len(text)
		if term := blockTerminatorRE.FindStringIndex(text[start:]); term != nil {
			end = start + term[0]
		}
		if path != "" {
			out[path] = strings.TrimSpace(text[start:end])
		}
		pos = end
		if pos >= len(text) {
			break
		}
	}
	return out
}

// normalizeRelPath cleans a model-emitted path: strips stray backticks
// and dashes, unifies slashes, drops a leading slash, and collapses
// dot segments.
func normalizeRelPath(path string) string {
	s := strings.ReplaceAll(path, "\\", "/")
	s = strings.Trim(s, "`- ")
	s = strings.TrimPrefix(s, "/")

	var parts []string
	for _, p := range strings.Split(s, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}
