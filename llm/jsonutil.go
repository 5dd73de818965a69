package llm

import (
	"regexp"
	"strings"
)

// LLM responses wrap JSON in markdown fences and sprinkle comments and
// trailing commas into it. These helpers dig the JSON out and repair it.
var (
	jsonObjectBlockRE = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectRE      = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayBlockRE  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	jsonArrayRE       = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingCommaRE   = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from an LLM response string, preferring
// a fenced block over a bare object. Returns "" when none is found.
func ExtractJSON(content string) string {
	if m := jsonObjectBlockRE.FindStringSubmatch(content); len(m) > 1 {
		return repairJSON(m[1])
	}
	if m := jsonObjectRE.FindString(content); m != "" {
		return repairJSON(m)
	}
	return ""
}

// ExtractJSONArray extracts a JSON array from an LLM response string.
func ExtractJSONArray(content string) string {
	if m := jsonArrayBlockRE.FindStringSubmatch(content); len(m) > 1 {
		return repairJSON(m[1])
	}
	if m := jsonArrayRE.FindString(content); m != "" {
		return repairJSON(m)
	}
	return ""
}

// repairJSON strips JavaScript-style line comments and trailing commas,
// the two invalid artifacts models produce most often.
func repairJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaRE.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a line unless the // sits
// inside a string value (think URLs).
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
