package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "fenced json block",
			content: "Here is the result:\n```json\n{\"genre\": \"crm\"}\n```\nDone.",
			want:    `{"genre": "crm"}`,
		},
		{
			name:    "fenced block without language tag",
			content: "```\n{\"ok\": true}\n```",
			want:    `{"ok": true}`,
		},
		{
			name:    "bare object",
			content: `The answer is {"confidence": 0.9} as requested.`,
			want:    `{"confidence": 0.9}`,
		},
		{
			name:    "no json",
			content: "I cannot produce structured output for this.",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.content)
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractJSONRepairs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "trailing comma in object",
			content: "```json\n{\"a\": 1, \"b\": 2,}\n```",
		},
		{
			name:    "line comments",
			content: "```json\n{\n  \"a\": 1, // primary value\n  \"b\": 2\n}\n```",
		},
		{
			name:    "url with slashes survives comment stripping",
			content: "```json\n{\"url\": \"https://example.com/path\"}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.content)
			if got == "" {
				t.Fatal("ExtractJSON returned empty")
			}
			var out map[string]any
			if err := json.Unmarshal([]byte(got), &out); err != nil {
				t.Errorf("repaired JSON does not parse: %v\n%s", err, got)
			}
		})
	}
}

func TestExtractJSONPreservesURLs(t *testing.T) {
	got := ExtractJSON(`{"url": "https://example.com/a//b"}`)

	var out map[string]string
	if err := json.Unmarshal([]byte(got), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["url"] != "https://example.com/a//b" {
		t.Errorf("url mangled: %q", out["url"])
	}
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantLen  int
		wantNone bool
	}{
		{
			name:    "fenced array",
			content: "```json\n[{\"tool\": \"create\"}, {\"tool\": \"update\"}]\n```",
			wantLen: 2,
		},
		{
			name:    "bare array with trailing comma",
			content: `Operations: [{"tool": "create"},]`,
			wantLen: 1,
		},
		{
			name:    "empty array",
			content: "```json\n[]\n```",
			wantLen: 0,
		},
		{
			name:     "no array",
			content:  "nothing to do",
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSONArray(tt.content)
			if tt.wantNone {
				if got != "" {
					t.Errorf("ExtractJSONArray() = %q, want empty", got)
				}
				return
			}
			var out []map[string]any
			if err := json.Unmarshal([]byte(got), &out); err != nil {
				t.Fatalf("unmarshal: %v\n%s", err, got)
			}
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`"a": 1, // note`, `"a": 1,`},
		{`"url": "https://x.test" // note`, `"url": "https://x.test"`},
		{`"path": "a//b"`, `"path": "a//b"`},
		{`plain line`, `plain line`},
	}

	for _, tt := range tests {
		if got := stripLineComment(tt.line); got != tt.want {
			t.Errorf("stripLineComment(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}
