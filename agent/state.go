// Package agent implements the code-generation pipeline: classify the
// requirement, draft a spec, generate code, gate it through review
// checks with a bounded fix loop, then publish the artifacts.
package agent

import (
	"regexp"
	"strings"

	"github.com/atelierhq/atelier/sandbox"
	"github.com/atelierhq/atelier/store"
)

const slugMaxLen = 50

var (
	slugInvalidRE = regexp.MustCompile(`[^a-zA-Z0-9_\s-]`)
	slugSpaceRE   = regexp.MustCompile(`\s+`)
	slugDashRE    = regexp.MustCompile(`-+`)
)

// State is the shared state flowing through the pipeline. Stages return
// deltas; Merge folds them into the accumulated state.
type State struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`

	Requirement         string `json:"requirement"`
	Genre               string `json:"genre,omitempty"`
	GenreSubcategory    string `json:"genre_subcategory,omitempty"`
	GenreOverrideReason string `json:"genre_override_reason,omitempty"`

	SpecMarkdown  string            `json:"spec_markdown,omitempty"`
	GeneratedCode map[string]string `json:"generated_code,omitempty"`

	Status             store.RunStatus `json:"status,omitempty"`
	ErrorLogs          []string        `json:"error_logs,omitempty"`
	RetryCount         int             `json:"retry_count,omitempty"`
	FixInstruction     string          `json:"fix_instruction,omitempty"`
	LastErrorSignature string          `json:"last_error_signature,omitempty"`
	CommitURL          string          `json:"commit_url,omitempty"`

	WorkspaceRoot string `json:"workspace_root,omitempty"`
	OutputSubdir  string `json:"output_subdir,omitempty"`

	// ImproveRules enables per-stage rule improvement drafts, later
	// merged into the rule files on success.
	ImproveRules bool              `json:"improve_rules,omitempty"`
	Improvements map[string]string `json:"improvements,omitempty"`

	// SourceChannel and SourceEventID record the webhook origin when the
	// run was started from a channel message.
	SourceChannel string `json:"source_channel,omitempty"`
	SourceEventID string `json:"source_event_id,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	SandboxAudit []sandbox.AuditRecord `json:"sandbox_audit,omitempty"`
}

// Merge folds a stage delta into s. Strings and maps overwrite when set,
// ErrorLogs append, and token counts are additive.
func (s State) Merge(delta State) State {
	if delta.RunID != "" {
		s.RunID = delta.RunID
	}
	if delta.TenantID != "" {
		s.TenantID = delta.TenantID
	}
	if delta.Requirement != "" {
		s.Requirement = delta.Requirement
	}
	if delta.Genre != "" {
		s.Genre = delta.Genre
	}
	if delta.GenreSubcategory != "" {
		s.GenreSubcategory = delta.GenreSubcategory
	}
	if delta.GenreOverrideReason != "" {
		s.GenreOverrideReason = delta.GenreOverrideReason
	}
	if delta.SpecMarkdown != "" {
		s.SpecMarkdown = delta.SpecMarkdown
	}
	if delta.GeneratedCode != nil {
		s.GeneratedCode = delta.GeneratedCode
	}
	if delta.Status != "" {
		s.Status = delta.Status
	}
	s.ErrorLogs = append(s.ErrorLogs, delta.ErrorLogs...)
	if delta.RetryCount != 0 {
		s.RetryCount = delta.RetryCount
	}
	if delta.FixInstruction != "" {
		s.FixInstruction = delta.FixInstruction
	}
	if delta.LastErrorSignature != "" {
		s.LastErrorSignature = delta.LastErrorSignature
	}
	if delta.CommitURL != "" {
		s.CommitURL = delta.CommitURL
	}
	if delta.WorkspaceRoot != "" {
		s.WorkspaceRoot = delta.WorkspaceRoot
	}
	if delta.OutputSubdir != "" {
		s.OutputSubdir = delta.OutputSubdir
	}
	if delta.SourceChannel != "" {
		s.SourceChannel = delta.SourceChannel
	}
	if delta.SourceEventID != "" {
		s.SourceEventID = delta.SourceEventID
	}
	s.ImproveRules = s.ImproveRules || delta.ImproveRules
	if delta.Improvements != nil {
		if s.Improvements == nil {
			s.Improvements = make(map[string]string, len(delta.Improvements))
		}
		for k, v := range delta.Improvements {
			s.Improvements[k] = v
		}
	}
	s.InputTokens += delta.InputTokens
	s.OutputTokens += delta.OutputTokens
	if delta.SandboxAudit != nil {
		s.SandboxAudit = delta.SandboxAudit
	}
	return s
}

// StateOption configures the initial state.
type StateOption func(*State)

// WithGenre presets the genre; the classifier may still override it with
// high confidence.
func WithGenre(genre string) StateOption {
	return func(s *State) { s.Genre = strings.TrimSpace(genre) }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(runID string) StateOption {
	return func(s *State) { s.RunID = runID }
}

// WithImproveRules enables rule improvement drafting for this run.
func WithImproveRules() StateOption {
	return func(s *State) { s.ImproveRules = true }
}

// WithSource records the originating webhook channel and event.
func WithSource(channel, eventID string) StateOption {
	return func(s *State) {
		s.SourceChannel = channel
		s.SourceEventID = eventID
	}
}

// NewState builds the initial state for a run.
func NewState(tenantID, requirement, workspaceRoot string, opts ...StateOption) State {
	s := State{
		TenantID:      tenantID,
		Requirement:   requirement,
		Status:        store.RunStatusStarted,
		WorkspaceRoot: workspaceRoot,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.RunID == "" {
		s.RunID = store.NewRunID()
	}
	folder := SlugFromRequirement(requirement)
	if folder == "" {
		folder = s.RunID
	}
	s.OutputSubdir = "output/" + folder
	return s
}

// SlugFromRequirement derives a folder-safe slug from the requirement
// text. Returns "" when nothing survives.
func SlugFromRequirement(requirement string) string {
	s := strings.TrimSpace(requirement)
	if s == "" {
		return ""
	}
	s = slugInvalidRE.ReplaceAllString(s, "-")
	s = slugSpaceRE.ReplaceAllString(s, "-")
	s = strings.Trim(slugDashRE.ReplaceAllString(s, "-"), "-")
	if len(s) > slugMaxLen {
		s = s[:slugMaxLen]
	}
	return s
}
