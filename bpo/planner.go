package bpo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/store"
)

// MaxOperationsPerTask caps how many operations one plan may contain.
const MaxOperationsPerTask = 10

const plannerSystem = `You are a company's AI operations employee. Produce a SaaS operation plan that carries out the given instruction.

## Rules
1. Use only the available tools.
2. Put data retrieval (READ) operations before update (WRITE) operations.
3. Never include delete operations; recommend manual handling instead.
4. Keep the plan minimal (1 to 10 steps).
5. When past failures are listed, plan so the same failures are not repeated.

## Output format
Produce both of the following:

### 1. Execution plan (Markdown)
Explain the steps in a form a human can review.

### 2. Operation list (JSON)
` + "```json" + `
[{"tool_name": "tool name", "arguments": {"arg": "value"}}]
` + "```" + `

Always output both the Markdown plan and the JSON operation list, with the JSON inside a ` + "```json```" + ` block.`

var planJSONBlockRE = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// plannerStage turns the task description into a reviewable plan and an
// operation list. The plan must survive validation before the task parks
// for approval; anything else fails the task.
func (c *Controller) plannerStage(ctx context.Context, state State) (State, error) {
	if strings.TrimSpace(state.Description) == "" {
		return planFailure("task planning: description is empty"), nil
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Profile: llm.ProfileQuality,
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystem},
			{Role: "user", Content: c.buildPlannerPrompt(ctx, state)},
		},
	})
	if err != nil {
		return planFailure(fmt.Sprintf("task planning LLM error: %v", err)), nil
	}

	plan, ops := parsePlanResponse(resp.Content)
	if len(ops) == 0 {
		delta := planFailure("task planning: no operation list was produced")
		delta.PlanMarkdown = plan
		if delta.PlanMarkdown == "" {
			delta.PlanMarkdown = resp.Content
		}
		return delta, nil
	}

	if err := validateOperations(ops); err != nil {
		delta := planFailure(fmt.Sprintf("task planning: %v", err))
		delta.PlanMarkdown = plan
		return delta, nil
	}

	return State{
		PlanMarkdown: plan,
		Operations:   ops,
		Status:       store.TaskStatusAwaitingApproval,
	}, nil
}

func planFailure(msg string) State {
	return State{
		Status:    store.TaskStatusFailed,
		ErrorLogs: []string{msg},
	}
}

// buildPlannerPrompt assembles the instruction, the adapter's tool list,
// the shared and per-SaaS rules, and recent failure warnings.
func (c *Controller) buildPlannerPrompt(ctx context.Context, state State) string {
	toolsText := "(tool list unavailable)"
	if len(state.AvailableTools) > 0 {
		if encoded, err := json.MarshalIndent(state.AvailableTools, "", "  "); err == nil {
			toolsText = string(encoded)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Instruction\n%s\n\n## Target SaaS\n%s\n\n## Available tools\n%s\n",
		state.Description, state.SaaSName, toolsText)

	if general := c.rules.Load("general_rules", ""); general != "" {
		b.WriteString("\n## Common SaaS operation rules\n" + general + "\n")
	}
	if specific := c.rules.Load(state.SaaSName+"_rules", ""); specific != "" {
		fmt.Fprintf(&b, "\n## %s specific rules\n%s\n", state.SaaSName, specific)
	}
	if warnings := c.pastFailureWarnings(ctx, state.SaaSName, state.Genre); warnings != "" {
		b.WriteString("\n## Past failures (plan around these)\n" + warnings + "\n")
	}
	return b.String()
}

// pastFailureWarnings pulls recent failures for the same SaaS so the
// planner does not repeat them. Lookup failures just skip the section.
func (c *Controller) pastFailureWarnings(ctx context.Context, saasName, genre string) string {
	if saasName == "" {
		return ""
	}
	failures, err := c.entities.GetSimilarFailures(ctx, saasName, genre, 5)
	if err != nil {
		c.logger.Warn("Failed to load past failures", "saas", saasName, "error", err)
		return ""
	}
	return formatFailureWarnings(failures)
}

func formatFailureWarnings(failures []*store.Task) string {
	var lines []string
	for _, f := range failures {
		category := f.FailureCategory
		if category == "" {
			category = "unknown"
		}
		desc := f.Description
		if len(desc) > 100 {
			desc = desc[:100]
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (task: %s)", category, f.FailureReason, desc))
	}
	return strings.Join(lines, "\n")
}

type plannedOperation struct {
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description"`
}

// parsePlanResponse splits an LLM response into the human-readable plan
// (everything before the JSON block) and the operation list.
func parsePlanResponse(text string) (string, []store.Operation) {
	plan := strings.TrimSpace(text)
	if loc := planJSONBlockRE.FindStringIndex(text); loc != nil {
		plan = strings.TrimSpace(text[:loc[0]])
	}

	raw := llm.ExtractJSONArray(text)
	if raw == "" {
		return plan, nil
	}
	var parsed []plannedOperation
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return plan, nil
	}

	ops := make([]store.Operation, 0, len(parsed))
	for _, p := range parsed {
		ops = append(ops, store.Operation{
			Tool:        p.ToolName,
			Arguments:   p.Arguments,
			Description: p.Description,
		})
	}
	return plan, ops
}

type opKind int

const (
	opOther opKind = iota
	opRead
	opWrite
	opDelete
)

var (
	readToolWords   = []string{"get", "query", "list", "search", "describe", "read", "fetch"}
	writeToolWords  = []string{"create", "update", "add", "send", "post", "write", "upsert", "set"}
	deleteToolWords = []string{"delete", "remove", "destroy", "purge"}
)

func classifyTool(tool string) opKind {
	lower := strings.ToLower(tool)
	for _, w := range deleteToolWords {
		if strings.Contains(lower, w) {
			return opDelete
		}
	}
	for _, w := range writeToolWords {
		if strings.Contains(lower, w) {
			return opWrite
		}
	}
	for _, w := range readToolWords {
		if strings.Contains(lower, w) {
			return opRead
		}
	}
	return opOther
}

// validateOperations enforces the planning rules the prompt states: a
// bounded step count, no deletes, and reads before writes.
func validateOperations(ops []store.Operation) error {
	if len(ops) > MaxOperationsPerTask {
		return fmt.Errorf("plan has %d operations, the limit is %d", len(ops), MaxOperationsPerTask)
	}

	writeSeen := false
	for i, op := range ops {
		if op.Tool == "" {
			return fmt.Errorf("operation %d has no tool name", i+1)
		}
		switch classifyTool(op.Tool) {
		case opDelete:
			return fmt.Errorf("delete operation %q is not allowed, handle deletions manually", op.Tool)
		case opWrite:
			writeSeen = true
		case opRead:
			if writeSeen {
				return fmt.Errorf("read operation %q follows a write operation, retrieve data first", op.Tool)
			}
		}
	}
	return nil
}
