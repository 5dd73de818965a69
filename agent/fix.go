package agent

import (
	"context"
	"strings"

	"github.com/atelierhq/atelier/store"
)

// fixLogWindow is how many recent errors the fix instruction includes.
const fixLogWindow = 10

// fixStage summarizes recent errors into an instruction for the next
// coder pass and burns one retry.
func (c *Controller) fixStage(_ context.Context, state State) (State, error) {
	logs := state.ErrorLogs
	if len(logs) > fixLogWindow {
		logs = logs[len(logs)-fixLogWindow:]
	}

	var b strings.Builder
	b.WriteString("Fix the following errors:\n")
	for _, e := range logs {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	instruction := strings.TrimSpace(b.String())

	if fixRules := c.rules.Load("fix_rules", ""); fixRules != "" {
		instruction = fixRules + "\n\n" + instruction
	}

	delta := State{
		FixInstruction: instruction,
		RetryCount:     state.RetryCount + 1,
		Status:         store.RunStatusReviewNG,
	}

	if state.ImproveRules {
		recent := state.ErrorLogs
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		var preview strings.Builder
		for _, e := range recent {
			if len(e) > 200 {
				e = e[:200]
			}
			preview.WriteString("- " + e + "\n")
		}
		summary := preview.String()
		if summary == "" {
			summary = "(none)\n"
		}
		delta.Improvements = map[string]string{
			"fix_rules_improvement": "# Fix phase rule suggestions\n\n" +
				"## Recent errors (last 5)\n" + summary + "\n" +
				"## Suggested additions to fix_rules.md\n" +
				"If a pattern above keeps recurring, record it under common errors and remedies.\n",
		}
	}
	return delta, nil
}
