package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/store"
)

const defaultSpecSystem = `You are a requirements analyst. Turn the user's vague instruction into a structured markdown design document a developer can implement without guessing.

Approach: first extract the goal and the conditions and means needed to reach it, filling gaps as you go. The output must start with "Goal" and "Conditions and means" sections.

Output markdown only, with these sections in order:
- Goal (required)
- Conditions and means (required)
- Overview
- Functional requirements (bullet list)
- Non-functional requirements (optional)
- Data and API outline (when relevant)
- Screens and flow outline (when relevant)
- Acceptance criteria and test notes (recommended)
Write only the document body, no preamble.`

// specStage turns the requirement into a spec document.
func (c *Controller) specStage(ctx context.Context, state State) (State, error) {
	req := strings.TrimSpace(state.Requirement)
	if req == "" {
		return State{SpecMarkdown: "", Status: store.RunStatusSpecDone}, nil
	}

	systemPrompt := c.rules.Load("spec_rules", defaultSpecSystem)
	if stackDomain := c.rules.Load("stack_domain_rules", ""); stackDomain != "" {
		systemPrompt = "## Stack, domain and company context\n\n" + stackDomain + "\n\n---\n\n" + systemPrompt
	}
	if genreRules := c.rules.LoadGenreRules(state.Genre); genreRules != "" {
		systemPrompt += "\n\n## Genre-specific rules\n\n" + genreRules
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Profile: llm.ProfileQuality,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req},
		},
	})
	if err != nil {
		return State{}, fmt.Errorf("spec generation: %w", err)
	}

	delta := State{
		SpecMarkdown: strings.TrimSpace(resp.Content),
		Status:       store.RunStatusSpecDone,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if state.ImproveRules {
		clip := req
		if len(clip) > 500 {
			clip = clip[:500]
		}
		delta.Improvements = map[string]string{
			"spec_rules_improvement": "# Spec phase rule suggestions\n\n" +
				"## Requirement (excerpt)\n" + clip + "\n\n" +
				"## Sections produced\nOverview, functional requirements, non-functional requirements, data and API outline, screens and flow.\n\n" +
				"## Suggested additions to spec_rules.md\n" +
				"For similar requirements, consider requiring a glossary or acceptance criteria section.\n",
		}
	}
	return delta, nil
}
