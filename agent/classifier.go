package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/llm"
)

// overrideThreshold is the confidence the classifier needs before it may
// replace a user-specified genre.
const overrideThreshold = 0.85

// requirementClipLen bounds the requirement excerpt sent to the classifier.
const requirementClipLen = 2000

const classifierSystem = `You are an expert at classifying business requirements by domain.
Read the classification rules and the requirement text, then pick the best matching genre.

Respond with exactly this JSON and nothing else:
{
  "genre_id": "sfa|crm|accounting|legal|admin|it|marketing|design|ma|no2",
  "genre_subcategory": "(a finer category within the genre, e.g. deal management, invoicing)",
  "confidence": 0.0-1.0,
  "reason": "(one or two sentences)"
}`

type classifierVerdict struct {
	GenreID          string  `json:"genre_id"`
	GenreSubcategory string  `json:"genre_subcategory"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
}

// classifierStage determines the genre from the requirement. A missing
// genre_rules.md skips classification; LLM failures are non-fatal and
// keep whatever genre the caller supplied.
func (c *Controller) classifierStage(ctx context.Context, state State) (State, error) {
	req := strings.TrimSpace(state.Requirement)
	if req == "" {
		return State{}, nil
	}

	genreRules := c.rules.Load("genre_rules", "")
	if genreRules == "" {
		c.logger.Debug("genre_rules.md not found, skipping classification", "run_id", state.RunID)
		return State{}, nil
	}

	if len(req) > requirementClipLen {
		req = req[:requirementClipLen]
	}
	userGenre := strings.TrimSpace(state.Genre)
	specified := userGenre
	if specified == "" {
		specified = "(none)"
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Profile: llm.ProfileFast,
		Messages: []llm.Message{
			{Role: "system", Content: classifierSystem},
			{Role: "user", Content: fmt.Sprintf(
				"## Classification rules\n\n%s\n\n## Requirement\n\n%s\n\n## User-specified genre (may be empty)\n\n%s",
				genreRules, req, specified)},
		},
	})
	if err != nil {
		c.logger.Warn("Genre classification failed", "run_id", state.RunID, "error", err)
		return State{}, nil
	}

	delta := State{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		c.logger.Warn("Classifier returned no JSON", "run_id", state.RunID)
		return delta, nil
	}
	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		c.logger.Warn("Classifier JSON unparseable", "run_id", state.RunID, "error", err)
		return delta, nil
	}

	detected := strings.TrimSpace(verdict.GenreID)
	if sub := strings.TrimSpace(verdict.GenreSubcategory); sub != "" {
		delta.GenreSubcategory = sub
	}

	if userGenre != "" {
		// Respect the user's choice unless the model disagrees with
		// high confidence.
		if detected != "" && detected != userGenre && verdict.Confidence >= overrideThreshold {
			delta.Genre = detected
			delta.GenreOverrideReason = fmt.Sprintf(
				"user genre %q overridden to %q (confidence=%.2f): %s",
				userGenre, detected, verdict.Confidence, strings.TrimSpace(verdict.Reason))
			c.logger.Info("Genre overridden",
				"run_id", state.RunID,
				"from", userGenre,
				"to", detected,
				"confidence", verdict.Confidence)
		}
	} else if detected != "" {
		delta.Genre = detected
	}

	return delta, nil
}
