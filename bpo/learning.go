package bpo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/rules"
	"github.com/atelierhq/atelier/store"
)

// DefaultFailureThreshold is how many recurrences of one failure pattern
// trigger a rule candidate.
const DefaultFailureThreshold = 3

const ruleDraftSystem = "You generate SaaS operating rules. From a recurring failure pattern, write a rule that keeps the failure from repeating."

// learnFromFailures runs the learning loop after a failed task. Best
// effort: a broken learning pass never alters the task outcome.
func (c *Controller) learnFromFailures(ctx context.Context, tenantID, saasName string) {
	ids, err := c.GenerateRuleCandidates(ctx, tenantID, saasName)
	if err != nil {
		c.logger.Warn("Rule candidate generation failed", "saas", saasName, "error", err)
		return
	}
	if len(ids) > 0 {
		c.logger.Info("Rule candidates generated", "saas", saasName, "rule_changes", ids)
	}
}

// GenerateRuleCandidates aggregates recurring failure patterns and drafts
// a pending rule change for each one that crossed the threshold. Drafts
// contain anonymized operation patterns only, never tenant data. Patterns
// with an equivalent pending or approved change are skipped.
func (c *Controller) GenerateRuleCandidates(ctx context.Context, tenantID, saasName string) ([]string, error) {
	patterns, err := c.entities.GetFailurePatterns(ctx, saasName, c.failureThreshold)
	if err != nil {
		return nil, err
	}

	var generated []string
	for _, pattern := range patterns {
		block := c.draftRuleBlock(ctx, pattern)
		if block == "" {
			continue
		}

		ruleName := ruleNameFor(pattern.SaaSName)
		dup, err := c.entities.HasEquivalentRuleChange(ctx, tenantID, ruleName, block)
		if err != nil || dup {
			continue
		}

		rc := &store.RuleChange{
			TenantID: tenantID,
			RuleName: ruleName,
			Genre:    pattern.Genre,
			RunID:    "auto_learning_" + pattern.SaaSName + "_" + pattern.FailureCategory,
			Block:    block,
			Reason:   fmt.Sprintf("%s failed %d times: %s", pattern.SaaSName, pattern.Count, pattern.FailureReason),
		}
		if err := c.entities.CreateRuleChange(ctx, rc); err != nil {
			c.logger.Warn("Failed to save rule candidate", "rule_name", ruleName, "error", err)
			continue
		}
		generated = append(generated, rc.ID)
		c.logger.Info("Rule candidate saved",
			"saas", pattern.SaaSName,
			"category", pattern.FailureCategory,
			"count", pattern.Count)
	}
	return generated, nil
}

func ruleNameFor(saasName string) string {
	if saasName == "" {
		return "saas_general"
	}
	return "saas_" + saasName
}

// draftRuleBlock asks the fast model for a Markdown rule section. Empty
// on any LLM failure; the pattern just waits for the next pass.
func (c *Controller) draftRuleBlock(ctx context.Context, pattern store.FailurePattern) string {
	prompt := fmt.Sprintf(`Based on the following recurring SaaS operation failure, write a rule future operations must follow to avoid it.

## Failure pattern
- SaaS: %s
- Category: %s
- Reason: %s
- Occurrences: %d

## Output format
One Markdown section:
- a title line starting with ##
- 2 to 3 bullet points of concrete guidance
- no company names or concrete data, anonymized patterns only`,
		pattern.SaaSName, pattern.FailureCategory, pattern.FailureReason, pattern.Count)

	resp, err := c.llm.Complete(ctx, llm.Request{
		Profile: llm.ProfileFast,
		Messages: []llm.Message{
			{Role: "system", Content: ruleDraftSystem},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		c.logger.Warn("Rule draft LLM call failed", "saas", pattern.SaaSName, "error", err)
		return ""
	}
	return resp.Content
}

// ApproveRuleChange approves a pending change and appends its block to
// the rule file so every tenant's planner picks it up.
func (c *Controller) ApproveRuleChange(ctx context.Context, tenantID, id, reviewer string) (*store.RuleChange, error) {
	rc, err := c.entities.UpdateRuleChangeStatus(ctx, tenantID, id, store.RuleChangeApproved, reviewer)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(c.rules.Dir(), rc.RuleName+".md")
	header := rules.AutoAddedHeader(rc.RunID, rc.Genre)
	if _, err := rules.AppendBlock(path, rc.RuleName, header, rc.Block); err != nil {
		return rc, fmt.Errorf("apply rule change %s: %w", rc.ID, err)
	}
	c.rules.Invalidate()
	return rc, nil
}

// RejectRuleChange rejects a pending change without touching rule files.
func (c *Controller) RejectRuleChange(ctx context.Context, tenantID, id, reviewer string) (*store.RuleChange, error) {
	return c.entities.UpdateRuleChangeStatus(ctx, tenantID, id, store.RuleChangeRejected, reviewer)
}
