package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func ruleChangeTenant(rc *RuleChange) string { return rc.TenantID }

// CreateRuleChange records a proposed rule addition in pending state.
func (s *Store) CreateRuleChange(ctx context.Context, rc *RuleChange) error {
	if rc.TenantID == "" || rc.RuleName == "" || rc.Block == "" {
		return fmt.Errorf("tenant id, rule name and block are required")
	}
	if rc.ID == "" {
		rc.ID = "rc_" + uuid.New().String()[:12]
	}
	now := time.Now().UTC()
	rc.Status = RuleChangePending
	rc.CreatedAt = now
	rc.UpdatedAt = now
	return put(ctx, s.ruleChanges, rc.TenantID, rc.ID, rc)
}

// GetRuleChange loads a rule change scoped to the tenant.
func (s *Store) GetRuleChange(ctx context.Context, tenantID, id string) (*RuleChange, error) {
	return getChecked[RuleChange](ctx, s.ruleChanges, tenantID, id, ruleChangeTenant)
}

// ListRuleChanges returns the tenant's rule changes, newest first,
// optionally filtered by status.
func (s *Store) ListRuleChanges(ctx context.Context, tenantID string, status RuleChangeStatus) ([]*RuleChange, error) {
	changes, err := listTenant[RuleChange](ctx, s.ruleChanges, tenantID, ruleChangeTenant)
	if err != nil {
		return nil, err
	}
	if status != "" {
		filtered := changes[:0]
		for _, rc := range changes {
			if rc.Status == status {
				filtered = append(filtered, rc)
			}
		}
		changes = filtered
	}
	sortByTimeDesc(changes, func(rc *RuleChange) int64 { return rc.CreatedAt.UnixNano() })
	return changes, nil
}

// UpdateRuleChangeStatus moves a pending rule change to approved or
// rejected, recording the reviewer.
func (s *Store) UpdateRuleChangeStatus(ctx context.Context, tenantID, id string, status RuleChangeStatus, reviewer string) (*RuleChange, error) {
	if status != RuleChangeApproved && status != RuleChangeRejected {
		return nil, fmt.Errorf("invalid decision status: %s", status)
	}
	rc, err := s.GetRuleChange(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rc.Status != RuleChangePending {
		return nil, fmt.Errorf("%w: rule change %s already %s", ErrInvalidState, id, rc.Status)
	}
	now := time.Now().UTC()
	rc.Status = status
	rc.Reviewer = reviewer
	rc.UpdatedAt = now
	rc.DecidedAt = &now
	if err := put(ctx, s.ruleChanges, tenantID, rc.ID, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// HasEquivalentRuleChange reports whether a pending or approved change for
// the same rule already carries an equivalent block. Equivalence compares
// the first non-empty line, which is where generated blocks put their
// summary.
func (s *Store) HasEquivalentRuleChange(ctx context.Context, tenantID, ruleName, block string) (bool, error) {
	changes, err := listTenant[RuleChange](ctx, s.ruleChanges, tenantID, ruleChangeTenant)
	if err != nil {
		return false, err
	}
	head := firstLine(block)
	for _, rc := range changes {
		if rc.RuleName != ruleName || rc.Status == RuleChangeRejected {
			continue
		}
		if firstLine(rc.Block) == head {
			return true, nil
		}
	}
	return false, nil
}

func firstLine(block string) string {
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
