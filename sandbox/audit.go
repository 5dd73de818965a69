package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRecord captures one sandbox operation for traceability.
type AuditRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments"`
	ResultSummary ResultSummary  `json:"result_summary"`
}

// ResultSummary is the success/error digest of an audited operation.
// Full payloads are never stored in the audit log.
type ResultSummary struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// record appends an audit entry host-side and mirrors it into the
// container audit file. The mirror is best effort.
func (s *Sandbox) record(tool string, args map[string]any, opErr error) {
	rec := AuditRecord{
		Timestamp: time.Now().UTC(),
		Tool:      tool,
		Arguments: args,
		ResultSummary: ResultSummary{
			Success: opErr == nil,
		},
	}
	if opErr != nil {
		rec.ResultSummary.Error = opErr.Error()
	}

	s.mu.Lock()
	s.audit = append(s.audit, rec)
	id := s.containerID
	s.mu.Unlock()

	if id == "" {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	script := fmt.Sprintf("cat >> %s", shellQuote(auditPath))
	if _, _, err := s.docker(ctx, append(line, '\n'), "exec", "-i", id, "sh", "-c", script); err != nil {
		s.logger.Debug("audit mirror write failed", "tool", tool, "error", err)
	}
}

// AuditLog returns a copy of the host-side audit log.
func (s *Sandbox) AuditLog() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}
