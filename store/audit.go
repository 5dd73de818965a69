package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PersistAuditLogs stores one batch of audit records for a run or task.
// Audit persistence is telemetry: failures are logged, never propagated,
// so an audit outage cannot alter a run outcome.
func (s *Store) PersistAuditLogs(ctx context.Context, batch *AuditBatch) {
	if len(batch.Records) == 0 {
		return
	}
	if batch.ID == "" {
		batch.ID = "audit_" + uuid.New().String()[:12]
	}
	batch.RecordCount = len(batch.Records)
	batch.CreatedAt = time.Now().UTC()

	if err := put(ctx, s.audit, batch.TenantID, batch.ID, batch); err != nil {
		s.logger.Warn("audit batch persistence failed",
			"owner_id", batch.OwnerID, "source", batch.Source,
			"records", batch.RecordCount, "error", err)
	}
}

func auditTenant(b *AuditBatch) string { return b.TenantID }

// ListAuditBatches returns the tenant's audit batches for one owner,
// newest first.
func (s *Store) ListAuditBatches(ctx context.Context, tenantID, ownerID string) ([]*AuditBatch, error) {
	batches, err := listTenant[AuditBatch](ctx, s.audit, tenantID, auditTenant)
	if err != nil {
		return nil, err
	}
	var owned []*AuditBatch
	for _, b := range batches {
		if ownerID == "" || b.OwnerID == ownerID {
			owned = append(owned, b)
		}
	}
	sortByTimeDesc(owned, func(b *AuditBatch) int64 { return b.CreatedAt.UnixNano() })
	return owned, nil
}
