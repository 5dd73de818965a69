package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when an entity does not exist, or exists under a
// different tenant. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("entity not found")

// ErrInvalidState is returned when a lifecycle transition is not valid
// for the entity's current status.
var ErrInvalidState = errors.New("invalid state transition")

// Store provides entity storage backed by NATS KV.
type Store struct {
	runs        jetstream.KeyValue
	tasks       jetstream.KeyValue
	connections jetstream.KeyValue
	audit       jetstream.KeyValue
	ruleChanges jetstream.KeyValue
	settings    jetstream.KeyValue

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store, creating the KV buckets if they don't exist.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	buckets := []struct {
		name   string
		target *jetstream.KeyValue
	}{
		{BucketRuns, &s.runs},
		{BucketTasks, &s.tasks},
		{BucketConnections, &s.connections},
		{BucketAudit, &s.audit},
		{BucketRuleChanges, &s.ruleChanges},
		{BucketSettings, &s.settings},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", b.name, err)
		}
		*b.target = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Atelier %s storage", strings.ToLower(strings.TrimPrefix(name, "ATELIER_"))),
		History:     5,
	})
}

// tenantKey builds the bucket key for a tenant-owned row.
func tenantKey(tenantID, id string) string {
	return tenantID + "." + id
}

// isNotFound checks if an error indicates a missing key.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// getChecked loads and unmarshals one row, verifying its owner. The rowTenant
// callback returns the tenant recorded inside the row.
func getChecked[T any](ctx context.Context, kv jetstream.KeyValue, tenantID, id string, rowTenant func(*T) string) (*T, error) {
	entry, err := kv.Get(ctx, tenantKey(tenantID, id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	var row T
	if err := json.Unmarshal(entry.Value(), &row); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", id, err)
	}
	if rowTenant(&row) != tenantID {
		return nil, ErrNotFound
	}
	return &row, nil
}

// put marshals and stores one row.
func put(ctx context.Context, kv jetstream.KeyValue, tenantID, id string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	if _, err := kv.Put(ctx, tenantKey(tenantID, id), data); err != nil {
		return fmt.Errorf("store %s: %w", id, err)
	}
	return nil
}

// listTenant loads every row under a tenant prefix, skipping rows that fail
// to load or that belong to a different tenant.
func listTenant[T any](ctx context.Context, kv jetstream.KeyValue, tenantID string, rowTenant func(*T) string) ([]*T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := tenantID + "."
	var rows []*T
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var row T
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			continue
		}
		if rowTenant(&row) != tenantID {
			continue
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// listAll loads every row in a bucket regardless of tenant. Used only by
// platform-level jobs (token refresh, failure aggregation).
func listAll[T any](ctx context.Context, kv jetstream.KeyValue) ([]*T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var rows []*T
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var row T
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			continue
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// sortByTimeDesc sorts rows newest first by the given timestamp accessor.
func sortByTimeDesc[T any](rows []*T, at func(*T) int64) {
	sort.Slice(rows, func(i, j int) bool {
		return at(rows[i]) > at(rows[j])
	})
}
