package store

import (
	"context"
	"errors"
	"time"
)

// settingsKey is the fixed per-tenant key suffix.
const settingsKey = "settings"

// GetSettings returns the tenant's settings. Tenants without a stored row
// get the defaults: auto-execute on.
func (s *Store) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	row, err := getChecked[Settings](ctx, s.settings, tenantID, settingsKey, func(st *Settings) string {
		return st.TenantID
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Settings{TenantID: tenantID, AutoExecute: true}, nil
		}
		return nil, err
	}
	return row, nil
}

// UpdateSettings stores the tenant's settings.
func (s *Store) UpdateSettings(ctx context.Context, settings *Settings) error {
	settings.UpdatedAt = time.Now().UTC()
	return put(ctx, s.settings, settings.TenantID, settingsKey, settings)
}
