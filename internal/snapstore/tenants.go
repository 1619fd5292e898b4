package snapstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Meridian-dev/m365-vault-infra/internal/collector"
)

// Tenant is one registered Microsoft 365 tenant. The client secret is a
// credential: it is never logged and never serialized into API responses.
type Tenant struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	TenantID     string    `json:"tenant_id"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	IsActive     bool      `json:"is_active"`
}

// CreateTenant registers a tenant and returns its id. tenant_id is unique
// across the registry.
func (s *Store) CreateTenant(ctx context.Context, name, tenantID, clientID, clientSecret string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tenants (name, tenant_id, client_id, client_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, tenantID, clientID, clientSecret, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create tenant: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("tenant id: %w", err)
	}
	return id, nil
}

// ListTenants returns all active tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, tenant_id, client_id, client_secret, created_at, updated_at, is_active
		FROM tenants
		WHERE is_active = 1
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// GetTenant returns one tenant by registry id, or nil when absent.
func (s *Store) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, tenant_id, client_id, client_secret, created_at, updated_at, is_active
		FROM tenants
		WHERE id = ?
	`, id)

	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTenant overwrites the mutable fields of a tenant. Empty strings
// leave the stored value in place.
func (s *Store) UpdateTenant(ctx context.Context, id int64, name, tenantID, clientID, clientSecret string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tenants
		SET name          = CASE WHEN ? != '' THEN ? ELSE name END,
		    tenant_id     = CASE WHEN ? != '' THEN ? ELSE tenant_id END,
		    client_id     = CASE WHEN ? != '' THEN ? ELSE client_id END,
		    client_secret = CASE WHEN ? != '' THEN ? ELSE client_secret END,
		    updated_at    = ?
		WHERE id = ?
	`, name, name, tenantID, tenantID, clientID, clientID, clientSecret, clientSecret, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return nil
}

// DeactivateTenant soft-deletes a tenant. Its snapshots stay.
func (s *Store) DeactivateTenant(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE tenants SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	return nil
}

// TenantsForBackup shapes the active tenants into the read-only credential
// copies the collector consumes.
func (s *Store) TenantsForBackup(ctx context.Context) ([]collector.Tenant, error) {
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]collector.Tenant, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, t.Creds())
	}
	return out, nil
}

// Creds returns the read-only credential copy handed to the collector.
func (t Tenant) Creds() collector.Tenant {
	return collector.Tenant{
		Name:         t.Name,
		TenantID:     t.TenantID,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
	}
}

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.TenantID, &t.ClientID, &t.ClientSecret, &t.CreatedAt, &t.UpdatedAt, &active)
	if err == sql.ErrNoRows {
		return t, err
	}
	if err != nil {
		return t, fmt.Errorf("failed to scan tenant: %w", err)
	}
	t.IsActive = active != 0
	return t, nil
}
