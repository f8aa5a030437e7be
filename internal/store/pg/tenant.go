package pg

import (
	"context"
	"database/sql"
	"errors"

	"auth9.org/internal/ids"
	"auth9.org/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errors.New("database connection unavailable")
	}
	id := ids.New()
	var out tenant.Tenant
	var domain sql.NullString
	err := s.db.QueryRowContext(ctx, `
		insert into tenants (id, slug, name, domain, status)
		values ($1, $2, $3, $4, $5)
		returning id, slug, name, domain, status, created_at, updated_at
	`, id, t.Slug, t.Name, nullIfEmpty(t.Domain), t.Status).Scan(
		&out.ID, &out.Slug, &out.Name, &domain, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return tenant.Tenant{}, tenant.ErrConflict
		}
		return tenant.Tenant{}, err
	}
	out.Domain = domain.String
	return out, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errors.New("database connection unavailable")
	}
	var t tenant.Tenant
	var domain sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, slug, name, domain, status, created_at, updated_at
		from tenants
		where id = $1
	`, id).Scan(&t.ID, &t.Slug, &t.Name, &domain, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Tenant{}, err
	}
	t.Domain = domain.String
	return t, nil
}

func (s *Store) UpdateTenantStatus(ctx context.Context, id, status string) (tenant.Tenant, error) {
	if s.db == nil {
		return tenant.Tenant{}, errors.New("database connection unavailable")
	}
	var t tenant.Tenant
	var domain sql.NullString
	err := s.db.QueryRowContext(ctx, `
		update tenants
		set status = $2, updated_at = now()
		where id = $1
		returning id, slug, name, domain, status, created_at, updated_at
	`, id, status).Scan(&t.ID, &t.Slug, &t.Name, &domain, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Tenant{}, err
	}
	t.Domain = domain.String
	return t, nil
}

func (s *Store) AddMember(ctx context.Context, tenantID, userID, roleInTenant string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_users (tenant_id, user_id, role_in_tenant)
		values ($1, $2, $3)
		on conflict (tenant_id, user_id) do update set role_in_tenant = excluded.role_in_tenant
	`, tenantID, userID, roleInTenant)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return tenant.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, tenantID, userID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		delete from tenant_users
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID)
	return err
}

func (s *Store) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var member bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from tenant_users
			where tenant_id = $1 and user_id = $2
		)
	`, tenantID, userID).Scan(&member)
	if err != nil {
		return false, err
	}
	return member, nil
}

func (s *Store) GetMembership(ctx context.Context, tenantID, userID string) (tenant.Membership, error) {
	if s.db == nil {
		return tenant.Membership{}, errors.New("database connection unavailable")
	}
	var m tenant.Membership
	err := s.db.QueryRowContext(ctx, `
		select tenant_id, user_id, role_in_tenant, joined_at
		from tenant_users
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID).Scan(&m.TenantID, &m.UserID, &m.RoleInTenant, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Membership{}, err
	}
	return m, nil
}

func (s *Store) GetTenantService(ctx context.Context, tenantID, clientID string) (tenant.TenantService, error) {
	if s.db == nil {
		return tenant.TenantService{}, errors.New("database connection unavailable")
	}
	var ts tenant.TenantService
	err := s.db.QueryRowContext(ctx, `
		select tenant_id, service_id, client_id, enabled, created_at
		from tenant_services
		where tenant_id = $1 and client_id = $2
	`, tenantID, clientID).Scan(&ts.TenantID, &ts.ServiceID, &ts.ClientID, &ts.Enabled, &ts.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.TenantService{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.TenantService{}, err
	}
	return ts, nil
}

// EnableService links a service to a tenant under a client id.
func (s *Store) EnableService(ctx context.Context, tenantID, serviceID, clientID string) (tenant.TenantService, error) {
	if s.db == nil {
		return tenant.TenantService{}, errors.New("database connection unavailable")
	}
	var ts tenant.TenantService
	err := s.db.QueryRowContext(ctx, `
		insert into tenant_services (tenant_id, service_id, client_id, enabled)
		values ($1, $2, $3, true)
		on conflict (tenant_id, client_id) do update set enabled = true
		returning tenant_id, service_id, client_id, enabled, created_at
	`, tenantID, serviceID, clientID).Scan(&ts.TenantID, &ts.ServiceID, &ts.ClientID, &ts.Enabled, &ts.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return tenant.TenantService{}, tenant.ErrNotFound
		}
		return tenant.TenantService{}, err
	}
	return ts, nil
}

func (s *Store) ListTenantsForUser(ctx context.Context, userID string) ([]tenant.Tenant, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.slug, t.name, t.domain, t.status, t.created_at, t.updated_at
		from tenants t
		join tenant_users tu on tu.tenant_id = t.id
		where tu.user_id = $1
		order by t.slug
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		var domain sql.NullString
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &domain, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Domain = domain.String
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
