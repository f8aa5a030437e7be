package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"auth9.org/internal/ids"
	"auth9.org/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) CreateRole(ctx context.Context, r rbac.Role) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errors.New("database connection unavailable")
	}
	id := ids.New()
	var out rbac.Role
	var parent, desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, service_id, name, description)
		values ($1, $2, $3, $4)
		returning id, service_id, name, description, parent_role_id, created_at, updated_at
	`, id, r.ServiceID, r.Name, nullIfEmpty(r.Description)).Scan(
		&out.ID, &out.ServiceID, &out.Name, &desc, &parent, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.Role{}, rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.Role{}, rbac.ErrNotFound
			}
		}
		return rbac.Role{}, err
	}
	out.Description = desc.String
	if parent.Valid {
		out.ParentRoleID = &parent.String
	}
	return out, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errors.New("database connection unavailable")
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, service_id, name, description, parent_role_id, created_at, updated_at
		from roles
		where id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var r rbac.Role
	var parent, desc sql.NullString
	err := row.Scan(&r.ID, &r.ServiceID, &r.Name, &desc, &parent, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	r.Description = desc.String
	if parent.Valid {
		r.ParentRoleID = &parent.String
	}
	return r, nil
}

func (s *Store) ListRolesByService(ctx context.Context, serviceID string) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, service_id, name, description, parent_role_id, created_at, updated_at
		from roles
		where service_id = $1
		order by name
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateRoleParent re-parents a role inside a serializable transaction,
// re-running the cycle check against committed state. The service layer's
// pre-check catches cycles cheaply; this one catches the interleaving where
// two concurrent re-parents would each pass the pre-check alone.
func (s *Store) UpdateRoleParent(ctx context.Context, roleID string, parentID *string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if parentID != nil {
		var cyclic bool
		err := tx.QueryRowContext(ctx, `
			with recursive chain as (
				select id, parent_role_id from roles where id = $2
				union all
				select r.id, r.parent_role_id
				from roles r
				join chain c on r.id = c.parent_role_id
			)
			select exists (select 1 from chain where id = $1)
		`, roleID, *parentID).Scan(&cyclic)
		if err != nil {
			return rbac.Role{}, err
		}
		if cyclic {
			return rbac.Role{}, fmt.Errorf("%w: role %s is in the parent chain", rbac.ErrCircularInheritance, *parentID)
		}
	}

	var parentArg sql.NullString
	if parentID != nil {
		parentArg = sql.NullString{String: *parentID, Valid: true}
	}
	r, err := scanRole(tx.QueryRowContext(ctx, `
		update roles
		set parent_role_id = $2, updated_at = now()
		where id = $1
		returning id, service_id, name, description, parent_role_id, created_at, updated_at
	`, roleID, parentArg))
	if err != nil {
		return rbac.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	return r, nil
}

// DeleteRole clears children's parent pointers and removes the role in one
// transaction, so no chain ever dangles mid-delete.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update roles set parent_role_id = null, updated_at = now()
		where parent_role_id = $1
	`, roleID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rbac.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) CreatePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errors.New("database connection unavailable")
	}
	id := ids.New()
	var out rbac.Permission
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, service_id, code, description)
		values ($1, $2, $3, $4)
		returning id, service_id, code, description, created_at
	`, id, p.ServiceID, p.Code, nullIfEmpty(p.Description)).Scan(
		&out.ID, &out.ServiceID, &out.Code, &desc, &out.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Permission{}, rbac.ErrConflict
		}
		return rbac.Permission{}, err
	}
	out.Description = desc.String
	return out, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errors.New("database connection unavailable")
	}
	var p rbac.Permission
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, service_id, code, description, created_at
		from permissions
		where id = $1
	`, id).Scan(&p.ID, &p.ServiceID, &p.Code, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Permission{}, err
	}
	p.Description = desc.String
	return p, nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict (role_id, permission_id) do nothing
	`, roleID, permissionID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		delete from role_permissions
		where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	return err
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.service_id, p.code, p.description, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.code
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.ServiceID, &p.Code, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AssignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_tenant_roles (tenant_id, user_id, role_id)
		values ($1, $2, $3)
		on conflict (tenant_id, user_id, role_id) do nothing
	`, tenantID, userID, roleID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		delete from user_tenant_roles
		where tenant_id = $1 and user_id = $2 and role_id = $3
	`, tenantID, userID, roleID)
	return err
}

func (s *Store) ListUserRoles(ctx context.Context, tenantID, userID, serviceID string) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.service_id, r.name, r.description, r.parent_role_id, r.created_at, r.updated_at
		from roles r
		join user_tenant_roles utr on utr.role_id = r.id
		where utr.tenant_id = $1 and utr.user_id = $2 and r.service_id = $3
		order by r.name
	`, tenantID, userID, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
