package pg

import (
	"context"
	"database/sql"
	"errors"

	"auth9.org/internal/identity"
	"auth9.org/internal/ids"
)

var _ identity.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, email, name, passwordHash, status string) (identity.User, error) {
	if s.db == nil {
		return identity.User{}, errors.New("database connection unavailable")
	}
	id := ids.New()
	var u identity.User
	var dbName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, password_hash, status)
		values ($1, $2, $3, $4, $5)
		returning id, email, name, password_hash, status, mfa_enabled, created_at, updated_at
	`, id, email, nullIfEmpty(name), passwordHash, status).Scan(
		&u.ID, &u.Email, &dbName, &u.PasswordHash, &u.Status, &u.MFAEnabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.User{}, identity.ErrConflict
		}
		return identity.User{}, err
	}
	u.Name = dbName.String
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (identity.User, error) {
	return s.userBy(ctx, `email = $1`, email)
}

func (s *Store) GetUser(ctx context.Context, id string) (identity.User, error) {
	return s.userBy(ctx, `id = $1`, id)
}

func (s *Store) userBy(ctx context.Context, where string, arg any) (identity.User, error) {
	if s.db == nil {
		return identity.User{}, errors.New("database connection unavailable")
	}
	var u identity.User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, status, mfa_enabled, created_at, updated_at
		from users
		where `+where, arg).Scan(
		&u.ID, &u.Email, &name, &u.PasswordHash, &u.Status, &u.MFAEnabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, err
	}
	u.Name = name.String
	return u, nil
}

func (s *Store) GetServiceClientByClientID(ctx context.Context, clientID string) (identity.ServiceClient, error) {
	if s.db == nil {
		return identity.ServiceClient{}, errors.New("database connection unavailable")
	}
	var sc identity.ServiceClient
	var tenantID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, client_id, name, secret_hash, tenant_id, enabled, created_at
		from service_clients
		where client_id = $1
	`, clientID).Scan(
		&sc.ID, &sc.ClientID, &sc.Name, &sc.SecretHash, &tenantID, &sc.Enabled, &sc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ServiceClient{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.ServiceClient{}, err
	}
	sc.TenantID = tenantID.String
	return sc, nil
}
