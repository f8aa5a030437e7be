package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"auth9.org/internal/ids"
	"auth9.org/internal/policy"
)

var _ policy.Store = (*Store)(nil)

func (s *Store) GetSetByTenant(ctx context.Context, tenantID string) (policy.Set, error) {
	if s.db == nil {
		return policy.Set{}, errors.New("database connection unavailable")
	}
	return scanSet(s.db.QueryRowContext(ctx, `
		select id, tenant_id, mode, published_version_id, created_at, updated_at
		from policy_sets
		where tenant_id = $1
	`, tenantID))
}

func scanSet(row rowScanner) (policy.Set, error) {
	var set policy.Set
	var published sql.NullString
	err := row.Scan(&set.ID, &set.TenantID, &set.Mode, &published, &set.CreatedAt, &set.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Set{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Set{}, err
	}
	if published.Valid {
		set.PublishedVersionID = &published.String
	}
	return set, nil
}

func scanVersion(row rowScanner) (policy.Version, error) {
	var v policy.Version
	var changeNote, createdBy sql.NullString
	var doc []byte
	err := row.Scan(&v.ID, &v.PolicySetID, &v.VersionNo, &v.Status, &doc, &changeNote, &createdBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Version{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Version{}, err
	}
	v.Document = json.RawMessage(doc)
	v.ChangeNote = changeNote.String
	v.CreatedBy = createdBy.String
	return v, nil
}

// CreateDraft creates the tenant's policy set on first use and appends the
// next version. The set row is locked so concurrent drafts cannot collide on
// a version number.
func (s *Store) CreateDraft(ctx context.Context, tenantID string, doc json.RawMessage, changeNote, createdBy string) (policy.Version, error) {
	if s.db == nil {
		return policy.Version{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return policy.Version{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into policy_sets (id, tenant_id, mode)
		values ($1, $2, 'disabled')
		on conflict (tenant_id) do nothing
	`, ids.New(), tenantID); err != nil {
		return policy.Version{}, err
	}

	var setID string
	if err := tx.QueryRowContext(ctx, `
		select id from policy_sets where tenant_id = $1 for update
	`, tenantID).Scan(&setID); err != nil {
		return policy.Version{}, err
	}

	v, err := scanVersion(tx.QueryRowContext(ctx, `
		insert into policy_set_versions (id, policy_set_id, version_no, status, document, change_note, created_by)
		select $1, $2,
			coalesce(max(version_no), 0) + 1,
			'draft', $3, $4, $5
		from policy_set_versions
		where policy_set_id = $2
		returning id, policy_set_id, version_no, status, document, change_note, created_by, created_at
	`, ids.New(), setID, []byte(doc), nullIfEmpty(changeNote), nullIfEmpty(createdBy)))
	if err != nil {
		return policy.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return policy.Version{}, err
	}
	return v, nil
}

func (s *Store) GetVersion(ctx context.Context, tenantID, versionID string) (policy.Version, error) {
	if s.db == nil {
		return policy.Version{}, errors.New("database connection unavailable")
	}
	return scanVersion(s.db.QueryRowContext(ctx, `
		select v.id, v.policy_set_id, v.version_no, v.status, v.document, v.change_note, v.created_by, v.created_at
		from policy_set_versions v
		join policy_sets ps on ps.id = v.policy_set_id
		where ps.tenant_id = $1 and v.id = $2
	`, tenantID, versionID))
}

func (s *Store) ListVersions(ctx context.Context, tenantID string) ([]policy.Version, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select v.id, v.policy_set_id, v.version_no, v.status, v.document, v.change_note, v.created_by, v.created_at
		from policy_set_versions v
		join policy_sets ps on ps.id = v.policy_set_id
		where ps.tenant_id = $1
		order by v.version_no desc
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []policy.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Publish archives the incumbent, publishes the target and repoints the set
// in one serializable transaction, so at most one version is ever published.
// A disabled set moves to shadow on its first publish.
func (s *Store) Publish(ctx context.Context, tenantID, versionID string) (policy.Set, policy.Version, error) {
	if s.db == nil {
		return policy.Set{}, policy.Version{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return policy.Set{}, policy.Version{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var setID string
	err = tx.QueryRowContext(ctx, `
		select id from policy_sets where tenant_id = $1 for update
	`, tenantID).Scan(&setID)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Set{}, policy.Version{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Set{}, policy.Version{}, err
	}

	var belongs bool
	if err := tx.QueryRowContext(ctx, `
		select exists (
			select 1 from policy_set_versions
			where id = $1 and policy_set_id = $2
		)
	`, versionID, setID).Scan(&belongs); err != nil {
		return policy.Set{}, policy.Version{}, err
	}
	if !belongs {
		return policy.Set{}, policy.Version{}, policy.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		update policy_set_versions
		set status = 'archived'
		where policy_set_id = $1 and status = 'published' and id <> $2
	`, setID, versionID); err != nil {
		return policy.Set{}, policy.Version{}, err
	}

	v, err := scanVersion(tx.QueryRowContext(ctx, `
		update policy_set_versions
		set status = 'published'
		where id = $1
		returning id, policy_set_id, version_no, status, document, change_note, created_by, created_at
	`, versionID))
	if err != nil {
		return policy.Set{}, policy.Version{}, err
	}

	set, err := scanSet(tx.QueryRowContext(ctx, `
		update policy_sets
		set published_version_id = $2,
			mode = case when mode = 'disabled' then 'shadow' else mode end,
			updated_at = now()
		where id = $1
		returning id, tenant_id, mode, published_version_id, created_at, updated_at
	`, setID, versionID))
	if err != nil {
		return policy.Set{}, policy.Version{}, err
	}

	if err := tx.Commit(); err != nil {
		return policy.Set{}, policy.Version{}, err
	}
	return set, v, nil
}

func (s *Store) SetMode(ctx context.Context, tenantID, mode string) (policy.Set, error) {
	if s.db == nil {
		return policy.Set{}, errors.New("database connection unavailable")
	}
	return scanSet(s.db.QueryRowContext(ctx, `
		update policy_sets
		set mode = $2, updated_at = now()
		where tenant_id = $1
		returning id, tenant_id, mode, published_version_id, created_at, updated_at
	`, tenantID, mode))
}

func (s *Store) GetActive(ctx context.Context, tenantID string) (string, json.RawMessage, error) {
	if s.db == nil {
		return "", nil, errors.New("database connection unavailable")
	}
	var mode string
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		select ps.mode, v.document
		from policy_sets ps
		left join policy_set_versions v on v.id = ps.published_version_id
		where ps.tenant_id = $1
	`, tenantID).Scan(&mode, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, policy.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return mode, json.RawMessage(doc), nil
}
