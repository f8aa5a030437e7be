package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"auth9.org/internal/identity"
	"auth9.org/internal/policy"
	"auth9.org/internal/rbac"
	"auth9.org/internal/tenant"
)

// In-memory stores backing the full API under httptest. They follow the
// same contracts the pg store implements.

type memIdentity struct {
	users   map[string]identity.User // by id
	byEmail map[string]string
	clients map[string]identity.ServiceClient // by client_id
	nextID  int
}

func newMemIdentity() *memIdentity {
	return &memIdentity{
		users:   map[string]identity.User{},
		byEmail: map[string]string{},
		clients: map[string]identity.ServiceClient{},
	}
}

func (m *memIdentity) CreateUser(_ context.Context, email, name, passwordHash, status string) (identity.User, error) {
	if _, ok := m.byEmail[email]; ok {
		return identity.User{}, identity.ErrConflict
	}
	m.nextID++
	u := identity.User{
		ID:           fmt.Sprintf("usr_%d", m.nextID),
		Email:        email,
		Name:         name,
		Status:       status,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return u, nil
}

func (m *memIdentity) GetUserByEmail(_ context.Context, email string) (identity.User, error) {
	id, ok := m.byEmail[email]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return m.users[id], nil
}

func (m *memIdentity) GetUser(_ context.Context, id string) (identity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return u, nil
}

func (m *memIdentity) GetServiceClientByClientID(_ context.Context, clientID string) (identity.ServiceClient, error) {
	c, ok := m.clients[clientID]
	if !ok {
		return identity.ServiceClient{}, identity.ErrNotFound
	}
	return c, nil
}

type memTenants struct {
	tenants  map[string]tenant.Tenant
	members  map[string]string // tenantID|userID -> role_in_tenant
	services map[string]tenant.TenantService
	nextID   int
}

func newMemTenants() *memTenants {
	return &memTenants{
		tenants:  map[string]tenant.Tenant{},
		members:  map[string]string{},
		services: map[string]tenant.TenantService{},
	}
}

func (m *memTenants) CreateTenant(_ context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return tenant.Tenant{}, tenant.ErrConflict
		}
	}
	m.nextID++
	t.ID = fmt.Sprintf("tnt_%d", m.nextID)
	m.tenants[t.ID] = t
	return t, nil
}

func (m *memTenants) GetTenant(_ context.Context, id string) (tenant.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, nil
}

func (m *memTenants) UpdateTenantStatus(_ context.Context, id, status string) (tenant.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	t.Status = status
	m.tenants[id] = t
	return t, nil
}

func (m *memTenants) AddMember(_ context.Context, tenantID, userID, roleInTenant string) error {
	if _, ok := m.tenants[tenantID]; !ok {
		return tenant.ErrNotFound
	}
	m.members[tenantID+"|"+userID] = roleInTenant
	return nil
}

func (m *memTenants) RemoveMember(_ context.Context, tenantID, userID string) error {
	delete(m.members, tenantID+"|"+userID)
	return nil
}

func (m *memTenants) IsMember(_ context.Context, tenantID, userID string) (bool, error) {
	_, ok := m.members[tenantID+"|"+userID]
	return ok, nil
}

func (m *memTenants) GetMembership(_ context.Context, tenantID, userID string) (tenant.Membership, error) {
	role, ok := m.members[tenantID+"|"+userID]
	if !ok {
		return tenant.Membership{}, tenant.ErrNotFound
	}
	return tenant.Membership{TenantID: tenantID, UserID: userID, RoleInTenant: role}, nil
}

func (m *memTenants) GetTenantService(_ context.Context, tenantID, clientID string) (tenant.TenantService, error) {
	ts, ok := m.services[tenantID+"|"+clientID]
	if !ok {
		return tenant.TenantService{}, tenant.ErrNotFound
	}
	return ts, nil
}

func (m *memTenants) EnableService(_ context.Context, tenantID, serviceID, clientID string) (tenant.TenantService, error) {
	if _, ok := m.tenants[tenantID]; !ok {
		return tenant.TenantService{}, tenant.ErrNotFound
	}
	ts := tenant.TenantService{TenantID: tenantID, ServiceID: serviceID, ClientID: clientID, Enabled: true}
	m.services[tenantID+"|"+clientID] = ts
	return ts, nil
}

func (m *memTenants) ListTenantsForUser(_ context.Context, userID string) ([]tenant.Tenant, error) {
	var out []tenant.Tenant
	for key := range m.members {
		parts := strings.SplitN(key, "|", 2)
		if parts[1] == userID {
			out = append(out, m.tenants[parts[0]])
		}
	}
	return out, nil
}

type memRBAC struct {
	roles     map[string]rbac.Role
	perms     map[string]rbac.Permission
	rolePerms map[string][]string // roleID -> permission IDs
	assigned  map[string][]string // tenant|user -> role IDs
	nextID    int
}

func newMemRBAC() *memRBAC {
	return &memRBAC{
		roles:     map[string]rbac.Role{},
		perms:     map[string]rbac.Permission{},
		rolePerms: map[string][]string{},
		assigned:  map[string][]string{},
	}
}

func (m *memRBAC) CreateRole(_ context.Context, r rbac.Role) (rbac.Role, error) {
	m.nextID++
	r.ID = fmt.Sprintf("rol_%d", m.nextID)
	m.roles[r.ID] = r
	return r, nil
}

func (m *memRBAC) GetRole(_ context.Context, id string) (rbac.Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return r, nil
}

func (m *memRBAC) ListRolesByService(_ context.Context, serviceID string) ([]rbac.Role, error) {
	var out []rbac.Role
	for _, r := range m.roles {
		if r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRBAC) UpdateRoleParent(_ context.Context, roleID string, parentID *string) (rbac.Role, error) {
	r, ok := m.roles[roleID]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	r.ParentRoleID = parentID
	m.roles[roleID] = r
	return r, nil
}

func (m *memRBAC) DeleteRole(_ context.Context, roleID string) error {
	if _, ok := m.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	for id, r := range m.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == roleID {
			r.ParentRoleID = nil
			m.roles[id] = r
		}
	}
	delete(m.roles, roleID)
	return nil
}

func (m *memRBAC) CreatePermission(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	m.nextID++
	p.ID = fmt.Sprintf("prm_%d", m.nextID)
	m.perms[p.ID] = p
	return p, nil
}

func (m *memRBAC) GetPermission(_ context.Context, id string) (rbac.Permission, error) {
	p, ok := m.perms[id]
	if !ok {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return p, nil
}

func (m *memRBAC) GrantPermission(_ context.Context, roleID, permissionID string) error {
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permissionID)
	return nil
}

func (m *memRBAC) RevokePermission(_ context.Context, roleID, permissionID string) error {
	ids := m.rolePerms[roleID]
	for i, id := range ids {
		if id == permissionID {
			m.rolePerms[roleID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memRBAC) ListRolePermissions(_ context.Context, roleID string) ([]rbac.Permission, error) {
	var out []rbac.Permission
	for _, id := range m.rolePerms[roleID] {
		out = append(out, m.perms[id])
	}
	return out, nil
}

func (m *memRBAC) AssignRole(_ context.Context, tenantID, userID, roleID string) error {
	key := tenantID + "|" + userID
	m.assigned[key] = append(m.assigned[key], roleID)
	return nil
}

func (m *memRBAC) UnassignRole(_ context.Context, tenantID, userID, roleID string) error {
	key := tenantID + "|" + userID
	ids := m.assigned[key]
	for i, id := range ids {
		if id == roleID {
			m.assigned[key] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memRBAC) ListUserRoles(_ context.Context, tenantID, userID, serviceID string) ([]rbac.Role, error) {
	var out []rbac.Role
	for _, id := range m.assigned[tenantID+"|"+userID] {
		if r, ok := m.roles[id]; ok && r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memPolicies struct {
	sets     map[string]*policy.Set
	versions map[string]*policy.Version
	nextID   int
}

func newMemPolicies() *memPolicies {
	return &memPolicies{sets: map[string]*policy.Set{}, versions: map[string]*policy.Version{}}
}

func (m *memPolicies) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s_%d", prefix, m.nextID)
}

func (m *memPolicies) GetSetByTenant(_ context.Context, tenantID string) (policy.Set, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return policy.Set{}, policy.ErrNotFound
	}
	return *set, nil
}

func (m *memPolicies) CreateDraft(_ context.Context, tenantID string, doc json.RawMessage, changeNote, createdBy string) (policy.Version, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		set = &policy.Set{ID: m.id("pst"), TenantID: tenantID, Mode: policy.ModeDisabled}
		m.sets[tenantID] = set
	}
	maxNo := 0
	for _, v := range m.versions {
		if v.PolicySetID == set.ID && v.VersionNo > maxNo {
			maxNo = v.VersionNo
		}
	}
	v := &policy.Version{
		ID:          m.id("pvn"),
		PolicySetID: set.ID,
		VersionNo:   maxNo + 1,
		Status:      policy.StatusDraft,
		Document:    doc,
		ChangeNote:  changeNote,
		CreatedBy:   createdBy,
	}
	m.versions[v.ID] = v
	return *v, nil
}

func (m *memPolicies) GetVersion(_ context.Context, tenantID, versionID string) (policy.Version, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return policy.Version{}, policy.ErrNotFound
	}
	v, ok := m.versions[versionID]
	if !ok || v.PolicySetID != set.ID {
		return policy.Version{}, policy.ErrNotFound
	}
	return *v, nil
}

func (m *memPolicies) ListVersions(_ context.Context, tenantID string) ([]policy.Version, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return nil, nil
	}
	var out []policy.Version
	for _, v := range m.versions {
		if v.PolicySetID == set.ID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memPolicies) Publish(_ context.Context, tenantID, versionID string) (policy.Set, policy.Version, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return policy.Set{}, policy.Version{}, policy.ErrNotFound
	}
	target, ok := m.versions[versionID]
	if !ok || target.PolicySetID != set.ID {
		return policy.Set{}, policy.Version{}, policy.ErrNotFound
	}
	for _, v := range m.versions {
		if v.PolicySetID == set.ID && v.Status == policy.StatusPublished {
			v.Status = policy.StatusArchived
		}
	}
	target.Status = policy.StatusPublished
	set.PublishedVersionID = &target.ID
	if set.Mode == policy.ModeDisabled {
		set.Mode = policy.ModeShadow
	}
	return *set, *target, nil
}

func (m *memPolicies) SetMode(_ context.Context, tenantID, mode string) (policy.Set, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return policy.Set{}, policy.ErrNotFound
	}
	set.Mode = mode
	return *set, nil
}

func (m *memPolicies) GetActive(_ context.Context, tenantID string) (string, json.RawMessage, error) {
	set, ok := m.sets[tenantID]
	if !ok {
		return "", nil, policy.ErrNotFound
	}
	if set.PublishedVersionID == nil {
		return set.Mode, nil, nil
	}
	return set.Mode, m.versions[*set.PublishedVersionID].Document, nil
}
