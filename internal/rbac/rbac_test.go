package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeStore struct {
	roles       map[string]Role
	permissions map[string]Permission
	rolePerms   map[string][]string          // roleID -> permissionIDs
	assignments map[string][]string          // tenant|user|service is implied by role service
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:       map[string]Role{},
		permissions: map[string]Permission{},
		rolePerms:   map[string][]string{},
		assignments: map[string][]string{},
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeStore) CreateRole(_ context.Context, r Role) (Role, error) {
	r.ID = f.id("rol")
	f.roles[r.ID] = r
	return r, nil
}

func (f *fakeStore) GetRole(_ context.Context, id string) (Role, error) {
	r, ok := f.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ListRolesByService(_ context.Context, serviceID string) ([]Role, error) {
	var out []Role
	for _, r := range f.roles {
		if r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRoleParent(_ context.Context, roleID string, parentID *string) (Role, error) {
	r, ok := f.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	r.ParentRoleID = parentID
	f.roles[roleID] = r
	return r, nil
}

func (f *fakeStore) DeleteRole(_ context.Context, roleID string) error {
	for id, r := range f.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == roleID {
			r.ParentRoleID = nil
			f.roles[id] = r
		}
	}
	delete(f.roles, roleID)
	return nil
}

func (f *fakeStore) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	p.ID = f.id("prm")
	f.permissions[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetPermission(_ context.Context, id string) (Permission, error) {
	p, ok := f.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GrantPermission(_ context.Context, roleID, permissionID string) error {
	f.rolePerms[roleID] = append(f.rolePerms[roleID], permissionID)
	return nil
}

func (f *fakeStore) RevokePermission(_ context.Context, roleID, permissionID string) error {
	kept := f.rolePerms[roleID][:0]
	for _, id := range f.rolePerms[roleID] {
		if id != permissionID {
			kept = append(kept, id)
		}
	}
	f.rolePerms[roleID] = kept
	return nil
}

func (f *fakeStore) ListRolePermissions(_ context.Context, roleID string) ([]Permission, error) {
	var out []Permission
	for _, id := range f.rolePerms[roleID] {
		out = append(out, f.permissions[id])
	}
	return out, nil
}

func (f *fakeStore) AssignRole(_ context.Context, tenantID, userID, roleID string) error {
	key := tenantID + "|" + userID
	f.assignments[key] = append(f.assignments[key], roleID)
	return nil
}

func (f *fakeStore) UnassignRole(_ context.Context, tenantID, userID, roleID string) error {
	key := tenantID + "|" + userID
	kept := f.assignments[key][:0]
	for _, id := range f.assignments[key] {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	f.assignments[key] = kept
	return nil
}

func (f *fakeStore) ListUserRoles(_ context.Context, tenantID, userID, serviceID string) ([]Role, error) {
	var out []Role
	for _, id := range f.assignments[tenantID+"|"+userID] {
		r, ok := f.roles[id]
		if ok && r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

type countingInvalidator struct{ purges int }

func (c *countingInvalidator) Purge() { c.purges++ }

func mustRole(t *testing.T, svc *Service, serviceID, name string) Role {
	t.Helper()
	r, err := svc.CreateRole(context.Background(), serviceID, name, "")
	if err != nil {
		t.Fatalf("CreateRole(%s): %v", name, err)
	}
	return r
}

func mustPermission(t *testing.T, svc *Service, serviceID, code string) Permission {
	t.Helper()
	p, err := svc.CreatePermission(context.Background(), serviceID, code, "")
	if err != nil {
		t.Fatalf("CreatePermission(%s): %v", code, err)
	}
	return p
}

func mustGrant(t *testing.T, svc *Service, roleID, permID string) {
	t.Helper()
	if err := svc.GrantPermission(context.Background(), roleID, permID); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
}

func mustSetParent(t *testing.T, svc *Service, roleID, parentID string) {
	t.Helper()
	if _, err := svc.SetParent(context.Background(), roleID, &parentID); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
}

func TestResolveInheritsAncestorPermissions(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	viewer := mustRole(t, svc, "srv_docs", "Viewer")
	editor := mustRole(t, svc, "srv_docs", "Editor")
	read := mustPermission(t, svc, "srv_docs", "docs:read")
	write := mustPermission(t, svc, "srv_docs", "docs:write")
	mustGrant(t, svc, viewer.ID, read.ID)
	mustGrant(t, svc, editor.ID, write.ID)
	mustSetParent(t, svc, editor.ID, viewer.ID)

	if err := svc.AssignRole(ctx, "tnt_1", "usr_1", editor.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := svc.Resolve(ctx, "tnt_1", "usr_1", "srv_docs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.RoleNames) != 1 || res.RoleNames[0] != "Editor" {
		t.Fatalf("roles = %v", res.RoleNames)
	}
	want := []string{"docs:read", "docs:write"}
	if len(res.Permissions) != len(want) {
		t.Fatalf("permissions = %v, want %v", res.Permissions, want)
	}
	for i, p := range want {
		if res.Permissions[i] != p {
			t.Fatalf("permissions = %v, want %v", res.Permissions, want)
		}
	}
}

func TestResolveDeduplicatesAcrossRoles(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	base := mustRole(t, svc, "srv_docs", "Base")
	a := mustRole(t, svc, "srv_docs", "A")
	b := mustRole(t, svc, "srv_docs", "B")
	read := mustPermission(t, svc, "srv_docs", "docs:read")
	mustGrant(t, svc, base.ID, read.ID)
	mustSetParent(t, svc, a.ID, base.ID)
	mustSetParent(t, svc, b.ID, base.ID)

	_ = svc.AssignRole(ctx, "tnt_1", "usr_1", a.ID)
	_ = svc.AssignRole(ctx, "tnt_1", "usr_1", b.ID)

	res, err := svc.Resolve(ctx, "tnt_1", "usr_1", "srv_docs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Permissions) != 1 || res.Permissions[0] != "docs:read" {
		t.Fatalf("permissions = %v", res.Permissions)
	}
}

func TestResolveEmptyWithoutAssignments(t *testing.T) {
	svc := NewService(newFakeStore())
	res, err := svc.Resolve(context.Background(), "tnt_1", "usr_1", "srv_docs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.RoleNames) != 0 || len(res.Permissions) != 0 {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}

func TestSetParentRejectsSelf(t *testing.T) {
	svc := NewService(newFakeStore())
	r := mustRole(t, svc, "srv_docs", "A")

	if _, err := svc.SetParent(context.Background(), r.ID, &r.ID); !errors.Is(err, ErrCircularInheritance) {
		t.Fatalf("expected ErrCircularInheritance, got %v", err)
	}
}

func TestSetParentRejectsDirectCycle(t *testing.T) {
	svc := NewService(newFakeStore())
	a := mustRole(t, svc, "srv_docs", "A")
	b := mustRole(t, svc, "srv_docs", "B")
	mustSetParent(t, svc, b.ID, a.ID)

	if _, err := svc.SetParent(context.Background(), a.ID, &b.ID); !errors.Is(err, ErrCircularInheritance) {
		t.Fatalf("expected ErrCircularInheritance, got %v", err)
	}
}

func TestSetParentRejectsMultiHopCycle(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	a := mustRole(t, svc, "srv_docs", "A")
	b := mustRole(t, svc, "srv_docs", "B")
	c := mustRole(t, svc, "srv_docs", "C")
	mustSetParent(t, svc, b.ID, a.ID)
	mustSetParent(t, svc, c.ID, b.ID)

	// a -> c would close a <- b <- c <- a.
	if _, err := svc.SetParent(context.Background(), a.ID, &c.ID); !errors.Is(err, ErrCircularInheritance) {
		t.Fatalf("expected ErrCircularInheritance, got %v", err)
	}
	// Graph unchanged.
	got, _ := store.GetRole(context.Background(), a.ID)
	if got.ParentRoleID != nil {
		t.Fatalf("rejected SetParent mutated the graph: %+v", got)
	}
}

func TestSetParentRejectsCrossService(t *testing.T) {
	svc := NewService(newFakeStore())
	a := mustRole(t, svc, "srv_docs", "A")
	other := mustRole(t, svc, "srv_billing", "B")

	if _, err := svc.SetParent(context.Background(), a.ID, &other.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGrantRejectsCrossServicePermission(t *testing.T) {
	svc := NewService(newFakeStore())
	role := mustRole(t, svc, "srv_docs", "A")
	perm := mustPermission(t, svc, "srv_billing", "billing:read")

	if err := svc.GrantPermission(context.Background(), role.ID, perm.ID); !errors.Is(err, ErrCrossServiceGrant) {
		t.Fatalf("expected ErrCrossServiceGrant, got %v", err)
	}
}

func TestCreatePermissionValidatesCode(t *testing.T) {
	svc := NewService(newFakeStore())
	for _, code := range []string{"", "noseparator", "Upper:case", "trailing:", ":leading", "a:b:"} {
		if _, err := svc.CreatePermission(context.Background(), "srv_docs", code, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("code %q: expected ErrInvalidInput, got %v", code, err)
		}
	}
	if _, err := svc.CreatePermission(context.Background(), "srv_docs", "docs:pages:read", ""); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
}

func TestDeleteRoleDetachesChildren(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	parent := mustRole(t, svc, "srv_docs", "Parent")
	child := mustRole(t, svc, "srv_docs", "Child")
	mustSetParent(t, svc, child.ID, parent.ID)

	if err := svc.DeleteRole(ctx, parent.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	got, err := store.GetRole(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if got.ParentRoleID != nil {
		t.Fatalf("child still points at deleted parent")
	}
}

func TestResolveSurvivesStoredCycle(t *testing.T) {
	// A cycle written behind the service's back must not hang resolution.
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	a := mustRole(t, svc, "srv_docs", "A")
	b := mustRole(t, svc, "srv_docs", "B")
	read := mustPermission(t, svc, "srv_docs", "docs:read")
	mustGrant(t, svc, a.ID, read.ID)

	ra := store.roles[a.ID]
	ra.ParentRoleID = &b.ID
	store.roles[a.ID] = ra
	rb := store.roles[b.ID]
	rb.ParentRoleID = &a.ID
	store.roles[b.ID] = rb

	_ = svc.AssignRole(ctx, "tnt_1", "usr_1", a.ID)
	res, err := svc.Resolve(ctx, "tnt_1", "usr_1", "srv_docs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Permissions) != 1 || res.Permissions[0] != "docs:read" {
		t.Fatalf("permissions = %v", res.Permissions)
	}
}

func TestMutationsPurgeCache(t *testing.T) {
	inv := &countingInvalidator{}
	svc := NewService(newFakeStore(), WithInvalidator(inv))
	ctx := context.Background()

	role := mustRole(t, svc, "srv_docs", "A")
	perm := mustPermission(t, svc, "srv_docs", "docs:read")
	mustGrant(t, svc, role.ID, perm.ID)
	_ = svc.AssignRole(ctx, "tnt_1", "usr_1", role.ID)
	_ = svc.UnassignRole(ctx, "tnt_1", "usr_1", role.ID)
	_ = svc.DeleteRole(ctx, role.ID)

	if inv.purges != 4 {
		t.Fatalf("expected 4 purges, got %d", inv.purges)
	}
}
