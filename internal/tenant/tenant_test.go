package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeStore struct {
	tenants  map[string]Tenant
	members  map[string]bool   // tenantID|userID
	roles    map[string]string // tenantID|userID -> role_in_tenant
	services map[string]TenantService
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  map[string]Tenant{},
		members:  map[string]bool{},
		roles:    map[string]string{},
		services: map[string]TenantService{},
	}
}

func (f *fakeStore) CreateTenant(_ context.Context, t Tenant) (Tenant, error) {
	t.ID = "tnt_" + t.Slug
	f.tenants[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) UpdateTenantStatus(_ context.Context, id, status string) (Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	t.Status = status
	f.tenants[id] = t
	return t, nil
}

func (f *fakeStore) AddMember(_ context.Context, tenantID, userID, roleInTenant string) error {
	f.members[tenantID+"|"+userID] = true
	f.roles[tenantID+"|"+userID] = roleInTenant
	return nil
}

func (f *fakeStore) GetMembership(_ context.Context, tenantID, userID string) (Membership, error) {
	if !f.members[tenantID+"|"+userID] {
		return Membership{}, ErrNotFound
	}
	role := f.roles[tenantID+"|"+userID]
	if role == "" {
		role = RoleMember
	}
	return Membership{TenantID: tenantID, UserID: userID, RoleInTenant: role}, nil
}

func (f *fakeStore) RemoveMember(_ context.Context, tenantID, userID string) error {
	delete(f.members, tenantID+"|"+userID)
	return nil
}

func (f *fakeStore) IsMember(_ context.Context, tenantID, userID string) (bool, error) {
	return f.members[tenantID+"|"+userID], nil
}

func (f *fakeStore) GetTenantService(_ context.Context, tenantID, clientID string) (TenantService, error) {
	ts, ok := f.services[tenantID+"|"+clientID]
	if !ok {
		return TenantService{}, ErrNotFound
	}
	return ts, nil
}

func (f *fakeStore) EnableService(_ context.Context, tenantID, serviceID, clientID string) (TenantService, error) {
	ts := TenantService{TenantID: tenantID, ServiceID: serviceID, ClientID: clientID, Enabled: true}
	f.services[tenantID+"|"+clientID] = ts
	return ts, nil
}

func (f *fakeStore) ListTenantsForUser(_ context.Context, userID string) ([]Tenant, error) {
	var out []Tenant
	for key := range f.members {
		parts := strings.SplitN(key, "|", 2)
		if parts[1] == userID {
			out = append(out, f.tenants[parts[0]])
		}
	}
	return out, nil
}

func setup(t *testing.T) (*Service, *fakeStore, Tenant) {
	t.Helper()
	store := newFakeStore()
	svc := NewService(store)
	tn, err := svc.Create(context.Background(), "acme", "Acme Corp", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return svc, store, tn
}

func TestCreateValidatesSlug(t *testing.T) {
	svc := NewService(newFakeStore())
	for _, slug := range []string{"", "UPPER", "has space", "-lead", "trail-", "a--b"} {
		if _, err := svc.Create(context.Background(), slug, "Name", ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("slug %q: expected ErrInvalidInput, got %v", slug, err)
		}
	}
	if _, err := svc.Create(context.Background(), "acme-corp-2", "Name", ""); err != nil {
		t.Fatalf("valid slug rejected: %v", err)
	}
}

func TestCreateNormalizesDomain(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	tn, err := svc.Create(context.Background(), "globex", "Globex", " Globex.Example ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tn.Domain != "globex.example" {
		t.Fatalf("domain = %q, want globex.example", tn.Domain)
	}
}

func TestCheckAccessHappyPath(t *testing.T) {
	svc, store, tn := setup(t)
	ctx := context.Background()

	store.members[tn.ID+"|usr_1"] = true
	store.services[tn.ID+"|svc_billing"] = TenantService{
		TenantID: tn.ID, ServiceID: "srv_1", ClientID: "svc_billing", Enabled: true,
	}

	res, err := svc.CheckAccess(ctx, tn.ID, "usr_1", "svc_billing")
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if res.Tenant.ID != tn.ID || res.Service.ClientID != "svc_billing" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCheckAccessTenantNotActive(t *testing.T) {
	svc, store, tn := setup(t)
	ctx := context.Background()

	store.members[tn.ID+"|usr_1"] = true
	store.services[tn.ID+"|svc_billing"] = TenantService{ClientID: "svc_billing", Enabled: true}

	for _, status := range []string{StatusSuspended, StatusInactive, StatusPending} {
		if _, err := svc.SetStatus(ctx, tn.ID, status); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		_, err := svc.CheckAccess(ctx, tn.ID, "usr_1", "svc_billing")
		if !errors.Is(err, ErrTenantNotActive) {
			t.Fatalf("status %s: expected ErrTenantNotActive, got %v", status, err)
		}
		if !strings.Contains(err.Error(), status) {
			t.Fatalf("error should name the status %q: %v", status, err)
		}
	}
}

func TestCheckAccessNotMember(t *testing.T) {
	svc, store, tn := setup(t)
	store.services[tn.ID+"|svc_billing"] = TenantService{ClientID: "svc_billing", Enabled: true}

	_, err := svc.CheckAccess(context.Background(), tn.ID, "usr_1", "svc_billing")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestCheckAccessServiceMissingOrDisabled(t *testing.T) {
	svc, store, tn := setup(t)
	ctx := context.Background()
	store.members[tn.ID+"|usr_1"] = true

	_, err := svc.CheckAccess(ctx, tn.ID, "usr_1", "svc_billing")
	if !errors.Is(err, ErrServiceNotInTenant) {
		t.Fatalf("missing service: expected ErrServiceNotInTenant, got %v", err)
	}

	store.services[tn.ID+"|svc_billing"] = TenantService{ClientID: "svc_billing", Enabled: false}
	_, err = svc.CheckAccess(ctx, tn.ID, "usr_1", "svc_billing")
	if !errors.Is(err, ErrServiceNotInTenant) {
		t.Fatalf("disabled service: expected ErrServiceNotInTenant, got %v", err)
	}
}

func TestMembershipRoles(t *testing.T) {
	svc, _, tn := setup(t)
	ctx := context.Background()

	if err := svc.AddMember(ctx, tn.ID, "usr_1", ""); err != nil {
		t.Fatalf("AddMember default: %v", err)
	}
	m, err := svc.Membership(ctx, tn.ID, "usr_1")
	if err != nil {
		t.Fatalf("Membership: %v", err)
	}
	if m.RoleInTenant != RoleMember {
		t.Fatalf("default role = %q, want member", m.RoleInTenant)
	}

	if err := svc.AddMember(ctx, tn.ID, "usr_2", RoleOwner); err != nil {
		t.Fatalf("AddMember owner: %v", err)
	}
	m, err = svc.Membership(ctx, tn.ID, "usr_2")
	if err != nil {
		t.Fatalf("Membership: %v", err)
	}
	if m.RoleInTenant != RoleOwner {
		t.Fatalf("role = %q, want owner", m.RoleInTenant)
	}

	if err := svc.AddMember(ctx, tn.ID, "usr_3", "superuser"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad role: expected ErrInvalidInput, got %v", err)
	}

	if _, err := svc.Membership(ctx, tn.ID, "usr_unknown"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestEnableServiceOpensGate(t *testing.T) {
	svc, store, tn := setup(t)
	ctx := context.Background()
	store.members[tn.ID+"|usr_1"] = true

	if _, err := svc.EnableService(ctx, tn.ID, "srv_1", "svc_billing"); err != nil {
		t.Fatalf("EnableService: %v", err)
	}
	if _, err := svc.CheckAccess(ctx, tn.ID, "usr_1", "svc_billing"); err != nil {
		t.Fatalf("CheckAccess after enable: %v", err)
	}

	if _, err := svc.EnableService(ctx, tn.ID, "", "svc_billing"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCheckAccessOrderTenantStateFirst(t *testing.T) {
	// A suspended tenant must win over a missing membership.
	svc, _, tn := setup(t)
	ctx := context.Background()

	if _, err := svc.SetStatus(ctx, tn.ID, StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	_, err := svc.CheckAccess(ctx, tn.ID, "usr_unknown", "svc_billing")
	if !errors.Is(err, ErrTenantNotActive) {
		t.Fatalf("expected ErrTenantNotActive, got %v", err)
	}
}
