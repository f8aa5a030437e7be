// Package tenant models tenants, their user memberships and the services
// enabled per tenant, and implements the membership gate that every token
// exchange must pass before any role or policy work happens.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidInput       = errors.New("tenant: invalid input")
	ErrNotFound           = errors.New("tenant: not found")
	ErrConflict           = errors.New("tenant: already exists")
	ErrNotMember          = errors.New("tenant: user is not a member")
	ErrTenantNotActive    = errors.New("tenant: tenant is not active")
	ErrServiceNotInTenant = errors.New("tenant: service not enabled for tenant")
)

// Tenant lifecycle states. Only active tenants can mint access tokens.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusPending   = "pending"
)

// Coarse membership roles, used for administrative gating. Independent of
// the RBAC role graph.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Tenant is one isolated customer organization. Domain, when set, lets
// self-service org creation match users by email domain.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership links a user to a tenant.
type Membership struct {
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	RoleInTenant string    `json:"role_in_tenant"`
	JoinedAt     time.Time `json:"joined_at"`
}

// TenantService marks a service as enabled for a tenant. ClientID is the
// audience value minted into access tokens for that service.
type TenantService struct {
	TenantID  string    `json:"tenant_id"`
	ServiceID string    `json:"service_id"`
	ClientID  string    `json:"client_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence surface for tenants and memberships.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	UpdateTenantStatus(ctx context.Context, id, status string) (Tenant, error)
	AddMember(ctx context.Context, tenantID, userID, roleInTenant string) error
	RemoveMember(ctx context.Context, tenantID, userID string) error
	IsMember(ctx context.Context, tenantID, userID string) (bool, error)
	GetMembership(ctx context.Context, tenantID, userID string) (Membership, error)
	GetTenantService(ctx context.Context, tenantID, serviceClientID string) (TenantService, error)
	EnableService(ctx context.Context, tenantID, serviceID, clientID string) (TenantService, error)
	ListTenantsForUser(ctx context.Context, userID string) ([]Tenant, error)
}

// Service wraps the store with validation and the membership gate.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended, StatusPending:
		return true
	}
	return false
}

func (s *Service) Create(ctx context.Context, slug, name, domain string) (Tenant, error) {
	slug = strings.TrimSpace(strings.ToLower(slug))
	if !slugPattern.MatchString(slug) {
		return Tenant{}, fmt.Errorf("%w: slug must be lowercase alphanumeric with hyphens", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	domain = strings.TrimSpace(strings.ToLower(domain))
	return s.store.CreateTenant(ctx, Tenant{Slug: slug, Name: name, Domain: domain, Status: StatusActive})
}

func (s *Service) SetStatus(ctx context.Context, id, status string) (Tenant, error) {
	id = strings.TrimSpace(id)
	status = strings.TrimSpace(strings.ToLower(status))
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if !ValidStatus(status) {
		return Tenant{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	return s.store.UpdateTenantStatus(ctx, id, status)
}

func ValidMembershipRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// AddMember joins a user to a tenant. An empty role defaults to member.
func (s *Service) AddMember(ctx context.Context, tenantID, userID, roleInTenant string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	roleInTenant = strings.TrimSpace(strings.ToLower(roleInTenant))
	if roleInTenant == "" {
		roleInTenant = RoleMember
	}
	if !ValidMembershipRole(roleInTenant) {
		return fmt.Errorf("%w: unsupported membership role %s", ErrInvalidInput, roleInTenant)
	}
	return s.store.AddMember(ctx, tenantID, userID, roleInTenant)
}

func (s *Service) RemoveMember(ctx context.Context, tenantID, userID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.RemoveMember(ctx, tenantID, userID)
}

// EnableService marks a service as available inside a tenant. ClientID
// becomes the audience of access tokens minted for it.
func (s *Service) EnableService(ctx context.Context, tenantID, serviceID, clientID string) (TenantService, error) {
	tenantID = strings.TrimSpace(tenantID)
	serviceID = strings.TrimSpace(serviceID)
	clientID = strings.TrimSpace(clientID)
	if tenantID == "" || serviceID == "" || clientID == "" {
		return TenantService{}, fmt.Errorf("%w: tenant_id, service_id and client_id are required", ErrInvalidInput)
	}
	return s.store.EnableService(ctx, tenantID, serviceID, clientID)
}

// GateResult is what the membership gate hands to the issuer on success.
type GateResult struct {
	Tenant  Tenant
	Service TenantService
}

// CheckAccess is the membership gate. Checks run in a fixed order so the
// caller gets the most specific failure: tenant state first, then
// membership, then service enablement. The tenant-state error names the
// actual status so operators can tell suspended from inactive.
func (s *Service) CheckAccess(ctx context.Context, tenantID, userID, serviceClientID string) (GateResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	serviceClientID = strings.TrimSpace(serviceClientID)
	if tenantID == "" || userID == "" || serviceClientID == "" {
		return GateResult{}, fmt.Errorf("%w: tenant_id, user_id and service client_id are required", ErrInvalidInput)
	}

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return GateResult{}, err
	}
	if t.Status != StatusActive {
		return GateResult{}, fmt.Errorf("%w: status is %s", ErrTenantNotActive, t.Status)
	}

	member, err := s.store.IsMember(ctx, tenantID, userID)
	if err != nil {
		return GateResult{}, err
	}
	if !member {
		return GateResult{}, ErrNotMember
	}

	ts, err := s.store.GetTenantService(ctx, tenantID, serviceClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return GateResult{}, ErrServiceNotInTenant
		}
		return GateResult{}, err
	}
	if !ts.Enabled {
		return GateResult{}, ErrServiceNotInTenant
	}

	return GateResult{Tenant: t, Service: ts}, nil
}

// IsMember reports plain membership, without the rest of the gate.
func (s *Service) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.IsMember(ctx, tenantID, userID)
}

// Membership returns the user's membership record, ErrNotMember if absent.
func (s *Service) Membership(ctx context.Context, tenantID, userID string) (Membership, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return Membership{}, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	m, err := s.store.GetMembership(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Membership{}, ErrNotMember
		}
		return Membership{}, err
	}
	return m, nil
}

// ListForUser returns the tenants a user belongs to, for tenant pickers.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Tenant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.ListTenantsForUser(ctx, userID)
}
