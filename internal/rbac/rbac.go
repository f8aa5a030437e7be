// Package rbac implements the role model: roles belong to a service, may
// inherit from a parent role of the same service, and carry permissions.
// The resolver walks the inheritance graph through the store, never through
// in-memory pointers, so the cycle check stays a plain upward walk.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"auth9.org/internal/obs"
)

var (
	ErrInvalidInput        = errors.New("rbac: invalid input")
	ErrNotFound            = errors.New("rbac: not found")
	ErrConflict            = errors.New("rbac: already exists")
	ErrCircularInheritance = errors.New("rbac: circular inheritance")
	ErrCrossServiceGrant   = errors.New("rbac: permission belongs to a different service")
)

// maxInheritanceDepth bounds both the write-time cycle walk and read-time
// resolution. A legitimate role chain never gets this deep; hitting the cap
// at read time is logged as an anomaly and traversal stops.
const maxInheritanceDepth = 32

// Permission codes look like "billing:invoices:read".
var permissionCodePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?::[a-z][a-z0-9]*)+$`)

// Role is a named permission bundle scoped to one service.
type Role struct {
	ID           string    `json:"id"`
	ServiceID    string    `json:"service_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ParentRoleID *string   `json:"parent_role_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is a single grantable capability within a service.
type Permission struct {
	ID          string    `json:"id"`
	ServiceID   string    `json:"service_id"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence surface for the role graph.
//
// UpdateRoleParent must apply the parent change atomically with respect to
// concurrent parent changes in the same subtree; the postgres implementation
// re-runs the cycle check inside a serializable transaction.
type Store interface {
	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRolesByService(ctx context.Context, serviceID string) ([]Role, error)
	UpdateRoleParent(ctx context.Context, roleID string, parentID *string) (Role, error)
	DeleteRole(ctx context.Context, roleID string) error

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	RevokePermission(ctx context.Context, roleID, permissionID string) error
	ListRolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	AssignRole(ctx context.Context, tenantID, userID, roleID string) error
	UnassignRole(ctx context.Context, tenantID, userID, roleID string) error
	ListUserRoles(ctx context.Context, tenantID, userID, serviceID string) ([]Role, error)
}

// Invalidator is notified after any mutation that can change resolved
// permission sets. The exchange layer plugs its cache in here.
type Invalidator interface {
	Purge()
}

// Service wraps the store with validation, the cycle check and cache
// invalidation.
type Service struct {
	store      Store
	invalidate Invalidator
}

// Option configures a Service.
type Option func(*Service)

// WithInvalidator registers a cache to purge on role graph mutations.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidate = inv }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) purge() {
	if s.invalidate != nil {
		s.invalidate.Purge()
	}
}

func (s *Service) CreateRole(ctx context.Context, serviceID, name, description string) (Role, error) {
	serviceID = strings.TrimSpace(serviceID)
	name = strings.TrimSpace(name)
	if serviceID == "" {
		return Role{}, fmt.Errorf("%w: service_id is required", ErrInvalidInput)
	}
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.CreateRole(ctx, Role{
		ServiceID:   serviceID,
		Name:        name,
		Description: strings.TrimSpace(description),
	})
}

// SetParent re-parents a role after checking that the new parent chain does
// not lead back to the role itself. Passing nil clears the parent.
func (s *Service) SetParent(ctx context.Context, roleID string, parentID *string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if parentID != nil {
		pid := strings.TrimSpace(*parentID)
		if pid == "" {
			parentID = nil
		} else {
			if pid == roleID {
				return Role{}, fmt.Errorf("%w: role cannot be its own parent", ErrCircularInheritance)
			}
			parent, err := s.store.GetRole(ctx, pid)
			if err != nil {
				return Role{}, err
			}
			if parent.ServiceID != role.ServiceID {
				return Role{}, fmt.Errorf("%w: parent role belongs to service %s", ErrInvalidInput, parent.ServiceID)
			}
			if err := s.checkCycle(ctx, roleID, pid); err != nil {
				return Role{}, err
			}
			parentID = &pid
		}
	}
	updated, err := s.store.UpdateRoleParent(ctx, roleID, parentID)
	if err != nil {
		return Role{}, err
	}
	s.purge()
	return updated, nil
}

// checkCycle walks upward from the candidate parent. If the role being
// re-parented shows up in that chain the new edge would close a loop.
func (s *Service) checkCycle(ctx context.Context, roleID, parentID string) error {
	visited := map[string]struct{}{roleID: {}}
	current := parentID
	for depth := 0; depth < maxInheritanceDepth; depth++ {
		if _, seen := visited[current]; seen {
			return fmt.Errorf("%w: role %s is in the parent chain", ErrCircularInheritance, current)
		}
		visited[current] = struct{}{}
		r, err := s.store.GetRole(ctx, current)
		if err != nil {
			return err
		}
		if r.ParentRoleID == nil {
			return nil
		}
		current = *r.ParentRoleID
	}
	return fmt.Errorf("%w: parent chain exceeds depth %d", ErrCircularInheritance, maxInheritanceDepth)
}

// DeleteRole detaches any children first so their chains stay valid, then
// removes the role. The store does both inside one transaction.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.purge()
	return nil
}

func (s *Service) CreatePermission(ctx context.Context, serviceID, code, description string) (Permission, error) {
	serviceID = strings.TrimSpace(serviceID)
	code = strings.TrimSpace(strings.ToLower(code))
	if serviceID == "" {
		return Permission{}, fmt.Errorf("%w: service_id is required", ErrInvalidInput)
	}
	if !permissionCodePattern.MatchString(code) {
		return Permission{}, fmt.Errorf("%w: permission code %q must look like \"resource:action\"", ErrInvalidInput, code)
	}
	return s.store.CreatePermission(ctx, Permission{
		ServiceID:   serviceID,
		Code:        code,
		Description: strings.TrimSpace(description),
	})
}

// GrantPermission links a permission to a role. Both must belong to the same
// service; permissions never cross service boundaries.
func (s *Service) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if role.ServiceID != perm.ServiceID {
		return fmt.Errorf("%w: role service %s, permission service %s", ErrCrossServiceGrant, role.ServiceID, perm.ServiceID)
	}
	if err := s.store.GrantPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.purge()
	return nil
}

func (s *Service) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	if strings.TrimSpace(roleID) == "" || strings.TrimSpace(permissionID) == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	if err := s.store.RevokePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.purge()
	return nil
}

func (s *Service) AssignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("%w: tenant_id, user_id and role_id are required", ErrInvalidInput)
	}
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.AssignRole(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	s.purge()
	return nil
}

func (s *Service) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" {
		return fmt.Errorf("%w: tenant_id, user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.UnassignRole(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	s.purge()
	return nil
}

// Resolution is the outcome of expanding a user's assigned roles through the
// inheritance graph.
type Resolution struct {
	RoleNames   []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Resolve expands the user's assigned roles for one tenant and service into
// the effective permission set. Each assigned role contributes its own
// permissions plus all ancestors'. A visited set guarantees termination even
// against a cycle that slipped past the write-time check.
func (s *Service) Resolve(ctx context.Context, tenantID, userID, serviceID string) (Resolution, error) {
	assigned, err := s.store.ListUserRoles(ctx, tenantID, userID, serviceID)
	if err != nil {
		return Resolution{}, err
	}

	names := make(map[string]struct{})
	perms := make(map[string]struct{})
	visited := make(map[string]struct{})

	for _, r := range assigned {
		names[r.Name] = struct{}{}
		if err := s.collect(ctx, r, visited, perms); err != nil {
			return Resolution{}, err
		}
	}

	res := Resolution{
		RoleNames:   make([]string, 0, len(names)),
		Permissions: make([]string, 0, len(perms)),
	}
	for n := range names {
		res.RoleNames = append(res.RoleNames, n)
	}
	for p := range perms {
		res.Permissions = append(res.Permissions, p)
	}
	sort.Strings(res.RoleNames)
	sort.Strings(res.Permissions)
	return res, nil
}

func (s *Service) collect(ctx context.Context, role Role, visited map[string]struct{}, perms map[string]struct{}) error {
	current := role
	for depth := 0; ; depth++ {
		if depth >= maxInheritanceDepth {
			obs.LogEvent(map[string]any{
				"level":   "warn",
				"msg":     "role inheritance depth cap reached",
				"role_id": role.ID,
				"depth":   depth,
			})
			return nil
		}
		if _, seen := visited[current.ID]; seen {
			return nil
		}
		visited[current.ID] = struct{}{}

		rolePerms, err := s.store.ListRolePermissions(ctx, current.ID)
		if err != nil {
			return err
		}
		for _, p := range rolePerms {
			perms[p.Code] = struct{}{}
		}

		if current.ParentRoleID == nil {
			return nil
		}
		parent, err := s.store.GetRole(ctx, *current.ParentRoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Dangling parent reference: treat as end of chain.
				return nil
			}
			return err
		}
		current = parent
	}
}
