// Package exchange orchestrates the token-exchange pipeline: verify the
// Identity token, pass the membership gate, resolve roles, consult the
// tenant's policy, run pre-issuance hooks, sign the Tenant Access token.
// Every attempt is audited, denials included.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auth9.org/internal/abac"
	"auth9.org/internal/audit"
	"auth9.org/internal/cache"
	"auth9.org/internal/hook"
	"auth9.org/internal/obs"
	"auth9.org/internal/policy"
	"auth9.org/internal/rbac"
	"auth9.org/internal/tenant"
	"auth9.org/internal/token"
)

var (
	// ErrInvalidToken covers bad signature, expiry and malformed claims on
	// the presented Identity token.
	ErrInvalidToken = errors.New("exchange: invalid token")
	// ErrPolicyDenied is returned when the tenant enforces ABAC and a deny
	// rule matched (or nothing matched in an allow-based document).
	ErrPolicyDenied = errors.New("exchange: denied by policy")
	// ErrUnavailable marks dependency outages and timeouts. The exchange
	// fails closed: no token is issued on uncertainty.
	ErrUnavailable = errors.New("exchange: dependency unavailable")
)

// The ABAC action and resource type under which exchanges are evaluated.
const (
	actionExchange      = "token_exchange"
	resourceTypeService = "service"
)

// Result is a successful exchange.
type Result struct {
	Token       string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TenantID    string    `json:"tenant_id"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
}

// Service wires the pipeline stages together.
type Service struct {
	codec    *token.Codec
	tenants  *tenant.Service
	rbac     *rbac.Service
	policies *policy.Service
	recorder *audit.Recorder

	hooks   *hook.Runner
	cache   *cache.Resolutions
	now     func() time.Time
	timeout time.Duration
}

// How long one exchange may hold its dependencies before failing closed.
const defaultTimeout = 2 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithHooks installs pre-issuance claim enrichment.
func WithHooks(r *hook.Runner) Option {
	return func(s *Service) { s.hooks = r }
}

// WithCache installs the resolution cache.
func WithCache(c *cache.Resolutions) Option {
	return func(s *Service) { s.cache = c }
}

// WithTimeout bounds each exchange. Zero or negative disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(codec *token.Codec, tenants *tenant.Service, rbacSvc *rbac.Service, policies *policy.Service, recorder *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		codec:    codec,
		tenants:  tenants,
		rbac:     rbacSvc,
		policies: policies,
		recorder: recorder,
		now:      time.Now,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exchange turns an Identity token into a Tenant Access token scoped to one
// tenant and one service.
func (s *Service) Exchange(ctx context.Context, identityToken, tenantID, serviceClientID string) (Result, error) {
	// A stalled dependency must fail the exchange closed, not hold it open.
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ev := audit.Event{
		Action:    "token.exchange",
		ActorKind: "user",
		TenantID:  tenantID,
		ServiceID: serviceClientID,
	}

	claims, err := s.codec.VerifyIdentity(identityToken)
	if err != nil {
		s.deny(ctx, ev, "invalid_token", map[string]any{"err": err.Error()})
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	ev.ActorID = claims.Subject

	gate, err := s.tenants.CheckAccess(ctx, tenantID, claims.Subject, serviceClientID)
	if err != nil {
		kind, mapped := mapGateError(err)
		s.deny(ctx, ev, kind, map[string]any{"err": err.Error()})
		return Result{}, mapped
	}

	roles, perms, err := s.resolve(ctx, tenantID, claims.Subject, gate.Service.ServiceID)
	if err != nil {
		kind, mapped := mapDependencyError(err)
		s.deny(ctx, ev, kind, map[string]any{"err": err.Error()})
		return Result{}, mapped
	}

	if err := s.evaluatePolicy(ctx, &ev, claims, tenantID, gate.Service, roles, perms); err != nil {
		return Result{}, err
	}

	var custom map[string]any
	if s.hooks != nil {
		custom, err = s.hooks.Run(ctx, hook.Request{
			UserID:      claims.Subject,
			Email:       claims.Email,
			TenantID:    tenantID,
			ServiceID:   gate.Service.ServiceID,
			Roles:       roles,
			Permissions: perms,
		})
		if err != nil {
			s.deny(ctx, ev, "hook_failed", map[string]any{"err": err.Error()})
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	signed, exp, err := s.codec.IssueTenantAccess(
		claims.Subject, claims.Email, tenantID, gate.Service.ClientID,
		roles, perms, custom,
	)
	if err != nil {
		s.deny(ctx, ev, "error", map[string]any{"err": err.Error()})
		return Result{}, err
	}

	ev.Outcome = "issued"
	ev.Detail = map[string]any{"roles": roles}
	s.recorder.Record(ctx, ev)
	obs.ObserveExchange("issued")

	return Result{
		Token:       signed,
		ExpiresAt:   exp,
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: perms,
	}, nil
}

func (s *Service) resolve(ctx context.Context, tenantID, userID, serviceID string) ([]string, []string, error) {
	if s.cache != nil {
		if e, ok := s.cache.Get(tenantID, userID, serviceID); ok {
			return e.RoleNames, e.Permissions, nil
		}
	}
	res, err := s.rbac.Resolve(ctx, tenantID, userID, serviceID)
	if err != nil {
		return nil, nil, err
	}
	if s.cache != nil {
		s.cache.Put(tenantID, userID, serviceID, cache.Entry{
			RoleNames:   res.RoleNames,
			Permissions: res.Permissions,
		})
	}
	return res.RoleNames, res.Permissions, nil
}

// evaluatePolicy applies the tenant's ABAC layer. Shadow mode records the
// decision without acting on it; enforce mode turns a denial into a failed
// exchange. An ABAC allow never grants anything RBAC did not.
func (s *Service) evaluatePolicy(ctx context.Context, ev *audit.Event, claims *token.IdentityClaims, tenantID string, svc tenant.TenantService, roles, perms []string) error {
	active, err := s.policies.ActiveForTenant(ctx, tenantID)
	if err != nil {
		kind, mapped := mapDependencyError(err)
		s.deny(ctx, *ev, kind, map[string]any{"err": err.Error()})
		return mapped
	}
	if active.Mode == policy.ModeDisabled || active.Document == nil {
		return nil
	}

	evalCtx := abac.BuildContext(abac.Subject{
		UserID:      claims.Subject,
		Email:       claims.Email,
		TenantID:    tenantID,
		TokenType:   "identity",
		Roles:       roles,
		Permissions: perms,
	}, actionExchange, resourceTypeService, map[string]any{
		"tenant_id":  tenantID,
		"service_id": svc.ServiceID,
		"client_id":  svc.ClientID,
	}, s.now())

	out := abac.Evaluate(active.Document, actionExchange, resourceTypeService, evalCtx)
	decision := "allow"
	if out.Denied {
		decision = "deny"
	}
	obs.ObserveABACDecision(active.Mode, decision)

	if active.Mode == policy.ModeShadow {
		// Shadow decisions are always logged, allow or deny, so a tenant can
		// judge a policy before enforcing it.
		obs.LogEvent(map[string]any{
			"level":     "info",
			"msg":       "abac shadow decision",
			"tenant_id": tenantID,
			"user_id":   claims.Subject,
			"decision":  decision,
			"allow_ids": out.MatchedAllowRuleIDs,
			"deny_ids":  out.MatchedDenyRuleIDs,
		})
		return nil
	}

	if out.Denied {
		s.deny(ctx, *ev, "denied_policy", map[string]any{
			"deny_ids":  out.MatchedDenyRuleIDs,
			"allow_ids": out.MatchedAllowRuleIDs,
		})
		return ErrPolicyDenied
	}
	return nil
}

func (s *Service) deny(ctx context.Context, ev audit.Event, kind string, detail map[string]any) {
	ev.Outcome = kind
	ev.Detail = detail
	s.recorder.Record(ctx, ev)
	obs.ObserveExchange(kind)
}

func mapGateError(err error) (string, error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotActive):
		return "tenant_not_active", err
	case errors.Is(err, tenant.ErrNotMember), errors.Is(err, tenant.ErrNotFound):
		// An unknown tenant reads as a membership failure to the caller so
		// tenant ids cannot be probed.
		if errors.Is(err, tenant.ErrNotFound) {
			return "not_member", tenant.ErrNotMember
		}
		return "not_member", err
	case errors.Is(err, tenant.ErrServiceNotInTenant):
		return "service_not_in_tenant", err
	default:
		return mapDependencyError(err)
	}
}

func mapDependencyError(err error) (string, error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "unavailable", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return "error", err
}

// Validation is the outcome of ValidateToken. Invalid tokens are reported
// with Valid=false, not an error: validation answers a question.
type Validation struct {
	Valid     bool       `json:"valid"`
	Kind      token.Kind `json:"kind,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// ValidateToken checks any token kind. expectedAudience applies only to
// Tenant Access tokens; pass "" to accept any audience.
func (s *Service) ValidateToken(_ context.Context, raw, expectedAudience string) Validation {
	if expectedAudience != "" {
		claims, err := s.codec.VerifyTenantAccess(raw, expectedAudience)
		if err != nil {
			return Validation{Valid: false}
		}
		return Validation{
			Valid:     true,
			Kind:      token.KindTenantAccess,
			Subject:   claims.Subject,
			TenantID:  claims.TenantID,
			ExpiresAt: claims.ExpiresAt.Time,
		}
	}
	d, err := s.codec.Decode(raw)
	if err != nil {
		return Validation{Valid: false}
	}
	v := Validation{Valid: true, Kind: d.Kind}
	switch d.Kind {
	case token.KindIdentity:
		v.Subject = d.Identity.Subject
		v.ExpiresAt = d.Identity.ExpiresAt.Time
	case token.KindTenantAccess:
		v.Subject = d.TenantAccess.Subject
		v.TenantID = d.TenantAccess.TenantID
		v.ExpiresAt = d.TenantAccess.ExpiresAt.Time
	case token.KindServiceClient:
		v.Subject = d.Service.Subject
		v.TenantID = d.Service.TenantID
		v.ExpiresAt = d.Service.ExpiresAt.Time
	}
	return v
}

// Introspect reports a token's claims in the style of RFC 7662: inactive
// tokens yield {"active": false} and nothing else.
func (s *Service) Introspect(_ context.Context, raw string) map[string]any {
	d, err := s.codec.Decode(raw)
	if err != nil {
		return map[string]any{"active": false}
	}
	out := map[string]any{"active": true}
	switch d.Kind {
	case token.KindTenantAccess:
		c := d.TenantAccess
		out["token_type"] = "access"
		out["sub"] = c.Subject
		out["email"] = c.Email
		out["tenant_id"] = c.TenantID
		out["roles"] = c.Roles
		out["permissions"] = c.Permissions
		out["aud"] = []string(c.Audience)
		out["exp"] = c.ExpiresAt.Unix()
	case token.KindIdentity:
		c := d.Identity
		out["token_type"] = "identity"
		out["sub"] = c.Subject
		out["email"] = c.Email
		out["exp"] = c.ExpiresAt.Unix()
	case token.KindServiceClient:
		c := d.Service
		out["token_type"] = "service"
		out["sub"] = c.Subject
		if c.TenantID != "" {
			out["tenant_id"] = c.TenantID
		}
		out["exp"] = c.ExpiresAt.Unix()
	}
	return out
}

// EffectivePermissions resolves a user's current roles and permissions for a
// tenant and service without issuing a token. The membership gate still
// applies: permissions in a tenant the user cannot access do not exist.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID, userID, serviceClientID string) (rbac.Resolution, error) {
	gate, err := s.tenants.CheckAccess(ctx, tenantID, userID, serviceClientID)
	if err != nil {
		_, mapped := mapGateError(err)
		return rbac.Resolution{}, mapped
	}
	roles, perms, err := s.resolve(ctx, tenantID, userID, gate.Service.ServiceID)
	if err != nil {
		_, mapped := mapDependencyError(err)
		return rbac.Resolution{}, mapped
	}
	return rbac.Resolution{RoleNames: roles, Permissions: perms}, nil
}
