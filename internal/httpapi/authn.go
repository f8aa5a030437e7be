package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"auth9.org/internal/tenant"
	"auth9.org/internal/token"
)

type principalKey struct{}

// Principal is the authenticated caller of a management endpoint.
type Principal struct {
	Subject  string
	Email    string
	Kind     token.Kind
	TenantID string
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// withAuth requires a verified bearer token of any kind and stores the
// principal in the request context.
func (a *API) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		d, err := a.codec.Decode(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		var p Principal
		switch d.Kind {
		case token.KindIdentity:
			p = Principal{Subject: d.Identity.Subject, Email: d.Identity.Email, Kind: d.Kind}
		case token.KindTenantAccess:
			p = Principal{Subject: d.TenantAccess.Subject, Email: d.TenantAccess.Email, Kind: d.Kind, TenantID: d.TenantAccess.TenantID}
		case token.KindServiceClient:
			p = Principal{Subject: d.Service.Subject, Email: d.Service.Email, Kind: d.Kind, TenantID: d.Service.TenantID}
		default:
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

// withTenantAdmin requires an identity principal whose membership in the
// tenant named in the path carries the owner or admin role. This is the
// isolation boundary for management calls, independent of the RBAC graph.
func (a *API) withTenantAdmin(next http.HandlerFunc) http.HandlerFunc {
	return a.withAuth(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || p.Kind != token.KindIdentity {
			writeError(w, http.StatusForbidden, "identity token required")
			return
		}
		tenantID := trimPathValue(r, "id")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "tenant id is required")
			return
		}
		m, err := a.tenants.Membership(r.Context(), tenantID, p.Subject)
		if err != nil {
			if errors.Is(err, tenant.ErrNotMember) {
				writeError(w, http.StatusForbidden, "not a member of this tenant")
				return
			}
			mapServiceError(w, err)
			return
		}
		if m.RoleInTenant != tenant.RoleOwner && m.RoleInTenant != tenant.RoleAdmin {
			writeError(w, http.StatusForbidden, "tenant owner or admin role required")
			return
		}
		next(w, r)
	})
}
