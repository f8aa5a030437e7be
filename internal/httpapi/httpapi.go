// Package httpapi is the HTTP surface of the engine: token endpoints for
// clients, management endpoints for tenant administrators, and the usual
// health/metrics plumbing.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"auth9.org/internal/exchange"
	"auth9.org/internal/identity"
	"auth9.org/internal/obs"
	"auth9.org/internal/policy"
	"auth9.org/internal/ratelimit"
	"auth9.org/internal/rbac"
	"auth9.org/internal/tenant"
	"auth9.org/internal/token"
)

// ReadyProbe checks the backing store on /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	codec      *token.Codec
	identity   *identity.Service
	tenants    *tenant.Service
	rbac       *rbac.Service
	policies   *policy.Service
	exchange   *exchange.Service
	limiter    ratelimit.Limiter
	maxBodyLen int64
}

// Config carries the services the API fronts.
type Config struct {
	ReadyProbe ReadyProbe
	Version    string

	Codec    *token.Codec
	Identity *identity.Service
	Tenants  *tenant.Service
	RBAC     *rbac.Service
	Policies *policy.Service
	Exchange *exchange.Service
	Limiter  ratelimit.Limiter
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		codec:      cfg.Codec,
		identity:   cfg.Identity,
		tenants:    cfg.Tenants,
		rbac:       cfg.RBAC,
		policies:   cfg.Policies,
		exchange:   cfg.Exchange,
		limiter:    cfg.Limiter,
		maxBodyLen: 1 << 20,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/token", a.handleClientCredentials)

	// token endpoints
	a.mux.HandleFunc("POST /v1/token/exchange", a.handleExchange)
	a.mux.HandleFunc("POST /v1/token/validate", a.handleValidate)
	// Introspection reveals full claims; it is not an open endpoint.
	a.mux.HandleFunc("POST /v1/token/introspect", a.withAuth(a.handleIntrospect))

	// tenants and membership
	a.mux.HandleFunc("POST /v1/tenants", a.withAuth(a.handleCreateTenant))
	a.mux.HandleFunc("GET /v1/tenants", a.withAuth(a.handleListMyTenants))
	a.mux.HandleFunc("PUT /v1/tenants/{id}/status", a.withTenantAdmin(a.handleTenantStatus))
	a.mux.HandleFunc("POST /v1/tenants/{id}/members", a.withTenantAdmin(a.handleAddMember))
	a.mux.HandleFunc("DELETE /v1/tenants/{id}/members/{uid}", a.withTenantAdmin(a.handleRemoveMember))
	a.mux.HandleFunc("POST /v1/tenants/{id}/services", a.withTenantAdmin(a.handleEnableService))
	a.mux.HandleFunc("GET /v1/tenants/{id}/users/{uid}/permissions", a.withTenantAdmin(a.handleEffectivePermissions))

	// rbac management
	a.mux.HandleFunc("POST /v1/roles", a.withAuth(a.handleCreateRole))
	a.mux.HandleFunc("PUT /v1/roles/{id}/parent", a.withAuth(a.handleSetRoleParent))
	a.mux.HandleFunc("DELETE /v1/roles/{id}", a.withAuth(a.handleDeleteRole))
	a.mux.HandleFunc("POST /v1/permissions", a.withAuth(a.handleCreatePermission))
	a.mux.HandleFunc("POST /v1/roles/{id}/permissions", a.withAuth(a.handleGrantPermission))
	a.mux.HandleFunc("DELETE /v1/roles/{id}/permissions/{pid}", a.withAuth(a.handleRevokePermission))
	a.mux.HandleFunc("POST /v1/tenants/{id}/assignments", a.withTenantAdmin(a.handleAssignRole))
	a.mux.HandleFunc("DELETE /v1/tenants/{id}/assignments", a.withTenantAdmin(a.handleUnassignRole))

	// policy management
	a.mux.HandleFunc("POST /v1/tenants/{id}/policy/versions", a.withTenantAdmin(a.handleCreateDraft))
	a.mux.HandleFunc("GET /v1/tenants/{id}/policy/versions", a.withTenantAdmin(a.handleListVersions))
	a.mux.HandleFunc("POST /v1/tenants/{id}/policy/versions/{vid}/publish", a.withTenantAdmin(a.handlePublish))
	a.mux.HandleFunc("POST /v1/tenants/{id}/policy/versions/{vid}/rollback", a.withTenantAdmin(a.handleRollback))
	a.mux.HandleFunc("PUT /v1/tenants/{id}/policy/mode", a.withTenantAdmin(a.handleSetMode))
	a.mux.HandleFunc("POST /v1/tenants/{id}/policy/simulate", a.withTenantAdmin(a.handleSimulate))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware stack around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = a.Admission(h)
	h = MaxBodyBytes(h, a.maxBodyLen)
	h = RequestID(h)
	h = Logging(h)
	h = SecurityHeaders(h)
	return h
}

// --- basic handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "auth9-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "auth9-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// mapServiceError translates domain sentinels to HTTP codes.
func mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidToken), errors.Is(err, token.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrUserDisabled):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, tenant.ErrNotMember):
		writeError(w, http.StatusForbidden, "not a member of this tenant")
	case errors.Is(err, tenant.ErrTenantNotActive):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tenant.ErrServiceNotInTenant):
		writeError(w, http.StatusForbidden, "service not enabled for tenant")
	case errors.Is(err, exchange.ErrPolicyDenied):
		writeError(w, http.StatusForbidden, "denied by policy")
	case errors.Is(err, rbac.ErrCircularInheritance):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rbac.ErrCrossServiceGrant):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, exchange.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, identity.ErrConflict), errors.Is(err, tenant.ErrConflict), errors.Is(err, rbac.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, rbac.ErrNotFound), errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, tenant.ErrInvalidInput),
		errors.Is(err, rbac.ErrInvalidInput), errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func trimPathValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
