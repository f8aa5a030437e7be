package httpapi

import (
	"net/http"

	"auth9.org/internal/tenant"
)

type createTenantRequest struct {
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// handleCreateTenant creates a tenant and joins the creator as its owner,
// so the new tenant has at least one member able to administer it.
func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.tenants.Create(r.Context(), req.Slug, req.Name, req.Domain)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	if err := a.tenants.AddMember(r.Context(), t.ID, p.Subject, tenant.RoleOwner); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleListMyTenants(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	ts, err := a.tenants.ListForUser(r.Context(), p.Subject)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": ts})
}

type tenantStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	var req tenantStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.tenants.SetStatus(r.Context(), trimPathValue(r, "id"), req.Status)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role_in_tenant,omitempty"`
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tenants.AddMember(r.Context(), trimPathValue(r, "id"), req.UserID, req.Role); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "added"})
}

type enableServiceRequest struct {
	ServiceID string `json:"service_id"`
	ClientID  string `json:"client_id"`
}

func (a *API) handleEnableService(w http.ResponseWriter, r *http.Request) {
	var req enableServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := a.tenants.EnableService(r.Context(), trimPathValue(r, "id"), req.ServiceID, req.ClientID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ts)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := a.tenants.RemoveMember(r.Context(), trimPathValue(r, "id"), trimPathValue(r, "uid")); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}
