package httpapi

import (
	"net/http"
)

type createRoleRequest struct {
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.ServiceID, req.Name, req.Description)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

type setParentRequest struct {
	ParentRoleID *string `json:"parent_role_id"`
}

// handleSetRoleParent accepts a null parent to detach a role from its chain.
func (a *API) handleSetRoleParent(w http.ResponseWriter, r *http.Request) {
	var req setParentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.SetParent(r.Context(), trimPathValue(r, "id"), req.ParentRoleID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteRole(r.Context(), trimPathValue(r, "id")); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

type createPermissionRequest struct {
	ServiceID   string `json:"service_id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), req.ServiceID, req.Code, req.Description)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

type grantPermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.GrantPermission(r.Context(), trimPathValue(r, "id"), req.PermissionID); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "granted"})
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.RevokePermission(r.Context(), trimPathValue(r, "id"), trimPathValue(r, "pid")); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

type assignmentRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.AssignRole(r.Context(), trimPathValue(r, "id"), req.UserID, req.RoleID); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "assigned"})
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.UnassignRole(r.Context(), trimPathValue(r, "id"), req.UserID, req.RoleID); err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unassigned"})
}
