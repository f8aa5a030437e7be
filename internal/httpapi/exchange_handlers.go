package httpapi

import (
	"net/http"
)

type exchangeRequest struct {
	IdentityToken   string `json:"identity_token"`
	TenantID        string `json:"tenant_id"`
	ServiceClientID string `json:"service_client_id"`
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.exchange.Exchange(r.Context(), req.IdentityToken, req.TenantID, req.ServiceClientID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type validateRequest struct {
	Token    string `json:"token"`
	Audience string `json:"audience,omitempty"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Validation never errors: a bad token is a valid=false answer.
	writeJSON(w, http.StatusOK, a.exchange.ValidateToken(r.Context(), req.Token, req.Audience))
}

type introspectRequest struct {
	Token string `json:"token"`
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.exchange.Introspect(r.Context(), req.Token))
}

func (a *API) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	tenantID := trimPathValue(r, "id")
	userID := trimPathValue(r, "uid")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter is required")
		return
	}
	res, err := a.exchange.EffectivePermissions(r.Context(), tenantID, userID, clientID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
