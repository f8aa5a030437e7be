package httpapi

import (
	"encoding/json"
	"net/http"

	"auth9.org/internal/policy"
)

type createDraftRequest struct {
	Document   json.RawMessage `json:"document"`
	ChangeNote string          `json:"change_note,omitempty"`
}

func (a *API) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.policies.CreateDraft(r.Context(), trimPathValue(r, "id"), req.Document, req.ChangeNote, p.Subject)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := a.policies.ListVersions(r.Context(), trimPathValue(r, "id"))
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": vs})
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	set, v, err := a.policies.Publish(r.Context(), trimPathValue(r, "id"), trimPathValue(r, "vid"), p.Subject)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"set": set, "version": v})
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	set, v, err := a.policies.Rollback(r.Context(), trimPathValue(r, "id"), trimPathValue(r, "vid"), p.Subject)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"set": set, "version": v})
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (a *API) handleSetMode(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req setModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	set, err := a.policies.SetMode(r.Context(), trimPathValue(r, "id"), req.Mode, p.Subject)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (a *API) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req policy.SimulationInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.policies.Simulate(r.Context(), trimPathValue(r, "id"), req)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
