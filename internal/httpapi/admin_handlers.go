package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

type roleRequest struct {
	Role string `json:"role"`
}

func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	profiles, err := a.users.ListProfiles(r.Context(), limit, offset)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "users", profiles)
}

func (a *API) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	assignment, err := a.users.AssignRole(r.Context(), userID, req.Role)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "role assigned", assignment)
}

func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.users.RevokeRole(r.Context(), userID, mux.Vars(r)["role"]); err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "role revoked", nil)
}

func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.incidents.Stats(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "stats", stats)
}
