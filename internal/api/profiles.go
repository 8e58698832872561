package api

import (
	"net/http"
)

func (h *handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		jsonError(w, http.StatusServiceUnavailable, "launch profiles unavailable")
		return
	}
	jsonResponse(w, http.StatusOK, h.profiles.List())
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		jsonError(w, http.StatusServiceUnavailable, "launch profiles unavailable")
		return
	}
	p := h.profiles.Get(r.PathValue("id"))
	if p == nil {
		jsonError(w, http.StatusNotFound, "profile not found")
		return
	}
	jsonResponse(w, http.StatusOK, p)
}
