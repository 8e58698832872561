package api

import (
	"net/http"
	"strconv"

	"github.com/user/gdbhub/internal/db"
)

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.historyRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	q := r.URL.Query()
	filter := db.DebugSessionFilter{ActiveOnly: q.Get("active") == "true"}
	var ok bool
	if filter.PID, ok = queryInt(w, q.Get("pid"), "pid"); !ok {
		return
	}
	if filter.Limit, ok = queryInt(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, q.Get("offset"), "offset"); !ok {
		return
	}

	rows, err := h.historyRepo.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, rows)
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.historyRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	row, err := h.historyRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResponse(w, http.StatusOK, row)
}

func (h *handler) listHistoryCommands(w http.ResponseWriter, r *http.Request) {
	if h.historyRepo == nil || h.commandRepo == nil {
		jsonError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id := r.PathValue("id")
	row, err := h.historyRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	cmds, err := h.commandRepo.ListBySession(r.Context(), id, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, cmds)
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		jsonError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
