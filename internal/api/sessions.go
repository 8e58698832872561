package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"

	"github.com/user/gdbhub/internal/registry"
	"github.com/user/gdbhub/internal/session"
)

type signalRequest struct {
	Signal string `json:"signal"`
}

type deleteSessionResponse struct {
	PID       int      `json:"pid"`
	ViewerIDs []string `json:"viewer_ids"`
}

type signalResponse struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal"`
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.sessions.Snapshot()
	if infos == nil {
		infos = []session.Info{}
	}
	jsonResponse(w, http.StatusOK, infos)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathPID(w, r)
	if !ok {
		return
	}
	for _, info := range h.sessions.Snapshot() {
		if info.PID == pid {
			jsonResponse(w, http.StatusOK, info)
			return
		}
	}
	jsonError(w, http.StatusNotFound, fmt.Sprintf("no debug session with pid %d", pid))
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathPID(w, r)
	if !ok {
		return
	}
	if h.sessions.LookupPID(pid) == nil {
		jsonError(w, http.StatusNotFound, fmt.Sprintf("no debug session with pid %d", pid))
		return
	}
	viewers := h.sessions.RemoveByPID(pid)
	if h.notifier != nil && len(viewers) > 0 {
		h.notifier.NotifySessionEnded(viewers, pid, registry.ReasonKilled)
	}
	jsonResponse(w, http.StatusOK, deleteSessionResponse{PID: pid, ViewerIDs: viewers})
}

func (h *handler) signalSession(w http.ResponseWriter, r *http.Request) {
	pid, ok := pathPID(w, r)
	if !ok {
		return
	}
	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name, sig, ok := lookupSignal(req.Signal)
	if !ok {
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("unknown signal %q", req.Signal))
		return
	}
	s := h.sessions.LookupPID(pid)
	if s == nil {
		jsonError(w, http.StatusNotFound, fmt.Sprintf("no debug session with pid %d", pid))
		return
	}
	if err := s.Signal(sig); err != nil {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, signalResponse{PID: pid, Signal: name})
}

func (h *handler) listSignals(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, signalTable())
}

func pathPID(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		jsonError(w, http.StatusBadRequest, "pid must be a positive integer")
		return 0, false
	}
	return pid, true
}

// lookupSignal accepts "SIGINT", "int" or "2".
func lookupSignal(raw string) (string, syscall.Signal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false
	}
	table := signalTable()
	if n, err := strconv.Atoi(raw); err == nil {
		for name, num := range table {
			if num == n {
				return name, syscall.Signal(n), true
			}
		}
		return "", 0, false
	}
	name := strings.ToUpper(raw)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	num, ok := table[name]
	if !ok {
		return "", 0, false
	}
	return name, syscall.Signal(num), true
}
