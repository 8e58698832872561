package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/gdbhub/internal/db"
	"github.com/user/gdbhub/internal/profile"
	"github.com/user/gdbhub/internal/session"
)

type sessionRegistry interface {
	Snapshot() []session.Info
	LookupPID(pid int) *session.Session
	RemoveByPID(pid int) []string
}

type sessionNotifier interface {
	NotifySessionEnded(viewerIDs []string, pid int, reason string)
}

type profileStore interface {
	List() []*profile.Profile
	Get(id string) *profile.Profile
}

type handler struct {
	sessions    sessionRegistry
	notifier    sessionNotifier
	profiles    profileStore
	historyRepo *db.DebugSessionRepo
	commandRepo *db.SessionCommandRepo
}

// NewRouter serves the dashboard API. conn, notifier and profiles may be nil;
// the endpoints that need them then answer 503.
func NewRouter(conn *sql.DB, sessions sessionRegistry, notifier sessionNotifier, profiles profileStore, token string) http.Handler {
	h := &handler{
		sessions: sessions,
		notifier: notifier,
		profiles: profiles,
	}
	if conn != nil {
		h.historyRepo = db.NewDebugSessionRepo(conn)
		h.commandRepo = db.NewSessionCommandRepo(conn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{pid}", h.getSession)
	mux.HandleFunc("DELETE /api/sessions/{pid}", h.deleteSession)
	mux.HandleFunc("POST /api/sessions/{pid}/signal", h.signalSession)
	mux.HandleFunc("GET /api/signals", h.listSignals)

	mux.HandleFunc("GET /api/profiles", h.listProfiles)
	mux.HandleFunc("GET /api/profiles/{id}", h.getProfile)

	mux.HandleFunc("GET /api/history", h.listHistory)
	mux.HandleFunc("GET /api/history/{id}", h.getHistory)
	mux.HandleFunc("GET /api/history/{id}/commands", h.listHistoryCommands)

	return authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
