// Package server assembles the debugger hub: session registry, relay loop,
// websocket gateway, dashboard API and history store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/gdbhub/internal/api"
	"github.com/user/gdbhub/internal/config"
	"github.com/user/gdbhub/internal/db"
	"github.com/user/gdbhub/internal/hub"
	"github.com/user/gdbhub/internal/profile"
	"github.com/user/gdbhub/internal/pty"
	"github.com/user/gdbhub/internal/registry"
	"github.com/user/gdbhub/internal/relay"
)

type Server struct {
	cfg        *config.Config
	database   *db.DB
	registry   *registry.Registry
	loop       *relay.Loop
	hub        *hub.Hub
	httpServer *http.Server
	closeOnce  sync.Once
}

type healthResponse struct {
	OK       bool `json:"ok"`
	Sessions int  `json:"sessions"`
	Viewers  int  `json:"viewers"`
}

// New opens the history store and builds every component. The relay loop
// starts with the first attached session; the hub starts with Start.
func New(ctx context.Context, cfg *config.Config, opener pty.Opener) (*Server, error) {
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	recorder := db.NewRecorder(database)
	if err := recorder.Recover(ctx); err != nil {
		slog.Warn("failed to close abandoned history rows", "error", err)
	}

	profiles, err := profile.NewRegistry(cfg.ProfilesDir)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("load launch profiles: %w", err)
	}

	reg := registry.New(opener, registry.Options{History: recorder})
	handler := &sessionHandler{
		registry:       reg,
		profiles:       profiles,
		commands:       recorder,
		defaultCommand: cfg.DefaultCommand(),
		miVersion:      cfg.MIVersion,
	}
	gateway := hub.New(handler, hub.Options{Token: cfg.Token, BatchInterval: cfg.BatchInterval})
	handler.notifier = gateway

	loop := relay.New(reg, gateway, relay.Options{Interval: cfg.PollInterval})
	reg.SetRelay(loop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.HandleWebSocket)
	mux.Handle("/api/", api.NewRouter(database.SQL(), reg, gateway, profiles, cfg.Token))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{OK: true, Sessions: reg.Len(), Viewers: gateway.ClientCount()})
	})

	return &Server{
		cfg:      cfg,
		database: database,
		registry: reg,
		loop:     loop,
		hub:      gateway,
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler exposes the HTTP routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down: the HTTP listener
// first, then every debug session, then the relay loop and the database.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		serveErr = s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	s.Close()
	return serveErr
}

// Close terminates every session and releases the history store. Safe to
// call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.hub.FlushPendingOutput()
		s.registry.Close()
		s.loop.Close()
		if err := s.database.Close(); err != nil {
			slog.Warn("failed to close history store", "error", err)
		}
	})
}
