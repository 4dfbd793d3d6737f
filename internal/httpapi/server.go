// ABOUTME: HTTP adapter: chi router wiring the JSON API to the chat engine
// ABOUTME: Serves CRUD and queries; real-time push is the TCP adapter's job

package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/ratelimit"
	"github.com/lairchat/lair/internal/session"
)

// Config holds HTTP adapter settings.
type Config struct {
	Addr    string
	TLSCert string // optional; with TLSKey enables TLS termination
	TLSKey  string

	AuthPerMinute float64 // login/register limit per IP, default 10
	APIPerMinute  float64 // general API limit per principal, default 300
}

func (c Config) withDefaults() Config {
	if c.AuthPerMinute == 0 {
		c.AuthPerMinute = 10
	}
	if c.APIPerMinute == 0 {
		c.APIPerMinute = 300
	}
	return c
}

// Server is the HTTP adapter.
type Server struct {
	engine   *chat.Engine
	sessions *session.Manager
	cfg      Config
	logger   *slog.Logger
	started  time.Time

	authLimiter *ratelimit.Keyed
	apiLimiter  *ratelimit.Keyed

	router chi.Router
}

// New creates the HTTP server and builds its route tree.
func New(engine *chat.Engine, sessions *session.Manager, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		engine:      engine,
		sessions:    sessions,
		cfg:         cfg,
		logger:      logger.With("component", "http"),
		started:     time.Now(),
		authLimiter: ratelimit.New(cfg.AuthPerMinute, int(cfg.AuthPerMinute)),
		apiLimiter:  ratelimit.New(cfg.APIPerMinute, int(cfg.APIPerMinute)),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the route tree (used by tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes builds the middleware chain and endpoint families.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated auth endpoints, rate limited per IP.
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(s.authLimiter, "auth"))
			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)
		})

		// Bearer-authenticated API.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.sessions, s.logger))
			r.Use(RateLimit(s.apiLimiter, "api"))

			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/refresh", s.handleRefresh)
			r.Get("/users/profile", s.handleProfile)

			r.Get("/rooms", s.handleListRooms)
			r.Post("/rooms", s.handleCreateRoom)
			r.Get("/rooms/{id}", s.handleGetRoom)
			r.Get("/rooms/{id}/messages", s.handleRoomMessages)
			r.Get("/rooms/{id}/members", s.handleRoomMembers)
			r.Post("/rooms/{id}/join", s.handleJoinRoom)
			r.Post("/rooms/{id}/leave", s.handleLeaveRoom)
			r.Post("/rooms/{id}/invitations", s.handleInvite)
			r.Post("/rooms/direct", s.handleOpenDirect)

			r.Get("/invitations", s.handleListInvitations)
			r.Post("/invitations/{id}/respond", s.handleRespondInvitation)
			r.Delete("/invitations/{id}", s.handleRevokeInvitation)

			r.Post("/messages", s.handlePostMessage)
			r.Patch("/messages/{id}", s.handleEditMessage)
			r.Delete("/messages/{id}", s.handleDeleteMessage)

			// Admin family.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin(s.logger))
				r.Get("/admin/users", s.handleAdminUsers)
				r.Get("/admin/audit", s.handleAdminAudit)
				r.Get("/admin/stats", s.handleAdminStats)
				r.Post("/admin/users/{id}/revoke", s.handleAdminRevoke)
			})
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. TLS is
// terminated here when cert and key files are configured; otherwise an
// upstream proxy owns it and the adapter speaks plaintext.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			s.logger.Info("HTTP server listening with TLS", "addr", s.cfg.Addr)
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Close releases adapter resources.
func (s *Server) Close() {
	s.authLimiter.Close()
	s.apiLimiter.Close()
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}
