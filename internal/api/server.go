package api

import (
	"log/slog"
	"net/http"

	"github.com/flowpbx/telecore/internal/audio"
	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/calllog"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/sipcs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config carries the HTTP surface settings.
type Config struct {
	// Secret signs UI session tokens.
	Secret []byte

	// User and Password are the UI login credentials. Login is disabled
	// when either is empty.
	User     string
	Password string
}

// RegistrationSource exposes upstream SIP registration state to the
// status endpoint.
type RegistrationSource interface {
	RegistrationState() sipcs.RegistrationState
}

// Dialer resolves the connection service and account used for calls
// placed through the HTTP surface.
type Dialer interface {
	Service() call.Service
	Account() *call.Account
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	reg     *registry.Registry
	routes  *audio.RouteSM
	history *calllog.Store
	dialer  Dialer
	sip     RegistrationSource
	hub     *Hub
	cfg     Config
	logger  *slog.Logger

	apiLimiter   *ipRateLimiter
	loginLimiter *ipRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. history,
// dialer and sip may be nil; the matching endpoints then return 503.
func NewServer(reg *registry.Registry, routes *audio.RouteSM, history *calllog.Store, dialer Dialer, sip RegistrationSource, hub *Hub, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		reg:          reg,
		routes:       routes,
		history:      history,
		dialer:       dialer,
		sip:          sip,
		hub:          hub,
		cfg:          cfg,
		logger:       logger.With("subsystem", "api"),
		apiLimiter:   newIPRateLimiter(20, 40),
		loginLimiter: newIPRateLimiter(5, 10),
	}

	s.mountRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.stop()
	s.loginLimiter.stop()
}

// mountRoutes configures all middleware and mounts all route groups.
func (s *Server) mountRoutes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.With(rateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		// Everything else requires a session token.
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(s.apiLimiter))
			r.Use(s.requireAuth)

			r.Get("/state", s.handleState)
			r.Get("/registration", s.handleRegistration)
			r.Get("/ws", s.handleWS)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handlePlaceCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/answer", s.handleAnswer)
					r.Post("/reject", s.handleReject)
					r.Post("/disconnect", s.handleDisconnect)
					r.Post("/hold", s.handleHold)
					r.Post("/unhold", s.handleUnhold)
					r.Post("/dtmf", s.handleDTMF)
					r.Post("/conference", s.handleConference)
				})
			})

			r.Route("/audio", func(r chi.Router) {
				r.Get("/", s.handleGetAudio)
				r.Post("/route", s.handleSetRoute)
				r.Post("/mute", s.handleSetMute)
			})

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleHistory)
				r.Get("/missed", s.handleMissedHistory)
				r.Delete("/", s.handlePurgeHistory)
			})
		})
	})
}
