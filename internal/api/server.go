package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carephone/carephone/internal/api/middleware"
	"github.com/carephone/carephone/internal/callsession"
	"github.com/carephone/carephone/internal/database"
	"github.com/carephone/carephone/internal/database/models"
	"github.com/carephone/carephone/internal/nag"
	"github.com/carephone/carephone/internal/policy"
	"github.com/carephone/carephone/internal/sip"
)

// CallController runs the phone's single call.
type CallController interface {
	Current() *callsession.CallSession
	Subscribe() (<-chan *callsession.CallSession, func())
	PlaceCall(ctx context.Context, number string) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleSpeaker() (bool, error)
	ToggleMute() (bool, error)
}

// MissedCallSource publishes the unread missed-call set.
type MissedCallSource interface {
	Active() []models.CallLogEntry
	Subscribe() (<-chan []models.CallLogEntry, func())
}

// Nagger is the missed-call reminder scheduler.
type Nagger interface {
	Status() nag.Status
	Subscribe() (<-chan nag.Status, func())
	DismissAll(ctx context.Context) error
	Dismiss(ctx context.Context, id int64) error
}

// PolicyStore holds the carer-edited policy.
type PolicyStore interface {
	Snapshot() policy.Snapshot
	Update(ctx context.Context, fn func(*policy.Snapshot)) (policy.Snapshot, error)
}

// RegistrationSource reports the SIP account registration.
type RegistrationSource interface {
	Registration() sip.RegistrationStatus
}

// Config holds the dependencies of the HTTP API.
type Config struct {
	Calls        CallController
	Missed       MissedCallSource
	Nag          Nagger
	Policy       PolicyStore
	Contacts     database.ContactRepository
	CallLog      database.CallLogRepository
	Registration RegistrationSource
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer    prometheus.Gatherer
	JWTSecret   []byte
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router       *chi.Mux
	calls        CallController
	missed       MissedCallSource
	nag          Nagger
	policy       PolicyStore
	contacts     database.ContactRepository
	callLog      database.CallLogRepository
	registration RegistrationSource
	gatherer     prometheus.Gatherer
	jwtSecret    []byte
	origins      middleware.OriginPolicy
	logger       *slog.Logger

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:       chi.NewRouter(),
		calls:        cfg.Calls,
		missed:       cfg.Missed,
		nag:          cfg.Nag,
		policy:       cfg.Policy,
		contacts:     cfg.Contacts,
		callLog:      cfg.CallLog,
		registration: cfg.Registration,
		gatherer:     cfg.Gatherer,
		jwtSecret:    cfg.JWTSecret,
		origins:      middleware.NewOriginPolicy(cfg.CORSOrigins),
		logger:       logger.With("subsystem", "api"),
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.loginLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(s.origins.CORS())

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		// Phone screen. The UI runs on the device itself.
		r.Route("/call", func(r chi.Router) {
			r.Get("/", s.handleGetCall)
			r.Post("/place", s.handlePlaceCall)
			r.Post("/answer", s.handleAnswer)
			r.Post("/reject", s.handleReject)
			r.Post("/end", s.handleEndCall)
			r.Post("/speaker", s.handleToggleSpeaker)
			r.Post("/mute", s.handleToggleMute)
		})
		r.Get("/missed-calls", s.handleListMissedCalls)
		r.Get("/registration", s.handleRegistration)
		r.Get("/events", s.handleEvents)

		// Carer routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCarerAuth(s.jwtSecret))

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleListContacts)
				r.Post("/", s.handleCreateContact)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetContact)
					r.Put("/", s.handleUpdateContact)
					r.Delete("/", s.handleDeleteContact)
				})
			})

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
			r.Get("/call-log", s.handleListCallLog)

			r.Post("/missed-calls/dismiss", s.handleDismissAll)
			r.Post("/missed-calls/{id}/dismiss", s.handleDismiss)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
