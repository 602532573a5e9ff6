/*
server.go - HTTP router and wiring

PURPOSE:
  Configures the chi router, the middleware stack and the route table.

MIDDLEWARE STACK:
  1. Recoverer:       panic becomes 500, process survives
  2. RequestID:       per-request id for tracing
  3. requestLogger:   structured log + latency histogram
  4. CORS
  5. globalRateLimit: per-IP volume cap (fails open)

ROUTE GROUPS:
  /api/auth/*          signup, login, refresh, logout
  /api/accounts/*      balance, statement, MFA, pix keys, erasure
  /api/transactions/*  deposit, withdraw, transfer, pix
  /api/admin/*         integrity verification
  /health, /metrics    operational surface

SEE ALSO:
  - handlers.go: handler implementations
  - middleware.go: auth and rate limiting
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/brasa/corebank/cache"
	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/metrics"
	"github.com/brasa/corebank/security"
)

// Server holds the HTTP surface's dependencies.
type Server struct {
	engine      *ledger.Engine
	store       ledger.Store
	tokens      *security.TokenIssuer
	revocations cache.RevocationList

	loginLimiter  cache.RateLimiter
	globalLimiter cache.RateLimiter
	cachePing     cache.Pinger
	integrity     *ledger.IntegrityState

	metrics  *metrics.Metrics
	log      *zap.Logger
	validate *validator.Validate

	totpIssuer  string
	corsOrigins []string
}

// Deps wires the Server. Engine, Store and Tokens are required.
type Deps struct {
	Engine        *ledger.Engine
	Store         ledger.Store
	Tokens        *security.TokenIssuer
	Revocations   cache.RevocationList
	LoginLimiter  cache.RateLimiter
	GlobalLimiter cache.RateLimiter
	CachePing     cache.Pinger
	Integrity     *ledger.IntegrityState
	Metrics       *metrics.Metrics
	Log           *zap.Logger
	TOTPIssuer    string
	CORSOrigins   []string
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.TOTPIssuer == "" {
		d.TOTPIssuer = "corebank"
	}
	return &Server{
		engine:        d.Engine,
		store:         d.Store,
		tokens:        d.Tokens,
		revocations:   d.Revocations,
		loginLimiter:  d.LoginLimiter,
		globalLimiter: d.GlobalLimiter,
		cachePing:     d.CachePing,
		integrity:     d.Integrity,
		metrics:       d.Metrics,
		log:           d.Log,
		validate:      validator.New(),
		totpIssuer:    d.TOTPIssuer,
		corsOrigins:   d.CORSOrigins,
	}
}

// Router builds the route table.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(s.globalRateLimit)

	r.Get("/health", s.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", s.Signup)
			r.With(s.loginRateLimit).Post("/login", s.Login)
			r.Post("/refresh", s.Refresh)
			r.With(s.authenticate).Post("/logout", s.Logout)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/me", s.GetAccount)
			r.Get("/me/balance", s.GetBalance)
			r.Get("/me/statement", s.GetStatement)
			r.Get("/me/mfa/setup", s.MFASetup)
			r.Post("/me/mfa/enable", s.EnableMFA)
			r.Post("/me/pix-keys", s.RegisterPixKey)
			r.Delete("/me", s.AnonymizeUser)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/deposit", s.Deposit)
			r.Post("/withdraw", s.Withdraw)
			r.Post("/transfer", s.Transfer)
			r.Post("/pix", s.Pix)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/integrity", s.VerifyIntegrity)
		})
	})

	return r
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, field string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message, Field: field}})
}

// writeDomainError maps a ledger error to its HTTP shape.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch ledger.Classify(err) {
	case ledger.KindValidation:
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), "")
	case ledger.KindUnauthenticated:
		s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials", "")
	case ledger.KindMFASetupRequired:
		s.writeError(w, http.StatusForbidden, "MFA_SETUP_REQUIRED", "second factor enrollment required", "")
	case ledger.KindMFARequired:
		s.writeError(w, http.StatusUnauthorized, "MFA_REQUIRED", "valid one-time code required", "")
	case ledger.KindFraudVerification:
		s.writeError(w, http.StatusUnauthorized, "FRAUD_VERIFICATION_REQUIRED", "additional verification required", "")
	case ledger.KindPolicy:
		s.writeError(w, http.StatusForbidden, "POLICY_VIOLATION", err.Error(), "")
	case ledger.KindNotFound:
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), "")
	case ledger.KindConflict:
		s.writeError(w, http.StatusConflict, "CONFLICT", err.Error(), "")
	case ledger.KindUnprocessable:
		s.writeError(w, http.StatusUnprocessableEntity, "UNPROCESSABLE", err.Error(), "")
	case ledger.KindRateLimited:
		s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error(), "")
	default:
		s.log.Error("internal error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", "")
	}
}

// decodeAndValidate parses the JSON body and runs struct validation.
// Returns false after writing the error response.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", "malformed request body", "")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		field := ""
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Field()
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", field)
		return false
	}
	return true
}
