package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jasonheron/VideoForgeBot/internal/core"
	"github.com/jasonheron/VideoForgeBot/internal/jobs"
	"github.com/jasonheron/VideoForgeBot/internal/ledger"
)

// maxCallbackBody caps how much of a callback body is read before HMAC
// verification, which must see the payload as raw bytes.
const maxCallbackBody = 1 << 20 // 1MB

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Forge-Signature"

// Server exposes the callback endpoint, health, and a small admin surface.
type Server struct {
	orch       *core.Orchestrator
	ledger     ledger.Store
	jobs       jobs.Registry
	adminToken string
	logger     *log.Logger
}

// New creates a Server. The admin token guards the operator endpoints; an
// empty token disables them entirely.
func New(orch *core.Orchestrator, ledgerStore ledger.Store, registry jobs.Registry, adminToken string) (*Server, error) {
	if orch == nil {
		return nil, errors.New("server requires an orchestrator")
	}
	if ledgerStore == nil {
		return nil, errors.New("server requires a ledger store")
	}
	if registry == nil {
		return nil, errors.New("server requires a job registry")
	}
	return &Server{
		orch:       orch,
		ledger:     ledgerStore,
		jobs:       registry,
		adminToken: adminToken,
		logger:     log.New(log.Writer(), "[forge/http] ", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/callbacks/generation", s.handleGenerationCallback)
	r.Get("/healthz", s.handleHealth)

	if s.adminToken != "" {
		r.Route("/api/v1", func(api chi.Router) {
			api.Use(s.adminMiddleware)
			api.Get("/accounts/{id}/balance", s.handleBalance)
			api.Get("/accounts/{id}/history", s.handleHistory)
			api.Post("/accounts/{id}/credits", s.handleGrantCredits)
			api.Get("/jobs/{id}", s.handleGetJob)
		})
	}
	return r
}

// handleGenerationCallback hands the raw body plus signature header to the
// orchestrator. Every internal outcome gets the same fixed acknowledgement
// so the provider cannot probe state through response variation.
func (s *Server) handleGenerationCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"status": "rejected"})
		return
	}

	if err := s.orch.HandleCallback(r.Context(), raw, r.Header.Get(SignatureHeader)); err != nil {
		if errors.Is(err, core.ErrInvalidSignature) {
			// Same generic rejection for every unverifiable request.
			s.respondJSON(w, http.StatusUnauthorized, map[string]string{"status": "rejected"})
			return
		}
		s.logger.Printf("callback processing error: %v", err)
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.jobs.PendingCount(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"pending_generations": pending,
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	balance, err := s.ledger.Balance(r.Context(), accountID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	history, err := s.ledger.History(r.Context(), accountID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id":   accountID,
		"transactions": history,
	})
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req struct {
		Credits int64  `json:"credits"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.Credits <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("credits must be positive"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator grant"
	}
	if _, err := s.ledger.Credit(r.Context(), accountID, req.Credits, reason); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), accountID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Printf("operator grant account=%s credits=%d", accountID, req.Credits)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrUnknownJob) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
