// Package server exposes the safety layer over HTTP for the EHR front end.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/orchestrator"
)

// Server wires the orchestrator and the auth boundary into a chi router.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	orch     *orchestrator.Orchestrator
	verifier *auth.Verifier
	validate *validator.Validate

	httpServer *http.Server
}

// New builds the server and its route table.
func New(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator, verifier *auth.Verifier) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		orch:     orch,
		verifier: verifier,
		validate: validator.New(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Router returns the full route table. Exposed separately so tests can mount
// it on httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.WriteTimeout))
	if s.cfg.Server.CORSAllowAll {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware(s.writeError))

		r.Route("/ai-assistant", func(r chi.Router) {
			r.Post("/safety-check", s.handleSafetyCheck)
			r.Get("/safety-status", s.handleSafetyStatus)
			r.Post("/diagnosis-assist", s.handleDiagnosisAssist)
			r.Post("/generate-summary", s.handleGenerateSummary)
			r.Get("/audit-logs", s.handleAuditLogs)
			r.Get("/audit-logs/verify", s.handleAuditVerify)
		})

		r.Route("/enhanced-clinical", func(r chi.Router) {
			r.Post("/enhanced-pii-detection", s.handlePIIDetection)
			r.Post("/generate-patient-summary", s.handlePatientSummary)
			r.Post("/validate-clinical-reasoning", s.handleValidateReasoning)
		})
	})

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("safety layer listening", zap.String("addr", s.cfg.Server.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
