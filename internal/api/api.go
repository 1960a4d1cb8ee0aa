// Package api provides HTTP handlers and the main API server logic for consultflow.
//
// It exposes RESTful endpoints for submitting consultation requests, walking
// the branching questionnaire, expert registration and replies, match
// lifecycle actions, and in-app notifications. The API integrates the flow,
// matching, lifecycle, and genai modules over a shared store.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dungji-market/consultflow/internal/flow"
	"github.com/dungji-market/consultflow/internal/genai"
	"github.com/dungji-market/consultflow/internal/lifecycle"
	"github.com/dungji-market/consultflow/internal/matching"
	"github.com/dungji-market/consultflow/internal/models"
	"github.com/dungji-market/consultflow/internal/store"
)

const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultPendingWindow is how long a pending match stays visible in the
	// expert inbox before it is hidden as stale.
	DefaultPendingWindow = 7 * 24 * time.Hour
	// summarizeTimeout bounds the best-effort AI assist call during submission.
	summarizeTimeout = 15 * time.Second
)

// Summarizer is the AI assistance boundary. Nil means assistance is disabled.
type Summarizer interface {
	SummarizeConsultation(ctx context.Context, content string, availableTypes []string) (*genai.Assist, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	PendingWindow time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPendingWindow sets how long pending matches stay visible to experts.
func WithPendingWindow(d time.Duration) Option {
	return func(o *Opts) { o.PendingWindow = d }
}

// Server wires the consultation modules behind HTTP handlers.
type Server struct {
	st        store.Store
	flows     *flow.Cache
	matcher   *matching.Engine
	lifecycle *lifecycle.Engine
	ai        Summarizer

	addr          string
	pendingWindow time.Duration
}

// NewServer creates an API server. The summarizer may be nil, disabling the
// AI assist paths.
func NewServer(st store.Store, flows *flow.Cache, matcher *matching.Engine, lc *lifecycle.Engine, ai Summarizer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, PendingWindow: DefaultPendingWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = DefaultPendingWindow
	}
	return &Server{
		st:            st,
		flows:         flows,
		matcher:       matcher,
		lifecycle:     lc,
		ai:            ai,
		addr:          cfg.Addr,
		pendingWindow: cfg.PendingWindow,
	}
}

// Handler returns the server's route table. Exposed separately from Run so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /consultations", s.submitConsultationHandler)
	mux.HandleFunc("GET /consultations", s.listConsultationsHandler)
	mux.HandleFunc("POST /consultations/ai-assist", s.aiAssistHandler)
	mux.HandleFunc("GET /consultations/{id}", s.getConsultationHandler)
	mux.HandleFunc("GET /consultations/{id}/experts", s.consultationExpertsHandler)
	mux.HandleFunc("POST /consultations/{id}/experts/{expertID}/connect", s.connectExpertHandler)
	mux.HandleFunc("POST /consultations/{id}/complete", s.completeConsultationHandler)
	mux.HandleFunc("POST /consultations/{id}/cancel", s.cancelConsultationHandler)
	mux.HandleFunc("POST /consultations/{id}/status", s.updateConsultationStatusHandler)

	mux.HandleFunc("GET /categories/{id}/flow", s.categoryFlowHandler)
	mux.HandleFunc("POST /categories/{id}/flow/visible", s.visibleStepsHandler)

	mux.HandleFunc("POST /experts", s.createExpertHandler)
	mux.HandleFunc("GET /experts/{id}", s.getExpertHandler)
	mux.HandleFunc("PATCH /experts/{id}/receiving", s.setExpertReceivingHandler)
	mux.HandleFunc("GET /experts/{id}/requests", s.expertInboxHandler)

	mux.HandleFunc("POST /matches/{id}/reply", s.replyMatchHandler)
	mux.HandleFunc("POST /matches/{id}/complete", s.completeMatchHandler)

	mux.HandleFunc("GET /notifications", s.listNotificationsHandler)
	mux.HandleFunc("GET /health", s.healthHandler)

	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: consultflow API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// statusForError maps the models sentinel errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrRequestNotFound),
		errors.Is(err, models.ErrMatchNotFound),
		errors.Is(err, models.ErrExpertNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidCategory),
		errors.Is(err, models.ErrMissingRequiredStep),
		errors.Is(err, models.ErrUnknownOption),
		errors.Is(err, models.ErrEmptyCustomInput),
		errors.Is(err, models.ErrEmptyContent),
		errors.Is(err, models.ErrContentTooLong),
		errors.Is(err, models.ErrEmptyCustomerPhone):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
