// Package api exposes the round engine over HTTP: round/bet state for
// polling, the audit endpoint, the two inbound operations and the
// websocket event stream. Participant identity arrives in the X-User-ID
// header, supplied by the surrounding session layer.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/broadcast"
	"github.com/MJE43/crash-engine-go/internal/engine"
	"github.com/MJE43/crash-engine-go/internal/fair"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// Server handles HTTP requests.
type Server struct {
	engine    *engine.Engine
	db        store.DB
	hub       *broadcast.Hub
	fairCfg   fair.Config
	log       *zap.Logger
	startTime time.Time
}

// NewServer creates a new API server.
func NewServer(eng *engine.Engine, db store.DB, hub *broadcast.Hub, fairCfg fair.Config, log *zap.Logger) *Server {
	return &Server{
		engine:    eng,
		db:        db,
		hub:       hub,
		fairCfg:   fairCfg,
		log:       log,
		startTime: time.Now(),
	}
}

// Routes sets up the HTTP routes with middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rounds/current", s.handleCurrentRound)
		r.Get("/rounds/{id}", s.handleGetRound)
		r.Get("/rounds/{id}/bets", s.handleRoundBets)
		r.Get("/rounds/{id}/audit", s.handleAudit)
		r.Post("/bets", s.handlePlaceBet)
		r.Post("/cashout", s.handleCashOut)
		r.Get("/balance", s.handleBalance)
	})

	return r
}

// writeJSON writes a JSON response with proper headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeError maps a domain error onto the structured envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := classify(err)
	requestID := middleware.GetReqID(r.Context())

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		// Internal detail stays in the log.
		err = APIError{Message: "internal error"}
	}

	s.writeJSON(w, status, APIError{
		Type:      errType,
		Message:   err.Error(),
		RequestID: requestID,
	})
}

// writeValidationError rejects a malformed request.
func (s *Server) writeValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	s.writeJSON(w, http.StatusBadRequest, APIError{
		Type:      ErrTypeValidation,
		Message:   message,
		Context:   map[string]any{"field": field},
		RequestID: middleware.GetReqID(r.Context()),
	})
}
