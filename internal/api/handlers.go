package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/crash-engine-go/internal/broadcast"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// userIDHeader carries the authenticated participant identity from the
// session layer.
const userIDHeader = "X-User-ID"

func (s *Server) userID(r *http.Request) (int64, bool) {
	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Spectators connect without identity; only play requires one.
	userID, _ := s.userID(r)
	broadcast.ServeWS(s.hub, w, r, userID)
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Current()
	if !ok {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// roundResponse sanitizes a round record: seed hash and crash point stay
// hidden until the round has concluded.
func roundResponse(round *store.Round) RoundResponse {
	resp := RoundResponse{
		ID:        round.ID,
		State:     round.State,
		HashIndex: round.HashIndex,
	}
	if !round.StartedAt.IsZero() {
		resp.StartedAt = round.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if round.EndedAt != nil {
		resp.EndedAt = round.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if concluded(round.State) {
		resp.SeedHash = round.SeedHash
		crashPoint := round.CrashPoint
		resp.CrashPoint = &crashPoint
	}
	return resp
}

func concluded(state store.RoundState) bool {
	return state == store.RoundEnded || state == store.RoundVoid
}

func (s *Server) roundFromPath(w http.ResponseWriter, r *http.Request) (*store.Round, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeValidationError(w, r, "id", "round id must be an integer")
		return nil, false
	}

	round, err := s.db.GetRound(id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return round, true
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, ok := s.roundFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, roundResponse(round))
}

func (s *Server) handleRoundBets(w http.ResponseWriter, r *http.Request) {
	round, ok := s.roundFromPath(w, r)
	if !ok {
		return
	}

	bets, err := s.db.BetsForRound(round.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bets == nil {
		bets = []store.Bet{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"round_id": round.ID,
		"bets":     bets,
	})
}

// handleAudit returns the revealed seed hash of a concluded round, the
// digest it must hash to, and the derivation constants, so anyone can
// recompute the crash point independently.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	round, ok := s.roundFromPath(w, r)
	if !ok {
		return
	}
	if !concluded(round.State) {
		s.writeError(w, r, store.ErrNotFound)
		return
	}

	prior, err := s.db.ChainEntry(round.HashIndex - 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, AuditResponse{
		RoundID:     round.ID,
		HashIndex:   round.HashIndex,
		SeedHash:    round.SeedHash,
		CrashPoint:  round.CrashPoint,
		PriorHash:   prior.Hash,
		FairVersion: s.fairCfg.Version,
		Salt:        s.fairCfg.Salt,
		EdgePerMill: s.fairCfg.EdgePerMillion,
	})
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		s.writeValidationError(w, r, userIDHeader, "participant identity required")
		return
	}

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeValidationError(w, r, "body", "malformed JSON body")
		return
	}
	if req.Amount <= 0 {
		s.writeValidationError(w, r, "amount", "amount must be positive")
		return
	}

	bet, err := s.engine.PlaceBet(r.Context(), userID, req.Amount, req.AutoCashoutAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bet)
}

func (s *Server) handleCashOut(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		s.writeValidationError(w, r, userIDHeader, "participant identity required")
		return
	}

	out, err := s.engine.CashOut(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		s.writeValidationError(w, r, userIDHeader, "participant identity required")
		return
	}

	balance, err := s.db.Balance(userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}
