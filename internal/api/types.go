package api

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/MJE43/crash-engine-go/internal/chain"
	"github.com/MJE43/crash-engine-go/internal/ledger"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// APIError is the structured error envelope returned on every rejected
// request.
type APIError struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e APIError) Error() string {
	return e.Message
}

// Error types, categorized.
const (
	// Rejected requests, client-visible, no state change.
	ErrTypeInvalidState        = "invalid_state"
	ErrTypeDuplicateBet        = "duplicate_bet"
	ErrTypeNoBet               = "no_bet"
	ErrTypeAlreadyCashedOut    = "already_cashed_out"
	ErrTypeRoundCrashed        = "round_already_crashed"
	ErrTypeInsufficientBalance = "insufficient_balance"
	ErrTypeValidation          = "validation_error"
	ErrTypeNotFound            = "not_found"

	// Operational.
	ErrTypeLedgerUnavailable = "ledger_unavailable"
	ErrTypeChainExhausted    = "chain_exhausted"
	ErrTypeInternal          = "internal_error"
)

// classify maps a domain error to its HTTP status and error type. The
// message passed through is the sentinel's own text; nothing about
// unrevealed hashes or upcoming crash points ever reaches a client.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidBet):
		return http.StatusBadRequest, ErrTypeValidation
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict, ErrTypeInvalidState
	case errors.Is(err, ledger.ErrDuplicateBet):
		return http.StatusConflict, ErrTypeDuplicateBet
	case errors.Is(err, ledger.ErrNoBet):
		return http.StatusConflict, ErrTypeNoBet
	case errors.Is(err, ledger.ErrAlreadyCashedOut):
		return http.StatusConflict, ErrTypeAlreadyCashedOut
	case errors.Is(err, ledger.ErrRoundCrashed):
		return http.StatusConflict, ErrTypeRoundCrashed
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, ErrTypeInsufficientBalance
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrTypeNotFound
	case errors.Is(err, store.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, ErrTypeLedgerUnavailable
	case errors.Is(err, chain.ErrChainExhausted):
		return http.StatusServiceUnavailable, ErrTypeChainExhausted
	default:
		return http.StatusInternalServerError, ErrTypeInternal
	}
}

// PlaceBetRequest is the inbound place_bet operation.
type PlaceBetRequest struct {
	Amount        int64  `json:"amount"`
	AutoCashoutAt *int64 `json:"auto_cashout_at,omitempty"`
}

// RoundResponse is a persisted round as shown to clients. SeedHash and
// CrashPoint are withheld until the round has concluded.
type RoundResponse struct {
	ID         int64            `json:"id"`
	State      store.RoundState `json:"state"`
	HashIndex  int64            `json:"hash_index"`
	SeedHash   string           `json:"seed_hash,omitempty"`
	CrashPoint *int64           `json:"crash_point,omitempty"`
	StartedAt  string           `json:"started_at,omitempty"`
	EndedAt    string           `json:"ended_at,omitempty"`
}

// AuditResponse carries everything needed to independently recompute a
// concluded round's outcome: the revealed seed hash, the digest it must
// hash to, and the derivation constants in force.
type AuditResponse struct {
	RoundID     int64  `json:"round_id"`
	HashIndex   int64  `json:"hash_index"`
	SeedHash    string `json:"seed_hash"`
	CrashPoint  int64  `json:"crash_point"`
	PriorHash   string `json:"prior_hash"`
	FairVersion string `json:"fair_version"`
	Salt        string `json:"salt"`
	EdgePerMill int64  `json:"edge_per_million"`
}
