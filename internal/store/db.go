package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrLedgerUnavailable is returned when a transactional operation could not
// commit after the bounded retry budget was exhausted.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// ErrInsufficientBalance is returned when a debit would take an account
// below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrDuplicateBet is returned when a second bet is inserted for the same
// (round, user) pair.
var ErrDuplicateBet = errors.New("duplicate bet")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RoundState tracks a round through its lifecycle.
type RoundState string

const (
	RoundStarting   RoundState = "starting"
	RoundInProgress RoundState = "in_progress"
	RoundEnded      RoundState = "ended"
	// RoundVoid marks a round that was interrupted by shutdown before it
	// could resolve. Open bets on a void round are refunded.
	RoundVoid RoundState = "void"
)

// ChainEntry is one digest of the pre-committed hash chain.
type ChainEntry struct {
	Index int64  `json:"index" db:"idx"`
	Hash  string `json:"hash" db:"hash"`
}

// Round is a single betting round. Immutable after creation except for
// State and EndedAt; retained permanently for audit.
type Round struct {
	ID         int64      `json:"id" db:"id"`
	HashIndex  int64      `json:"hash_index" db:"hash_index"`
	SeedHash   string     `json:"seed_hash" db:"seed_hash"`
	CrashPoint int64      `json:"crash_point" db:"crash_point"` // hundredths; 0 = instant bust
	State      RoundState `json:"state" db:"state"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// Bet is a participant's stake in one round. Amounts and payouts are in
// minor currency units; multipliers are fixed-point hundredths.
type Bet struct {
	RoundID       int64  `json:"round_id" db:"round_id"`
	UserID        int64  `json:"user_id" db:"user_id"`
	Amount        int64  `json:"amount" db:"amount"`
	AutoCashoutAt *int64 `json:"auto_cashout_at,omitempty" db:"auto_cashout_at"`
	CashedOutAt   *int64 `json:"cashed_out_at,omitempty" db:"cashed_out_at"`
	Payout        *int64 `json:"payout,omitempty" db:"payout"`
}

// DB is the persistence boundary for rounds, bets, the hash chain and the
// balance ledger. Balance-affecting operations are transactional: the
// balance delta and the bet row change commit or roll back together.
type DB interface {
	Close() error
	Migrate() error

	// Hash chain. Append-only, generated ahead of play.
	AppendChainEntries(entries []ChainEntry) error
	ChainEntry(index int64) (ChainEntry, error)
	ChainLength() (int64, error)

	// Rounds.
	InsertRound(r *Round) error
	SetRoundState(id int64, state RoundState, endedAt *time.Time) error
	GetRound(id int64) (*Round, error)
	MaxHashIndexUsed() (int64, bool, error)

	// Bets and the balance ledger. Each call is a single transaction
	// with bounded retry on transient conflicts.
	PlaceBet(ctx context.Context, bet *Bet) error
	CashOutBet(ctx context.Context, roundID, userID, multiplier, payout int64) error
	SettleLosses(ctx context.Context, roundID int64) (int64, error)
	RefundBet(ctx context.Context, roundID, userID int64) error
	BetsForRound(roundID int64) ([]Bet, error)

	// Accounts.
	Balance(userID int64) (int64, error)
	Deposit(ctx context.Context, userID, amount int64) error
}
