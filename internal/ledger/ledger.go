// Package ledger serializes every balance-affecting operation of a round.
// Operations for the same (round, user) never interleave; operations for
// different users run concurrently. Each operation commits its balance
// delta and its bet row change in a single store transaction, so a debit
// never happens without a recorded bet and vice versa.
package ledger

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/store"
)

// CashOut reports one resolved cash-out, manual or automatic.
type CashOut struct {
	RoundID    int64 `json:"round_id"`
	UserID     int64 `json:"user_id"`
	Multiplier int64 `json:"multiplier"` // hundredths
	Payout     int64 `json:"payout"`
}

// Ledger owns the in-flight bet books, one per open round.
type Ledger struct {
	db  store.DB
	log *zap.Logger

	mu    sync.Mutex
	books map[int64]*roundBook
}

// roundBook tracks the bets of one round. slots is guarded by mu; each
// slot has its own lock serializing that user's operations.
type roundBook struct {
	mu    sync.Mutex
	slots map[int64]*betSlot
}

type betSlot struct {
	mu  sync.Mutex
	bet *store.Bet
}

// New creates a Ledger backed by db.
func New(db store.DB, log *zap.Logger) *Ledger {
	return &Ledger{
		db:    db,
		log:   log,
		books: make(map[int64]*roundBook),
	}
}

// OpenRound creates the bet book for a new round. Called by the engine
// when the betting window opens.
func (l *Ledger) OpenRound(roundID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.books[roundID] = &roundBook{slots: make(map[int64]*betSlot)}
}

// CloseRound drops the bet book once the round is fully settled.
func (l *Ledger) CloseRound(roundID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.books, roundID)
}

func (l *Ledger) book(roundID int64) *roundBook {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.books[roundID]
}

func (b *roundBook) slot(userID int64) *betSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.slots[userID]
	if !ok {
		s = &betSlot{}
		b.slots[userID] = s
	}
	return s
}

// payoutFor computes amount x multiplier rounded down to a whole minor
// unit. Multiplier is in hundredths.
func payoutFor(amount, multiplier int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(multiplier)).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
}

// PlaceBet debits the stake and records the bet. The engine has already
// checked the round is in its betting window; the ledger enforces the
// one-bet-per-user rule and the atomic debit.
func (l *Ledger) PlaceBet(ctx context.Context, roundID, userID, amount int64, autoCashoutAt *int64) (*store.Bet, error) {
	if amount <= 0 {
		return nil, errors.Wrap(ErrInvalidBet, "amount must be positive")
	}
	if autoCashoutAt != nil && *autoCashoutAt <= 100 {
		return nil, errors.Wrap(ErrInvalidBet, "auto cashout must exceed 1.00x")
	}

	book := l.book(roundID)
	if book == nil {
		return nil, ErrInvalidState
	}

	slot := book.slot(userID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.bet != nil {
		return nil, ErrDuplicateBet
	}

	bet := &store.Bet{
		RoundID:       roundID,
		UserID:        userID,
		Amount:        amount,
		AutoCashoutAt: autoCashoutAt,
	}

	if err := l.db.PlaceBet(ctx, bet); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateBet):
			return nil, ErrDuplicateBet
		case errors.Is(err, store.ErrInsufficientBalance):
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	slot.bet = bet
	l.log.Debug("bet placed",
		zap.Int64("round_id", roundID),
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
	)
	return bet, nil
}

// CashOut resolves a bet at the given multiplier, credits the payout and
// records the cash-out. Exactly-once: a second call for the same bet
// fails with ErrAlreadyCashedOut.
func (l *Ledger) CashOut(ctx context.Context, roundID, userID, multiplier int64) (*CashOut, error) {
	book := l.book(roundID)
	if book == nil {
		return nil, ErrInvalidState
	}
	return l.cashOutSlot(ctx, roundID, book.slot(userID), userID, multiplier)
}

func (l *Ledger) cashOutSlot(ctx context.Context, roundID int64, slot *betSlot, userID, multiplier int64) (*CashOut, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.bet == nil {
		return nil, ErrNoBet
	}
	if slot.bet.CashedOutAt != nil || slot.bet.Payout != nil {
		return nil, ErrAlreadyCashedOut
	}

	payout := payoutFor(slot.bet.Amount, multiplier)
	if err := l.db.CashOutBet(ctx, roundID, userID, multiplier, payout); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAlreadyCashedOut
		}
		return nil, err
	}

	m := multiplier
	p := payout
	slot.bet.CashedOutAt = &m
	slot.bet.Payout = &p

	l.log.Debug("cashed out",
		zap.Int64("round_id", roundID),
		zap.Int64("user_id", userID),
		zap.Int64("multiplier", multiplier),
		zap.Int64("payout", payout),
	)
	return &CashOut{RoundID: roundID, UserID: userID, Multiplier: multiplier, Payout: payout}, nil
}

// AutoCashOuts resolves every open bet whose auto-cashout threshold has
// been reached by liveMultiplier and lies below the crash point. Each bet
// pays at its requested threshold, through the same path and race rules
// as a manual cash-out. Failures are logged and skipped; the bet settles
// as a loss at round end if it never resolves.
func (l *Ledger) AutoCashOuts(ctx context.Context, roundID, liveMultiplier, crashPoint int64) []CashOut {
	book := l.book(roundID)
	if book == nil {
		return nil
	}

	type due struct {
		slot   *betSlot
		userID int64
		at     int64
	}

	book.mu.Lock()
	var candidates []due
	for userID, slot := range book.slots {
		candidates = append(candidates, due{slot: slot, userID: userID})
	}
	book.mu.Unlock()

	var resolved []CashOut
	for _, c := range candidates {
		c.slot.mu.Lock()
		bet := c.slot.bet
		ok := bet != nil && bet.CashedOutAt == nil && bet.Payout == nil &&
			bet.AutoCashoutAt != nil && *bet.AutoCashoutAt <= liveMultiplier &&
			*bet.AutoCashoutAt < crashPoint
		if ok {
			c.at = *bet.AutoCashoutAt
		}
		c.slot.mu.Unlock()
		if !ok {
			continue
		}

		out, err := l.cashOutSlot(ctx, roundID, c.slot, c.userID, c.at)
		if err != nil {
			if !errors.Is(err, ErrAlreadyCashedOut) {
				l.log.Error("auto cashout failed",
					zap.Int64("round_id", roundID),
					zap.Int64("user_id", c.userID),
					zap.Error(err),
				)
			}
			continue
		}
		resolved = append(resolved, *out)
	}
	return resolved
}

// SettleRound marks every unresolved bet of the round as a loss. Invoked
// once by the engine on entering the ended state. Taking every slot lock
// first guarantees no cash-out is still in flight.
func (l *Ledger) SettleRound(ctx context.Context, roundID int64) (int64, error) {
	book := l.book(roundID)
	if book == nil {
		return 0, nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	zero := int64(0)
	var open []*store.Bet
	for _, slot := range book.slots {
		slot.mu.Lock()
		if slot.bet != nil && slot.bet.CashedOutAt == nil && slot.bet.Payout == nil {
			open = append(open, slot.bet)
		}
		slot.mu.Unlock()
	}

	settled, err := l.db.SettleLosses(ctx, roundID)
	if err != nil {
		return 0, errors.Wrapf(err, "settle round %d", roundID)
	}

	for _, bet := range open {
		bet.Payout = &zero
	}

	l.log.Info("round settled",
		zap.Int64("round_id", roundID),
		zap.Int64("losses", settled),
	)
	return settled, nil
}

// VoidRound refunds every unresolved bet. Used when the process shuts
// down with a round still in flight: no partial round is silently
// dropped.
func (l *Ledger) VoidRound(ctx context.Context, roundID int64) error {
	book := l.book(roundID)
	if book == nil {
		return nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	var firstErr error
	for userID, slot := range book.slots {
		slot.mu.Lock()
		open := slot.bet != nil && slot.bet.CashedOutAt == nil && slot.bet.Payout == nil
		if open {
			if err := l.db.RefundBet(ctx, roundID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
				if firstErr == nil {
					firstErr = err
				}
				l.log.Error("refund failed",
					zap.Int64("round_id", roundID),
					zap.Int64("user_id", userID),
					zap.Error(err),
				)
			} else {
				amount := slot.bet.Amount
				slot.bet.Payout = &amount
			}
		}
		slot.mu.Unlock()
	}

	return firstErr
}

// OpenBets returns the bets of the round that have not resolved yet.
func (l *Ledger) OpenBets(roundID int64) []store.Bet {
	book := l.book(roundID)
	if book == nil {
		return nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	var open []store.Bet
	for _, slot := range book.slots {
		slot.mu.Lock()
		if slot.bet != nil && slot.bet.CashedOutAt == nil && slot.bet.Payout == nil {
			open = append(open, *slot.bet)
		}
		slot.mu.Unlock()
	}
	return open
}
