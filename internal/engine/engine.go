// Package engine drives the round lifecycle. A single goroutine owns the
// state machine (starting -> in_progress -> ended -> next round), so
// state and crash point never race; bet and cash-out requests arrive from
// many goroutines and are serialized further down by the ledger.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/chain"
	"github.com/MJE43/crash-engine-go/internal/fair"
	"github.com/MJE43/crash-engine-go/internal/ledger"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// Event types pushed to viewers. Delivery is best-effort; viewers can
// always reconcile by polling round state.
const (
	EventRoundStarting = "round_starting"
	EventRoundStarted  = "round_started"
	EventBetPlaced     = "bet_placed"
	EventCashedOut     = "cashed_out"
	EventRoundCrashed  = "round_crashed"
)

// Broadcaster fans out state-change events to connected viewers. One-way;
// a lost broadcast never affects engine or ledger correctness.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Config holds the lifecycle timings.
type Config struct {
	// BettingWindow is how long the betting phase stays open.
	BettingWindow time.Duration `yaml:"betting_window"`
	// Cooldown is the pause after a crash before the next round.
	Cooldown time.Duration `yaml:"cooldown"`
	// TickInterval is how often auto-cashouts are evaluated during play.
	TickInterval time.Duration `yaml:"tick_interval"`
	// Growth overrides the per-millisecond exponential growth rate of
	// the live multiplier. Leave zero for the standard curve.
	Growth float64 `yaml:"growth,omitempty"`
}

func (c *Config) withDefaults() {
	if c.BettingWindow <= 0 {
		c.BettingWindow = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 3 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.Growth <= 0 {
		c.Growth = growthPerMs
	}
}

// Phase is the live lifecycle state of the engine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseBetting
	PhaseRunning
	PhaseEnded
)

// Snapshot is the externally visible state of the active round. It never
// carries the crash point or the seed hash of an unresolved round.
type Snapshot struct {
	RoundID    int64            `json:"round_id"`
	State      store.RoundState `json:"state"`
	StartsAt   *time.Time       `json:"starts_at,omitempty"`
	ElapsedMs  int64            `json:"elapsed_ms,omitempty"`
	Multiplier int64            `json:"multiplier,omitempty"`
}

// Engine orchestrates chain, deriver, ledger and broadcaster. It is the
// sole owner of the active round.
type Engine struct {
	cfg     Config
	chain   *chain.Chain
	deriver *fair.Deriver
	ledger  *ledger.Ledger
	db      store.DB
	bc      Broadcaster
	log     *zap.Logger

	mu        sync.RWMutex
	round     *store.Round
	phase     Phase
	startsAt  time.Time // play start while betting
	startedAt time.Time
	crashAt   time.Time
}

// New assembles an engine. cfg zero values fall back to defaults.
func New(cfg Config, ch *chain.Chain, deriver *fair.Deriver, bets *ledger.Ledger, db store.DB, bc Broadcaster, log *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		chain:   ch,
		deriver: deriver,
		ledger:  bets,
		db:      db,
		bc:      bc,
		log:     log,
	}
}

// Run cycles rounds until ctx is canceled or a fatal error occurs. An
// in-flight round is voided (open stakes refunded) before returning, so
// no partial round is silently dropped. Chain exhaustion and round
// persistence failures are fatal: crash-and-restart is safer than running
// an unrecorded round.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.runRound(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.Cooldown):
		}
	}
}

func (e *Engine) runRound(ctx context.Context) error {
	ent, err := e.chain.Reveal()
	if err != nil {
		return errors.Wrap(err, "create round")
	}

	// The outcome is fixed here, before the round opens, and never
	// recomputed. The seed hash stays withheld until the round ends.
	crashPoint := e.deriver.Derive(ent.Hash)

	round := &store.Round{
		HashIndex:  ent.Index,
		SeedHash:   ent.Hash,
		CrashPoint: crashPoint,
		State:      store.RoundStarting,
	}
	if err := e.db.InsertRound(round); err != nil {
		return errors.Wrap(err, "persist round")
	}

	e.ledger.OpenRound(round.ID)

	startsAt := time.Now().Add(e.cfg.BettingWindow)
	e.setPhase(round, PhaseBetting, startsAt, time.Time{}, time.Time{})
	e.log.Info("round starting",
		zap.Int64("round_id", round.ID),
		zap.Int64("hash_index", round.HashIndex),
		zap.Time("starts_at", startsAt),
	)
	e.bc.Broadcast(EventRoundStarting, map[string]any{
		"round_id":  round.ID,
		"starts_at": startsAt,
	})

	select {
	case <-ctx.Done():
		e.voidRound(round)
		return ctx.Err()
	case <-time.After(e.cfg.BettingWindow):
	}

	startedAt := time.Now()
	if err := e.db.SetRoundState(round.ID, store.RoundInProgress, &startedAt); err != nil {
		e.voidRound(round)
		return errors.Wrap(err, "persist round start")
	}
	round.State = store.RoundInProgress
	round.StartedAt = startedAt

	crashAt := startedAt.Add(durationToReach(e.cfg.Growth, crashPoint))
	e.setPhase(round, PhaseRunning, time.Time{}, startedAt, crashAt)
	e.bc.Broadcast(EventRoundStarted, map[string]any{"round_id": round.ID})

	if err := e.runPlay(ctx, round, crashAt); err != nil {
		e.voidRound(round)
		return err
	}

	return e.endRound(ctx, round)
}

// runPlay ticks the live multiplier forward, dispatching auto-cashouts,
// until the crash instant. The timer never blocks on ledger operations
// beyond the current tick's dispatch; a slow tick cannot postpone the
// crash, which is a fixed point in time.
func (e *Engine) runPlay(ctx context.Context, round *store.Round, crashAt time.Time) error {
	if round.CrashPoint == fair.InstantBust {
		return nil
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	crashTimer := time.NewTimer(time.Until(crashAt))
	defer crashTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-crashTimer.C:
			return nil
		case now := <-ticker.C:
			if !now.Before(crashAt) {
				return nil
			}
			live := multiplierAt(e.cfg.Growth, now.Sub(round.StartedAt))
			for _, out := range e.ledger.AutoCashOuts(ctx, round.ID, live, round.CrashPoint) {
				e.bc.Broadcast(EventCashedOut, out)
			}
		}
	}
}

func (e *Engine) endRound(ctx context.Context, round *store.Round) error {
	endedAt := time.Now()
	e.setPhase(round, PhaseEnded, time.Time{}, round.StartedAt, endedAt)

	// Final sweep before settlement: thresholds crossed between the last
	// tick and the crash instant still pay. Evaluating at the crash point
	// itself keeps the race rule intact, since a threshold at or above it
	// never resolves.
	for _, out := range e.ledger.AutoCashOuts(ctx, round.ID, round.CrashPoint, round.CrashPoint) {
		e.bc.Broadcast(EventCashedOut, out)
	}

	if err := e.db.SetRoundState(round.ID, store.RoundEnded, &endedAt); err != nil {
		return errors.Wrap(err, "persist round end")
	}
	round.State = store.RoundEnded
	round.EndedAt = &endedAt

	if _, err := e.ledger.SettleRound(ctx, round.ID); err != nil {
		return errors.Wrap(err, "settle round")
	}
	e.ledger.CloseRound(round.ID)

	e.log.Info("round crashed",
		zap.Int64("round_id", round.ID),
		zap.Int64("crash_point", round.CrashPoint),
	)
	// The seed hash is revealed only now, after the round has concluded.
	e.bc.Broadcast(EventRoundCrashed, map[string]any{
		"round_id":    round.ID,
		"crash_point": round.CrashPoint,
		"hash":        round.SeedHash,
	})
	return nil
}

// voidRound resolves an interrupted round: state goes to void and open
// stakes are refunded. Runs under a fresh context since the engine's own
// context is already canceled.
func (e *Engine) voidRound(round *store.Round) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	if err := e.db.SetRoundState(round.ID, store.RoundVoid, &now); err != nil {
		e.log.Error("void round persist failed", zap.Int64("round_id", round.ID), zap.Error(err))
	}
	if err := e.ledger.VoidRound(ctx, round.ID); err != nil {
		e.log.Error("void round refunds failed", zap.Int64("round_id", round.ID), zap.Error(err))
	}
	e.ledger.CloseRound(round.ID)
	e.log.Warn("round voided", zap.Int64("round_id", round.ID))
}

func (e *Engine) setPhase(round *store.Round, phase Phase, startsAt, startedAt, crashAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.round = round
	e.phase = phase
	e.startsAt = startsAt
	e.startedAt = startedAt
	e.crashAt = crashAt
}

// PlaceBet accepts a bet while the betting window is open.
func (e *Engine) PlaceBet(ctx context.Context, userID, amount int64, autoCashoutAt *int64) (*store.Bet, error) {
	e.mu.RLock()
	round, phase := e.round, e.phase
	e.mu.RUnlock()

	if round == nil || phase != PhaseBetting {
		return nil, ledger.ErrInvalidState
	}

	bet, err := e.ledger.PlaceBet(ctx, round.ID, userID, amount, autoCashoutAt)
	if err != nil {
		return nil, err
	}

	e.bc.Broadcast(EventBetPlaced, map[string]any{
		"round_id": round.ID,
		"user_id":  userID,
		"amount":   amount,
	})
	return bet, nil
}

// CashOut resolves the caller's bet at the live multiplier observed right
// now, at processing time. A request racing the crash instant is rejected
// with ErrRoundCrashed once the multiplier has reached the crash point.
func (e *Engine) CashOut(ctx context.Context, userID int64) (*ledger.CashOut, error) {
	e.mu.RLock()
	round, phase, startedAt, crashAt := e.round, e.phase, e.startedAt, e.crashAt
	e.mu.RUnlock()

	if round == nil || phase != PhaseRunning {
		return nil, ledger.ErrInvalidState
	}

	now := time.Now()
	if !now.Before(crashAt) {
		return nil, ledger.ErrRoundCrashed
	}
	live := multiplierAt(e.cfg.Growth, now.Sub(startedAt))
	if live >= round.CrashPoint {
		return nil, ledger.ErrRoundCrashed
	}

	out, err := e.ledger.CashOut(ctx, round.ID, userID, live)
	if err != nil {
		return nil, err
	}

	e.bc.Broadcast(EventCashedOut, *out)
	return out, nil
}

// Current returns the externally visible state of the active round.
func (e *Engine) Current() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.round == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{RoundID: e.round.ID}
	switch e.phase {
	case PhaseBetting:
		snap.State = store.RoundStarting
		startsAt := e.startsAt
		snap.StartsAt = &startsAt
	case PhaseRunning:
		snap.State = store.RoundInProgress
		elapsed := time.Since(e.startedAt)
		snap.ElapsedMs = elapsed.Milliseconds()
		snap.Multiplier = multiplierAt(e.cfg.Growth, elapsed)
	case PhaseEnded:
		snap.State = store.RoundEnded
	default:
		return Snapshot{}, false
	}
	return snap, true
}
