package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/store"
)

type fixture struct {
	db     store.DB
	ledger *Ledger
	round  *store.Round
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	round := &store.Round{HashIndex: 1, SeedHash: "seed", CrashPoint: 300, State: store.RoundStarting}
	require.NoError(t, db.InsertRound(round))

	l := New(db, zap.NewNop())
	l.OpenRound(round.ID)

	return &fixture{db: db, ledger: l, round: round}
}

func (f *fixture) deposit(t *testing.T, userID, amount int64) {
	t.Helper()
	require.NoError(t, f.db.Deposit(context.Background(), userID, amount))
}

func ptr(v int64) *int64 { return &v }

func TestPlaceBet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	bet, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bet.Amount)

	balance, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), balance)
}

func TestPlaceBetRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidBet)

	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 1, 100, ptr(100))
	assert.ErrorIs(t, err, ErrInvalidBet, "auto cashout at 1.00x or below is rejected")

	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 1, 10000, nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.ledger.PlaceBet(ctx, f.round.ID+1, 1, 100, nil)
	assert.ErrorIs(t, err, ErrInvalidState, "no book for an unopened round")
}

func TestPlaceBetDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	first, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)

	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 1, 500, nil)
	assert.ErrorIs(t, err, ErrDuplicateBet)

	// The first bet is unchanged and only its stake was debited.
	bets, err := f.db.BetsForRound(f.round.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, first.Amount, bets[0].Amount)

	balance, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), balance)
}

func TestCashOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)

	out, err := f.ledger.CashOut(ctx, f.round.ID, 1, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), out.Payout)
	assert.Equal(t, int64(150), out.Multiplier)

	balance, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), balance)

	_, err = f.ledger.CashOut(ctx, f.round.ID, 1, 160)
	assert.ErrorIs(t, err, ErrAlreadyCashedOut)

	_, err = f.ledger.CashOut(ctx, f.round.ID, 2, 160)
	assert.ErrorIs(t, err, ErrNoBet)
}

func TestCashOutPayoutRoundsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 333, nil)
	require.NoError(t, err)

	// 333 x 1.01 = 336.33, truncated to whole minor units.
	out, err := f.ledger.CashOut(ctx, f.round.ID, 1, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(336), out.Payout)
}

func TestAutoCashOuts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for userID := int64(1); userID <= 4; userID++ {
		f.deposit(t, userID, 5000)
	}

	// 1: threshold reached; 2: threshold above live multiplier;
	// 3: threshold at/above the crash point, rides into the crash;
	// 4: no auto cashout at all.
	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, ptr(150))
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 2, 1000, ptr(280))
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 3, 1000, ptr(300))
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 4, 1000, nil)
	require.NoError(t, err)

	outs := f.ledger.AutoCashOuts(ctx, f.round.ID, 200, f.round.CrashPoint)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(1), outs[0].UserID)
	assert.Equal(t, int64(150), outs[0].Multiplier, "auto cashout pays at the requested threshold")
	assert.Equal(t, int64(1500), outs[0].Payout)

	// Idempotent across ticks.
	outs = f.ledger.AutoCashOuts(ctx, f.round.ID, 210, f.round.CrashPoint)
	assert.Empty(t, outs)

	// User 2 resolves once the live multiplier reaches its threshold.
	outs = f.ledger.AutoCashOuts(ctx, f.round.ID, 285, f.round.CrashPoint)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(2), outs[0].UserID)

	// User 3's threshold equals the crash point: never paid.
	outs = f.ledger.AutoCashOuts(ctx, f.round.ID, 299, f.round.CrashPoint)
	assert.Empty(t, outs)
}

func TestSettleRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)
	f.deposit(t, 2, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 2, 700, nil)
	require.NoError(t, err)

	_, err = f.ledger.CashOut(ctx, f.round.ID, 1, 150)
	require.NoError(t, err)

	settled, err := f.ledger.SettleRound(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), settled)

	bets, err := f.db.BetsForRound(f.round.ID)
	require.NoError(t, err)
	for _, b := range bets {
		require.NotNil(t, b.Payout, "every bet resolves exactly once")
	}
}

func TestVoidRoundRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)
	f.deposit(t, 2, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)
	_, err = f.ledger.PlaceBet(ctx, f.round.ID, 2, 700, nil)
	require.NoError(t, err)
	_, err = f.ledger.CashOut(ctx, f.round.ID, 1, 150)
	require.NoError(t, err)

	require.NoError(t, f.ledger.VoidRound(ctx, f.round.ID))

	// The cashed-out bet keeps its payout; the open stake comes back.
	b1, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), b1)
	b2, err := f.db.Balance(2)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b2)
}

// The sum of balance deltas for a round must equal bets minus payouts
// exactly: no leakage, no double credit.
func TestRoundConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const users = 8
	const initial = int64(10000)
	for userID := int64(1); userID <= users; userID++ {
		f.deposit(t, userID, initial)
	}

	for userID := int64(1); userID <= users; userID++ {
		amount := 100 * userID
		var auto *int64
		if userID%2 == 0 {
			auto = ptr(120 + 10*userID)
		}
		_, err := f.ledger.PlaceBet(ctx, f.round.ID, userID, amount, auto)
		require.NoError(t, err)
	}

	f.ledger.AutoCashOuts(ctx, f.round.ID, 250, f.round.CrashPoint)
	_, err := f.ledger.CashOut(ctx, f.round.ID, 1, 180)
	require.NoError(t, err)
	_, err = f.ledger.SettleRound(ctx, f.round.ID)
	require.NoError(t, err)

	bets, err := f.db.BetsForRound(f.round.ID)
	require.NoError(t, err)
	require.Len(t, bets, users)

	var stakes, payouts, deltas int64
	for _, b := range bets {
		require.NotNil(t, b.Payout)
		stakes += b.Amount
		payouts += *b.Payout
	}
	for userID := int64(1); userID <= users; userID++ {
		balance, err := f.db.Balance(userID)
		require.NoError(t, err)
		deltas += initial - balance
	}

	assert.Equal(t, stakes-payouts, deltas)
}

func TestConcurrentDuplicatePlacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 100000)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.PlaceBet(ctx, f.round.ID, 1, 100, nil)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateBet)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one bet per (round, user)")

	balance, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(99900), balance, "exactly one debit")
}

func TestConcurrentCashOutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 1000, nil)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	outs := make([]*CashOut, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], _ = f.ledger.CashOut(ctx, f.round.ID, 1, 150)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, out := range outs {
		if out != nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "payout is set exactly once")

	balance, err := f.db.Balance(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5500), balance)
}

func TestCloseRoundDropsBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 1, 5000)

	f.ledger.CloseRound(f.round.ID)
	_, err := f.ledger.PlaceBet(ctx, f.round.ID, 1, 100, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}
