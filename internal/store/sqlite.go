package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Transient write conflicts are retried this many times before the
// operation surfaces ErrLedgerUnavailable.
const maxTxRetries = 5

// SQLiteDB implements the DB interface using SQLite.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) a SQLite database at path.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteDB) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS hash_chain (
			idx INTEGER PRIMARY KEY,
			hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash_index INTEGER NOT NULL UNIQUE,
			seed_hash TEXT NOT NULL,
			crash_point INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS bets (
			round_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			auto_cashout_at INTEGER,
			cashed_out_at INTEGER,
			payout INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (round_id, user_id),
			FOREIGN KEY (round_id) REFERENCES rounds(id)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id INTEGER PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_round ON bets(round_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_state ON rounds(state)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}

	return nil
}

// isBusyError reports whether the error is a transient SQLite write
// conflict worth retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation reports whether the error is a unique constraint
// violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// inTx runs fn inside a transaction with bounded retry on transient write
// conflicts. Non-transient errors abort immediately.
func (s *SQLiteDB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(10*(1<<attempt)) * time.Millisecond):
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusyError(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusyError(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusyError(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}

	return errors.Wrapf(ErrLedgerUnavailable, "transaction retries exhausted: %v", lastErr)
}

// AppendChainEntries inserts pre-generated hash chain entries.
func (s *SQLiteDB) AppendChainEntries(entries []ChainEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO hash_chain (idx, hash) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Index, e.Hash); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ChainEntry returns the chain entry at index.
func (s *SQLiteDB) ChainEntry(index int64) (ChainEntry, error) {
	var e ChainEntry
	err := s.db.QueryRow("SELECT idx, hash FROM hash_chain WHERE idx = ?", index).
		Scan(&e.Index, &e.Hash)
	if err == sql.ErrNoRows {
		return ChainEntry{}, ErrNotFound
	}
	return e, err
}

// ChainLength returns the number of generated chain entries.
func (s *SQLiteDB) ChainLength() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM hash_chain").Scan(&n)
	return n, err
}

// InsertRound saves a new round and fills in its assigned ID.
func (s *SQLiteDB) InsertRound(r *Round) error {
	res, err := s.db.Exec(
		`INSERT INTO rounds (hash_index, seed_hash, crash_point, state, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.HashIndex, r.SeedHash, r.CrashPoint, string(r.State), r.StartedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert round")
	}

	r.ID, err = res.LastInsertId()
	return err
}

// SetRoundState advances a round's lifecycle state. When entering
// in_progress, at is recorded as started_at; when entering ended or void,
// at is recorded as ended_at.
func (s *SQLiteDB) SetRoundState(id int64, state RoundState, at *time.Time) error {
	var err error
	switch state {
	case RoundInProgress:
		_, err = s.db.Exec("UPDATE rounds SET state = ?, started_at = ? WHERE id = ?",
			string(state), at, id)
	case RoundEnded, RoundVoid:
		_, err = s.db.Exec("UPDATE rounds SET state = ?, ended_at = ? WHERE id = ?",
			string(state), at, id)
	default:
		_, err = s.db.Exec("UPDATE rounds SET state = ? WHERE id = ?", string(state), id)
	}
	return errors.Wrap(err, "update round state")
}

// GetRound retrieves a round by ID.
func (s *SQLiteDB) GetRound(id int64) (*Round, error) {
	var (
		r         Round
		state     string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)

	err := s.db.QueryRow(
		`SELECT id, hash_index, seed_hash, crash_point, state, started_at, ended_at
		 FROM rounds WHERE id = ?`, id).
		Scan(&r.ID, &r.HashIndex, &r.SeedHash, &r.CrashPoint, &state, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.State = RoundState(state)
	if startedAt.Valid {
		r.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}

	return &r, nil
}

// MaxHashIndexUsed returns the highest chain index consumed by any round.
// The second return is false when no round exists yet.
func (s *SQLiteDB) MaxHashIndexUsed() (int64, bool, error) {
	var idx sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(hash_index) FROM rounds").Scan(&idx)
	if err != nil {
		return 0, false, err
	}
	return idx.Int64, idx.Valid, nil
}

// PlaceBet debits the stake and records the bet in one transaction. The
// debit and the insert succeed or fail together.
func (s *SQLiteDB) PlaceBet(ctx context.Context, bet *Bet) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE accounts SET balance = balance - ? WHERE user_id = ? AND balance >= ?",
			bet.Amount, bet.UserID, bet.Amount,
		)
		if err != nil {
			return errors.Wrap(err, "debit")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(
			`INSERT INTO bets (round_id, user_id, amount, auto_cashout_at)
			 VALUES (?, ?, ?, ?)`,
			bet.RoundID, bet.UserID, bet.Amount, bet.AutoCashoutAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateBet
		}
		return errors.Wrap(err, "insert bet")
	})
}

// CashOutBet records a cash-out and credits the payout in one transaction.
func (s *SQLiteDB) CashOutBet(ctx context.Context, roundID, userID, multiplier, payout int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE bets SET cashed_out_at = ?, payout = ?
			 WHERE round_id = ? AND user_id = ? AND cashed_out_at IS NULL AND payout IS NULL`,
			multiplier, payout, roundID, userID,
		)
		if err != nil {
			return errors.Wrap(err, "record cashout")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec("UPDATE accounts SET balance = balance + ? WHERE user_id = ?",
			payout, userID)
		return errors.Wrap(err, "credit payout")
	})
}

// SettleLosses marks every unresolved bet of the round as a loss. No
// balance mutation is needed; the stake was debited at placement.
func (s *SQLiteDB) SettleLosses(ctx context.Context, roundID int64) (int64, error) {
	var settled int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE bets SET payout = 0 WHERE round_id = ? AND cashed_out_at IS NULL AND payout IS NULL",
			roundID,
		)
		if err != nil {
			return errors.Wrap(err, "settle losses")
		}
		settled, err = res.RowsAffected()
		return err
	})
	return settled, err
}

// RefundBet returns the stake of an unresolved bet on a void round.
func (s *SQLiteDB) RefundBet(ctx context.Context, roundID, userID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var amount int64
		err := tx.QueryRow(
			`SELECT amount FROM bets
			 WHERE round_id = ? AND user_id = ? AND cashed_out_at IS NULL AND payout IS NULL`,
			roundID, userID,
		).Scan(&amount)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			"UPDATE bets SET payout = ? WHERE round_id = ? AND user_id = ?",
			amount, roundID, userID,
		); err != nil {
			return errors.Wrap(err, "record refund")
		}

		_, err = tx.Exec("UPDATE accounts SET balance = balance + ? WHERE user_id = ?",
			amount, userID)
		return errors.Wrap(err, "credit refund")
	})
}

// BetsForRound lists all bets of a round.
func (s *SQLiteDB) BetsForRound(roundID int64) ([]Bet, error) {
	rows, err := s.db.Query(
		`SELECT round_id, user_id, amount, auto_cashout_at, cashed_out_at, payout
		 FROM bets WHERE round_id = ? ORDER BY user_id`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		var (
			b             Bet
			autoCashoutAt sql.NullInt64
			cashedOutAt   sql.NullInt64
			payout        sql.NullInt64
		)
		if err := rows.Scan(&b.RoundID, &b.UserID, &b.Amount,
			&autoCashoutAt, &cashedOutAt, &payout); err != nil {
			return nil, err
		}
		if autoCashoutAt.Valid {
			b.AutoCashoutAt = &autoCashoutAt.Int64
		}
		if cashedOutAt.Valid {
			b.CashedOutAt = &cashedOutAt.Int64
		}
		if payout.Valid {
			b.Payout = &payout.Int64
		}
		bets = append(bets, b)
	}

	return bets, rows.Err()
}

// Balance returns the current balance of an account.
func (s *SQLiteDB) Balance(userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow("SELECT balance FROM accounts WHERE user_id = ?", userID).
		Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return balance, err
}

// Deposit credits an account, creating it if needed.
func (s *SQLiteDB) Deposit(ctx context.Context, userID, amount int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO accounts (user_id, balance) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance`,
			userID, amount,
		)
		return errors.Wrap(err, "deposit")
	})
}
