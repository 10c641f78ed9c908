package ledger

import "github.com/pkg/errors"

// Client-visible rejection errors. None of them change any state.
var (
	// ErrInvalidState rejects an operation that does not match the
	// round's current lifecycle state.
	ErrInvalidState = errors.New("round not accepting this operation")

	// ErrInvalidBet rejects a malformed bet request regardless of the
	// round's state.
	ErrInvalidBet = errors.New("invalid bet request")

	// ErrDuplicateBet rejects a second bet for the same (round, user).
	ErrDuplicateBet = errors.New("bet already placed for this round")

	// ErrNoBet rejects a cash-out for a user with no bet in the round.
	ErrNoBet = errors.New("no bet placed for this round")

	// ErrAlreadyCashedOut rejects a second cash-out of the same bet.
	ErrAlreadyCashedOut = errors.New("bet already cashed out")

	// ErrRoundCrashed rejects a cash-out that raced past the crash
	// instant.
	ErrRoundCrashed = errors.New("round already crashed")

	// ErrInsufficientBalance rejects a bet the account cannot cover.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
