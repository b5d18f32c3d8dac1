package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrOpenRoundExists is returned by CreateRound when another round is
	// already open, including when two schedulers race on the same sequence.
	ErrOpenRoundExists = errors.New("an open round already exists")

	// ErrRoundNotOpen is returned by RecordBet when the round has left OPEN.
	ErrRoundNotOpen = errors.New("round is not open")

	// ErrDuplicateBet is returned by RecordBet when the external reference
	// was already used.
	ErrDuplicateBet = errors.New("duplicate bet reference")

	// ErrInvalidTransition is returned by TransitionRound when the round is
	// not in the legal predecessor state for the requested status.
	ErrInvalidTransition = errors.New("invalid round status transition")

	// ErrUnavailable wraps transient storage failures.
	ErrUnavailable = errors.New("ledger unavailable")
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
