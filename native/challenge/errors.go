package challenge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrLockConflict is returned when a settlement run tries to acquire a
	// challenge that is not in the ACTIVE state.
	ErrLockConflict = errors.New("challenge: state lock conflict")
	// ErrNotFound is returned when the referenced challenge does not exist in
	// the off-chain store.
	ErrNotFound = errors.New("challenge: not found")
	// ErrFailed rejects finalize attempts against a challenge whose
	// participation or voting thresholds were missed.
	ErrFailed = errors.New("challenge: thresholds not met, refund required")
	// ErrNotFailed rejects refund attempts against a challenge that is still
	// eligible for finalization.
	ErrNotFailed = errors.New("challenge: thresholds met, not refundable")
	// ErrNoSubmissions indicates the submission set was empty at tally time.
	ErrNoSubmissions = errors.New("challenge: no submissions")
	// ErrNoVotes indicates no ballot was cast for any submission.
	ErrNoVotes = errors.New("challenge: no votes")
)

// MissingWalletError aborts a finalize run before any transfer when a winning
// participant has no payable wallet reference.
type MissingWalletError struct {
	UserID uuid.UUID
}

func (e *MissingWalletError) Error() string {
	return fmt.Sprintf("challenge: participant %s has no payout wallet", e.UserID)
}
