package challenge

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the off-chain lifecycle state of a challenge. PENDING is
// transient and only held while a settlement run is in flight; COMPLETED and
// CANCELLED are terminal.
type State string

const (
	StateActive    State = "ACTIVE"
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePending, StateCompleted, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ValidateTransition enforces the only reachable lifecycle edges:
// ACTIVE -> PENDING -> {COMPLETED, CANCELLED}.
func ValidateTransition(from, to State) error {
	switch {
	case from == StateActive && to == StatePending:
		return nil
	case from == StatePending && (to == StateCompleted || to == StateCancelled):
		return nil
	default:
		return fmt.Errorf("challenge: invalid transition %s -> %s", from, to)
	}
}

// PayoutRole identifies the reason a transfer was issued. The role is part of
// the payout record key, so distinct settlement steps targeting the same
// recipient never collide on the idempotency guard.
type PayoutRole string

const (
	RoleWinner            PayoutRole = "winner"
	RoleVoter             PayoutRole = "voter"
	RoleCreator           PayoutRole = "creator"
	RoleRefundParticipant PayoutRole = "refund-participant"
	RoleRefundVoter       PayoutRole = "refund-voter"
	RoleFeeRefund         PayoutRole = "fee-refund"
)

// Valid reports whether the role value is known.
func (r PayoutRole) Valid() bool {
	switch r {
	case RoleWinner, RoleVoter, RoleCreator, RoleRefundParticipant, RoleRefundVoter, RoleFeeRefund:
		return true
	default:
		return false
	}
}

// Recipient pairs an off-chain user identifier with the ledger wallet address
// that receives value on their behalf. The wallet may be empty when the user
// never linked one; callers must treat that as a hard precondition failure.
type Recipient struct {
	UserID uuid.UUID
	Wallet string
}

// FailureCheck bundles the inputs for the computed FAILED condition. A
// challenge is failed when its registration deadline passed with fewer than
// the minimum participants, or its voting deadline passed with fewer than the
// minimum distinct voters across all submissions.
type FailureCheck struct {
	RegistrationDeadline time.Time
	VotingDeadline       time.Time
	MinParticipants      int
	MinVoters            int
	Participants         int
	DistinctVoters       int
}

// Failed evaluates the failure precondition at the supplied instant. The
// condition is computed, never stored: the same challenge row can flip from
// not-failed to failed purely by a deadline elapsing.
func (f FailureCheck) Failed(now time.Time) bool {
	if !f.RegistrationDeadline.IsZero() && now.After(f.RegistrationDeadline) && f.Participants < f.MinParticipants {
		return true
	}
	if !f.VotingDeadline.IsZero() && now.After(f.VotingDeadline) && f.DistinctVoters < f.MinVoters {
		return true
	}
	return false
}
