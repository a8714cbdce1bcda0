package ledger

import "context"

// Gateway is the thin client surface consumed by the settlement orchestrator.
// Every mutating call blocks until the ledger confirms or the confirmation
// budget elapses; a *TimeoutError outcome is distinct from a *TxError
// rejection and must be treated as unknown, not failed.
type Gateway interface {
	// AccountExists reports whether the address can already receive the
	// platform asset.
	AccountExists(ctx context.Context, address string) (bool, error)
	// CreateRecipientAccount provisions a receiving account owned by the
	// given wallet and returns the operation reference.
	CreateRecipientAccount(ctx context.Context, owner string) (string, error)
	// Balance returns the native-currency balance of an address in base units.
	Balance(ctx context.Context, address string) (int64, error)
	// ChallengeActive reports the ledger's own settled flag for a challenge.
	// It is the second idempotency guard: once Finalize lands, the ledger
	// refuses further settlement-opening operations for the same challenge.
	ChallengeActive(ctx context.Context, challengeRef string) (bool, error)

	// Finalize marks the challenge inactive on-ledger, deducts the platform
	// fee from the reward pool, and sizes the per-winner share.
	Finalize(ctx context.Context, challengeRef string, winnerCount int) (string, error)
	// DistributeReward pays one winning participant their share from the
	// challenge treasury.
	DistributeReward(ctx context.Context, challengeRef, winner string) (string, error)
	// DistributeVotingShare pays one winning voter an equal share of the
	// voting treasury, divided by the winning voter count on-ledger.
	DistributeVotingShare(ctx context.Context, challengeRef, voter string, winningVoterCount int) (string, error)
	// ClaimCreatorRemainder sweeps residual treasury balances to the creator.
	ClaimCreatorRemainder(ctx context.Context, challengeRef string) (string, error)
	// RefundAmount transfers a fixed amount to a recipient from either the
	// main treasury or, when fromVotingTreasury is set, the voting treasury.
	RefundAmount(ctx context.Context, challengeRef string, amount int64, recipient string, fromVotingTreasury bool) (string, error)
	// NativeTransfer moves native currency from the settlement authority to a
	// recipient; used for the transaction-fee budget refund.
	NativeTransfer(ctx context.Context, to string, amount int64) (string, error)
}

// TreasuryRef derives the challenge's main treasury address from its ledger
// reference. The derivation is deterministic so no per-challenge address book
// is kept off-chain.
func TreasuryRef(challengeRef string) string {
	return "treasury/" + challengeRef
}

// VotingTreasuryRef derives the voting-fee treasury address.
func VotingTreasuryRef(challengeRef string) string {
	return "voting_treasury/" + challengeRef
}
