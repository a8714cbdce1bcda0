package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rivalry/ledger"
	"rivalry/native/challenge"
	"rivalry/observability"
	"rivalry/storage"
)

const (
	// PlatformFeeBps is the platform's cut of the reward pool, deducted by
	// the ledger's finalize operation. 210 basis points is 2.1%.
	PlatformFeeBps = 210

	// DefaultFeeBudget is the per-challenge native transaction-fee budget in
	// base units. Unspent budget is refunded to the creator at the end of a
	// run.
	DefaultFeeBudget int64 = 2_500_000

	protocolFinalize = "finalize"
	protocolRefund   = "refund"

	actorName = "settlementd"
)

// SplitPolicy selects how the reward pool is shared among tied winners.
type SplitPolicy string

const (
	// SplitFull pays every tied winner the full per-winner share.
	SplitFull SplitPolicy = "full"
	// SplitDivided divides the pool evenly across tied winners.
	SplitDivided SplitPolicy = "divided"
)

// Valid reports whether the policy value is known.
func (p SplitPolicy) Valid() bool {
	return p == SplitFull || p == SplitDivided
}

// Config carries the orchestrator's operating parameters.
type Config struct {
	// Authority is the ledger address the settlement service signs from.
	// Its balance delta across a run measures the native fees spent.
	Authority string
	// FeeBudget is the per-challenge fee budget; zero selects the default.
	FeeBudget int64
	// RewardSplit is the tie policy; empty selects SplitFull.
	RewardSplit SplitPolicy
}

// Orchestrator drives the finalize and refund settlement protocols. One
// instance serves all challenges; per-challenge exclusion is the off-chain
// compare-and-set plus an in-process map that prevents two goroutines from
// resuming the same PENDING challenge at once.
type Orchestrator struct {
	store   *storage.Store
	gw      ledger.Gateway
	cfg     Config
	log     *slog.Logger
	metrics *observability.SettlementMetrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// New builds an orchestrator. A nil logger falls back to slog.Default.
func New(store *storage.Store, gw ledger.Gateway, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("settlement: store required")
	}
	if gw == nil {
		return nil, fmt.Errorf("settlement: ledger gateway required")
	}
	if cfg.Authority == "" {
		return nil, fmt.Errorf("settlement: authority address required")
	}
	if cfg.FeeBudget <= 0 {
		cfg.FeeBudget = DefaultFeeBudget
	}
	if cfg.RewardSplit == "" {
		cfg.RewardSplit = SplitFull
	}
	if !cfg.RewardSplit.Valid() {
		return nil, fmt.Errorf("settlement: unknown reward split %q", cfg.RewardSplit)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		gw:       gw,
		cfg:      cfg,
		log:      log,
		metrics:  observability.Settlement(),
		now:      time.Now,
		inflight: make(map[uuid.UUID]struct{}),
	}, nil
}

// SetNowFunc overrides the time source for deterministic tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.now = now
}

// Finalize settles a successful challenge: pays winners and winning voters,
// sweeps the remainder to the creator, reconciles fees, and completes the
// challenge. Re-invoking after a partial run resumes safely; invoking on an
// already COMPLETED challenge is a no-op.
func (o *Orchestrator) Finalize(ctx context.Context, ledgerRef string) error {
	started := o.now()
	ch, err := o.store.ChallengeByRef(ctx, ledgerRef)
	if err != nil {
		return err
	}
	switch ch.State {
	case challenge.StateCompleted:
		o.log.Info("challenge already completed", "challenge", ledgerRef)
		return nil
	case challenge.StateCancelled:
		return challenge.ErrLockConflict
	}

	// The FAILED precondition gates entry only; a finalize-held PENDING
	// challenge stays resumable even if a deadline flips the condition
	// afterwards, because winners may already hold confirmed transfers.
	if ch.State == challenge.StateActive {
		failed, err := o.failed(ctx, ch)
		if err != nil {
			return err
		}
		if failed {
			return challenge.ErrFailed
		}
	}

	if err := o.acquire(ctx, ch, protocolFinalize); err != nil {
		return err
	}
	defer o.clearInflight(ch.ID)

	if err := o.runFinalize(ctx, ch); err != nil {
		o.metrics.RecordRun(protocolFinalize, "aborted")
		return err
	}
	o.metrics.RecordRun(protocolFinalize, "completed")
	o.metrics.ObserveRun(protocolFinalize, o.now().Sub(started))
	return nil
}

func (o *Orchestrator) runFinalize(ctx context.Context, ch *storage.Challenge) error {
	subs, err := o.store.TallyInput(ctx, ch.ID)
	if err != nil {
		return err
	}
	outcome, err := challenge.Tally(subs)
	if err != nil {
		return err
	}
	creator, err := o.store.CreatorRecipient(ctx, ch)
	if err != nil {
		return err
	}

	before, err := o.gw.Balance(ctx, o.cfg.Authority)
	if err != nil {
		return o.stepError(protocolFinalize, "balance", o.cfg.Authority, err)
	}

	active, err := o.gw.ChallengeActive(ctx, ch.LedgerRef)
	if err != nil {
		return o.stepError(protocolFinalize, "state-check", "", err)
	}
	if active {
		winnerCount := len(outcome.WinningParticipants)
		txRef, err := o.gw.Finalize(ctx, ch.LedgerRef, winnerCount)
		if err != nil {
			return o.stepError(protocolFinalize, "finalize", "", err)
		}
		if err := o.store.AppendEvent(ctx, ch.ID, actorName, "ledger.finalize",
			fmt.Sprintf("winners=%d tx=%s", winnerCount, txRef)); err != nil {
			return err
		}
	} else {
		o.log.Warn("ledger already finalized, resuming payouts", "challenge", ch.LedgerRef)
	}

	share := o.winnerShare(ch.Reward, len(outcome.WinningParticipants))
	for _, winner := range outcome.WinningParticipants {
		winner := winner
		err := o.runPayout(ctx, ch, payoutRequest{
			protocol:  protocolFinalize,
			step:      "distribute-reward",
			recipient: winner,
			role:      challenge.RoleWinner,
			amount:    share,
			issue: func(ctx context.Context) (string, error) {
				return o.gw.DistributeReward(ctx, ch.LedgerRef, winner.Wallet)
			},
		})
		if err != nil {
			return err
		}
	}

	voterShare := voterShare(ch.VotingFee, subs, outcome)
	winningVoterCount := len(outcome.WinningVoters)
	for _, voter := range outcome.WinningVoters {
		voter := voter
		if voter.Wallet == "" {
			o.log.Warn("winning voter has no wallet, share retained by treasury",
				"challenge", ch.LedgerRef, "voter", voter.UserID)
			continue
		}
		err := o.runPayout(ctx, ch, payoutRequest{
			protocol:  protocolFinalize,
			step:      "distribute-voting-share",
			recipient: voter,
			role:      challenge.RoleVoter,
			amount:    voterShare,
			issue: func(ctx context.Context) (string, error) {
				return o.gw.DistributeVotingShare(ctx, ch.LedgerRef, voter.Wallet, winningVoterCount)
			},
		})
		if err != nil {
			return err
		}
	}

	if err := o.claimRemainder(ctx, ch, protocolFinalize); err != nil {
		return err
	}
	if err := o.reconcileFees(ctx, ch, creator, before, protocolFinalize); err != nil {
		return err
	}
	return o.store.Release(ctx, ch.ID, challenge.StateCompleted, actorName, protocolFinalize)
}

// Refund unwinds a FAILED challenge: returns the reward to the creator, the
// participation fee to every participant, and the voting fee to every voter,
// then cancels the challenge. Invoking on an already CANCELLED challenge is a
// no-op.
func (o *Orchestrator) Refund(ctx context.Context, ledgerRef string) error {
	started := o.now()
	ch, err := o.store.ChallengeByRef(ctx, ledgerRef)
	if err != nil {
		return err
	}
	switch ch.State {
	case challenge.StateCancelled:
		o.log.Info("challenge already cancelled", "challenge", ledgerRef)
		return nil
	case challenge.StateCompleted:
		return challenge.ErrLockConflict
	}

	if ch.State == challenge.StateActive {
		failed, err := o.failed(ctx, ch)
		if err != nil {
			return err
		}
		if !failed {
			return challenge.ErrNotFailed
		}
	}

	if err := o.acquire(ctx, ch, protocolRefund); err != nil {
		return err
	}
	defer o.clearInflight(ch.ID)

	if err := o.runRefund(ctx, ch); err != nil {
		o.metrics.RecordRun(protocolRefund, "aborted")
		return err
	}
	o.metrics.RecordRun(protocolRefund, "completed")
	o.metrics.ObserveRun(protocolRefund, o.now().Sub(started))
	return nil
}

func (o *Orchestrator) runRefund(ctx context.Context, ch *storage.Challenge) error {
	creator, err := o.store.CreatorRecipient(ctx, ch)
	if err != nil {
		return err
	}
	before, err := o.gw.Balance(ctx, o.cfg.Authority)
	if err != nil {
		return o.stepError(protocolRefund, "balance", o.cfg.Authority, err)
	}

	err = o.runPayout(ctx, ch, payoutRequest{
		protocol:  protocolRefund,
		step:      "refund-reward",
		recipient: creator,
		role:      challenge.RoleCreator,
		amount:    ch.Reward,
		issue: func(ctx context.Context) (string, error) {
			return o.gw.RefundAmount(ctx, ch.LedgerRef, ch.Reward, creator.Wallet, false)
		},
	})
	if err != nil {
		return err
	}

	participants, err := o.store.Participants(ctx, ch.ID)
	if err != nil {
		return err
	}
	for _, participant := range participants {
		participant := participant
		err := o.runPayout(ctx, ch, payoutRequest{
			protocol:  protocolRefund,
			step:      "refund-participation",
			recipient: participant,
			role:      challenge.RoleRefundParticipant,
			amount:    ch.ParticipationFee,
			issue: func(ctx context.Context) (string, error) {
				return o.gw.RefundAmount(ctx, ch.LedgerRef, ch.ParticipationFee, participant.Wallet, false)
			},
		})
		if err != nil {
			return err
		}
	}

	subs, err := o.store.TallyInput(ctx, ch.ID)
	if err != nil {
		return err
	}
	for _, refund := range voterRefunds(ch.VotingFee, subs) {
		refund := refund
		err := o.runPayout(ctx, ch, payoutRequest{
			protocol:  protocolRefund,
			step:      "refund-voting",
			recipient: refund.voter,
			role:      challenge.RoleRefundVoter,
			amount:    refund.amount,
			issue: func(ctx context.Context) (string, error) {
				return o.gw.RefundAmount(ctx, ch.LedgerRef, refund.amount, refund.voter.Wallet, true)
			},
		})
		if err != nil {
			return err
		}
	}

	if err := o.claimRemainder(ctx, ch, protocolRefund); err != nil {
		return err
	}
	if err := o.reconcileFees(ctx, ch, creator, before, protocolRefund); err != nil {
		return err
	}
	return o.store.Release(ctx, ch.ID, challenge.StateCancelled, actorName, protocolRefund)
}

// acquire takes the per-challenge lock. An ACTIVE challenge goes through the
// store's compare-and-set; a PENDING challenge is resumed only by the
// protocol that acquired it, guarded against concurrent resumption by the
// in-process inflight map since the database lock is already held by the
// crashed or retried run itself.
func (o *Orchestrator) acquire(ctx context.Context, ch *storage.Challenge, protocol string) error {
	if !o.markInflight(ch.ID) {
		return challenge.ErrLockConflict
	}
	switch ch.State {
	case challenge.StateActive:
		if err := o.store.TryAcquire(ctx, ch.ID, actorName, protocol); err != nil {
			o.clearInflight(ch.ID)
			return err
		}
		return nil
	case challenge.StatePending:
		if ch.SettlementProtocol != protocol {
			o.clearInflight(ch.ID)
			o.log.Warn("pending lock held by other protocol",
				"challenge", ch.LedgerRef, "held", ch.SettlementProtocol, "requested", protocol)
			return challenge.ErrLockConflict
		}
		o.log.Warn("resuming pending settlement", "challenge", ch.LedgerRef, "protocol", protocol)
		return nil
	default:
		o.clearInflight(ch.ID)
		return challenge.ErrLockConflict
	}
}

func (o *Orchestrator) markInflight(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) clearInflight(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

func (o *Orchestrator) failed(ctx context.Context, ch *storage.Challenge) (bool, error) {
	participants, err := o.store.ParticipantCount(ctx, ch.ID)
	if err != nil {
		return false, err
	}
	voters, err := o.store.DistinctVoterCount(ctx, ch.ID)
	if err != nil {
		return false, err
	}
	check := challenge.FailureCheck{
		RegistrationDeadline: ch.RegistrationDeadline,
		VotingDeadline:       ch.VotingDeadline,
		MinParticipants:      ch.MinParticipants,
		MinVoters:            ch.MinVoters,
		Participants:         participants,
		DistinctVoters:       voters,
	}
	return check.Failed(o.now().UTC()), nil
}

// claimRemainder sweeps residual treasury balances to the creator. The
// operation is naturally idempotent on-ledger (a second sweep moves nothing),
// so it is tracked by an audit event rather than a payout record.
func (o *Orchestrator) claimRemainder(ctx context.Context, ch *storage.Challenge, protocol string) error {
	txRef, err := o.gw.ClaimCreatorRemainder(ctx, ch.LedgerRef)
	if err != nil {
		return o.stepError(protocol, "claim-remainder", "", err)
	}
	return o.store.AppendEvent(ctx, ch.ID, actorName, "ledger.claim_remainder", "tx="+txRef)
}

// reconcileFees refunds the unspent part of the fee budget to the creator.
// Spent fees are the authority balance delta across the run. If spending
// exceeded the budget, no transfer is made.
func (o *Orchestrator) reconcileFees(ctx context.Context, ch *storage.Challenge, creator challenge.Recipient, before int64, protocol string) error {
	done, err := o.store.PayoutExists(ctx, ch.ID, creator.Wallet, challenge.RoleFeeRefund)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	after, err := o.gw.Balance(ctx, o.cfg.Authority)
	if err != nil {
		return o.stepError(protocol, "fee-reconcile", o.cfg.Authority, err)
	}
	spent := before - after
	if spent < 0 {
		spent = 0
	}
	refund := o.cfg.FeeBudget - spent
	if refund <= 0 {
		o.log.Info("fee budget exhausted, no refund",
			"challenge", ch.LedgerRef, "budget", o.cfg.FeeBudget, "spent", spent)
		return nil
	}
	return o.runPayout(ctx, ch, payoutRequest{
		protocol:  protocol,
		step:      "fee-refund",
		recipient: creator,
		role:      challenge.RoleFeeRefund,
		amount:    refund,
		issue: func(ctx context.Context) (string, error) {
			return o.gw.NativeTransfer(ctx, creator.Wallet, refund)
		},
	})
}

// winnerShare sizes the per-winner payout after the platform fee. Under the
// full policy every tied winner receives the whole distributable amount, the
// ledger funding each share from the reward pool it holds per winner; under
// the divided policy the pool is split evenly with truncation.
func (o *Orchestrator) winnerShare(reward int64, winners int) int64 {
	distributable := reward - platformFee(reward)
	if o.cfg.RewardSplit == SplitDivided && winners > 0 {
		return distributable / int64(winners)
	}
	return distributable
}

// platformFee computes floor(reward * PlatformFeeBps / 10_000) without the
// intermediate product, which would overflow int64 for large pools.
func platformFee(reward int64) int64 {
	quot, rem := reward/10_000, reward%10_000
	return quot*PlatformFeeBps + rem*PlatformFeeBps/10_000
}

/// voterShare sizes the per-voter payout: the pooled fees of losing votes
// divided evenly among winning voters, truncated. The remainder stays in the
// voting treasury and is swept to the creator by the claim-remainder step.
func voterShare(votingFee int64, subs []challenge.TallySubmission, outcome *challenge.Outcome) int64 {
	total := 0
	for _, sub := range subs {
		total += len(sub.Voters)
	}
	winning := outcome.MaxVotes * len(outcome.TopSubmissions)
	pool := votingFee * int64(total-winning)
	if len(outcome.WinningVoters) == 0 {
		return 0
	}
	return pool / int64(len(outcome.WinningVoters))
}

type voterRefund struct {
	voter  challenge.Recipient
	amount int64
}

// voterRefunds aggregates one refund per voter across all submissions they
// voted on. The payout record key is (challenge, recipient, role), so a voter
// with ballots on several submissions receives one transfer covering all of
// them instead of one per ballot.
func voterRefunds(votingFee int64, subs []challenge.TallySubmission) []voterRefund {
	counts := make(map[uuid.UUID]int)
	order := make([]challenge.Recipient, 0)
	for _, sub := range subs {
		for _, voter := range sub.Voters {
			if _, seen := counts[voter.UserID]; !seen {
				order = append(order, voter)
			}
			counts[voter.UserID]++
		}
	}
	refunds := make([]voterRefund, 0, len(order))
	for _, voter := range order {
		refunds = append(refunds, voterRefund{
			voter:  voter,
			amount: votingFee * int64(counts[voter.UserID]),
		})
	}
	return refunds
}
