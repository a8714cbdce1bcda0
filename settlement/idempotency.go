package settlement

import (
	"context"

	"rivalry/native/challenge"
	"rivalry/storage"
)

// payoutRequest describes one transfer attempt inside a protocol run. The
// issue callback performs the actual ledger operation once the guards pass.
type payoutRequest struct {
	protocol  string
	step      string
	recipient challenge.Recipient
	role      challenge.PayoutRole
	amount    int64
	issue     func(ctx context.Context) (string, error)
}

// runPayout applies the idempotency discipline for one (challenge, recipient,
// role) triple: skip when a payout record already exists, provision the
// receiving account when the ledger has none, issue the transfer, then write
// the record. A crash between confirmation and the record write is covered by
// the ledger's own per-challenge inactive flag checked at the top of each run.
func (o *Orchestrator) runPayout(ctx context.Context, ch *storage.Challenge, req payoutRequest) error {
	exists, err := o.store.PayoutExists(ctx, ch.ID, req.recipient.Wallet, req.role)
	if err != nil {
		return err
	}
	if exists {
		o.log.Debug("payout already recorded, skipping",
			"challenge", ch.LedgerRef, "recipient", req.recipient.Wallet, "role", req.role)
		return nil
	}

	known, err := o.gw.AccountExists(ctx, req.recipient.Wallet)
	if err != nil {
		return o.stepError(req.protocol, req.step, req.recipient.Wallet, err)
	}
	if !known {
		if _, err := o.gw.CreateRecipientAccount(ctx, req.recipient.Wallet); err != nil {
			return o.stepError(req.protocol, req.step, req.recipient.Wallet, err)
		}
		o.log.Info("provisioned recipient account",
			"challenge", ch.LedgerRef, "recipient", req.recipient.Wallet)
	}

	txRef, err := req.issue(ctx)
	if err != nil {
		return o.stepError(req.protocol, req.step, req.recipient.Wallet, err)
	}

	record := storage.PayoutRecord{
		ChallengeID: ch.ID,
		Recipient:   req.recipient.Wallet,
		Role:        req.role,
		Amount:      req.amount,
		TxRef:       txRef,
	}
	if err := o.store.RecordPayout(ctx, record); err != nil {
		return err
	}
	o.metrics.RecordPayout(string(req.role))
	o.log.Info("payout confirmed",
		"challenge", ch.LedgerRef, "recipient", req.recipient.Wallet,
		"role", req.role, "amount", req.amount, "tx", txRef)
	return nil
}

func (o *Orchestrator) stepError(protocol, step, recipient string, err error) error {
	o.metrics.RecordStepError(protocol, step)
	return &StepError{Protocol: protocol, Step: step, Recipient: recipient, Err: err}
}
