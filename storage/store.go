package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rivalry/native/challenge"
)

// Store wraps the relational database consumed by the settlement engine. All
// mutating paths append audit events in the same transaction as the change
// they describe.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New migrates the schema and returns a ready store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = time.Now
		return
	}
	s.now = now
}

// DB exposes the underlying handle for test fixtures.
func (s *Store) DB() *gorm.DB { return s.db }

// ChallengeByRef loads a challenge by its ledger reference.
func (s *Store) ChallengeByRef(ctx context.Context, ledgerRef string) (*Challenge, error) {
	var ch Challenge
	err := s.db.WithContext(ctx).First(&ch, "ledger_ref = ?", strings.TrimSpace(ledgerRef)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, challenge.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// TryAcquire performs the atomic ACTIVE -> PENDING compare-and-set that
// guards a settlement run. The conditional UPDATE is the only locking
// discipline required: concurrent callers race on the same row and exactly
// one observes a row change. The acquiring protocol is recorded on the row
// so a stuck PENDING challenge can only be resumed by the same protocol.
func (s *Store) TryAcquire(ctx context.Context, id uuid.UUID, actor, protocol string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Challenge{}).
			Where("id = ? AND state = ?", id, challenge.StateActive).
			Updates(map[string]interface{}{
				"state":               challenge.StatePending,
				"settlement_protocol": protocol,
				"updated_at":          s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var existing Challenge
			if err := tx.Select("id").First(&existing, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return challenge.ErrNotFound
				}
				return err
			}
			return challenge.ErrLockConflict
		}
		return s.appendEvent(tx, id, actor, "settlement.pending", "protocol="+protocol)
	})
}

// Release moves a PENDING challenge to its terminal state and bumps the
// per-protocol settlement tracker.
func (s *Store) Release(ctx context.Context, id uuid.UUID, to challenge.State, actor, protocol string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch Challenge
		if err := tx.First(&ch, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return challenge.ErrNotFound
			}
			return err
		}
		if err := challenge.ValidateTransition(ch.State, to); err != nil {
			return err
		}
		ch.State = to
		ch.UpdatedAt = s.now().UTC()
		if err := tx.Save(&ch).Error; err != nil {
			return err
		}
		if err := s.bumpTracker(tx, protocol); err != nil {
			return err
		}
		return s.appendEvent(tx, id, actor, fmt.Sprintf("settlement.%s", strings.ToLower(string(to))), "")
	})
}

func (s *Store) bumpTracker(tx *gorm.DB, protocol string) error {
	var tracker SettlementTracker
	err := tx.First(&tracker, "protocol = ?", protocol).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		tracker = SettlementTracker{Protocol: protocol, Completed: 1, UpdatedAt: s.now().UTC()}
		return tx.Create(&tracker).Error
	case err != nil:
		return err
	}
	tracker.Completed++
	tracker.UpdatedAt = s.now().UTC()
	return tx.Save(&tracker).Error
}

// TrackerCount reports how many settlements completed for a protocol.
func (s *Store) TrackerCount(ctx context.Context, protocol string) (int64, error) {
	var tracker SettlementTracker
	err := s.db.WithContext(ctx).First(&tracker, "protocol = ?", protocol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tracker.Completed, nil
}

// Participants returns the challenge's joined members as payable recipients,
// ordered by join time then user id for deterministic refund sequencing.
func (s *Store) Participants(ctx context.Context, challengeID uuid.UUID) ([]challenge.Recipient, error) {
	var rows []struct {
		UserID uuid.UUID
		Wallet string
	}
	err := s.db.WithContext(ctx).
		Table("challenge_participants").
		Select("challenge_participants.user_id, users.wallet").
		Joins("JOIN users ON users.id = challenge_participants.user_id").
		Where("challenge_participants.challenge_id = ?", challengeID).
		Order("challenge_participants.joined_at, challenge_participants.user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	recipients := make([]challenge.Recipient, 0, len(rows))
	for _, row := range rows {
		recipients = append(recipients, challenge.Recipient{UserID: row.UserID, Wallet: row.Wallet})
	}
	return recipients, nil
}

// TallyInput assembles the resolver input: every submission of the challenge
// with its participant and voter wallets resolved.
func (s *Store) TallyInput(ctx context.Context, challengeID uuid.UUID) ([]challenge.TallySubmission, error) {
	var subs []Submission
	if err := s.db.WithContext(ctx).Where("challenge_id = ?", challengeID).Order("id").Find(&subs).Error; err != nil {
		return nil, err
	}
	out := make([]challenge.TallySubmission, 0, len(subs))
	for _, sub := range subs {
		participant, err := s.recipient(ctx, sub.ParticipantID)
		if err != nil {
			return nil, err
		}
		var votes []Vote
		if err := s.db.WithContext(ctx).Where("submission_id = ?", sub.ID).Order("cast_at, voter_id").Find(&votes).Error; err != nil {
			return nil, err
		}
		entry := challenge.TallySubmission{ID: sub.ID, Participant: participant}
		for _, vote := range votes {
			voter, err := s.recipient(ctx, vote.VoterID)
			if err != nil {
				return nil, err
			}
			entry.Voters = append(entry.Voters, voter)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) recipient(ctx context.Context, userID uuid.UUID) (challenge.Recipient, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return challenge.Recipient{}, fmt.Errorf("storage: user %s not found", userID)
		}
		return challenge.Recipient{}, err
	}
	return challenge.Recipient{UserID: user.ID, Wallet: strings.TrimSpace(user.Wallet)}, nil
}

// CreatorRecipient resolves the challenge creator's payout wallet.
func (s *Store) CreatorRecipient(ctx context.Context, ch *Challenge) (challenge.Recipient, error) {
	return s.recipient(ctx, ch.CreatorID)
}

// DistinctVoterCount counts distinct voters across all of the challenge's
// submissions; it feeds the computed FAILED precondition.
func (s *Store) DistinctVoterCount(ctx context.Context, challengeID uuid.UUID) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Vote{}).
		Where("challenge_id = ?", challengeID).
		Distinct("voter_id").
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// ParticipantCount counts members that joined the challenge.
func (s *Store) ParticipantCount(ctx context.Context, challengeID uuid.UUID) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ChallengeParticipant{}).
		Where("challenge_id = ?", challengeID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// PayoutExists reports whether a transfer for the (challenge, recipient,
// role) triple already completed. This is the first idempotency guard
// consulted before any ledger operation for a recipient.
func (s *Store) PayoutExists(ctx context.Context, challengeID uuid.UUID, recipient string, role challenge.PayoutRole) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PayoutRecord{}).
		Where("challenge_id = ? AND recipient = ? AND role = ?", challengeID, recipient, role).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordPayout persists the audit record of one confirmed transfer. Written
// exactly once per successful transfer; the unique index rejects duplicates
// if two runs ever race past the existence check.
func (s *Store) RecordPayout(ctx context.Context, rec PayoutRecord) error {
	if !rec.Role.Valid() {
		return fmt.Errorf("storage: invalid payout role %q", rec.Role)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("role=%s amount=%d tx=%s", rec.Role, rec.Amount, rec.TxRef)
		return s.appendEvent(tx, rec.ChallengeID, rec.Recipient, "settlement.payout", details)
	})
}

// PayoutsByChallenge lists recorded transfers for operator inspection.
func (s *Store) PayoutsByChallenge(ctx context.Context, challengeID uuid.UUID) ([]PayoutRecord, error) {
	var records []PayoutRecord
	err := s.db.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("created_at, id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PayoutCount counts recorded transfers for a recipient and role.
func (s *Store) PayoutCount(ctx context.Context, challengeID uuid.UUID, recipient string, role challenge.PayoutRole) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PayoutRecord{}).
		Where("challenge_id = ? AND recipient = ? AND role = ?", challengeID, recipient, role).
		Count(&count).Error
	return count, err
}

// AppendEvent writes one audit row outside of any surrounding transaction.
func (s *Store) AppendEvent(ctx context.Context, challengeID uuid.UUID, actor, action, details string) error {
	return s.appendEvent(s.db.WithContext(ctx), challengeID, actor, action, details)
}

func (s *Store) appendEvent(tx *gorm.DB, challengeID uuid.UUID, actor, action, details string) error {
	event := SettlementEvent{
		ChallengeID: challengeID,
		Actor:       actor,
		Action:      action,
		Details:     details,
		CreatedAt:   s.now().UTC(),
	}
	return tx.Create(&event).Error
}

// EventsByChallenge returns the audit trail in insertion order.
func (s *Store) EventsByChallenge(ctx context.Context, challengeID uuid.UUID) ([]SettlementEvent, error) {
	var events []SettlementEvent
	err := s.db.WithContext(ctx).
		Where("challenge_id = ?", challengeID).
		Order("id").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// StuckPending lists challenges that have held the PENDING state longer than
// the threshold; these require operator re-invocation.
func (s *Store) StuckPending(ctx context.Context, olderThan time.Duration) ([]Challenge, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	var rows []Challenge
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", challenge.StatePending, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })
	return rows, nil
}
