package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rivalry/native/challenge"
)

// User stores platform members that can create, enter, and vote on
// challenges. Wallet is the ledger address payouts are sent to; it stays
// empty until the member links one.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username  string    `gorm:"size:64;uniqueIndex"`
	Wallet    string    `gorm:"size:64;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Challenge is the off-chain record of one competition instance. Amounts are
// asset base units. State is mutated exclusively by the settlement engine
// once the challenge leaves creation.
type Challenge struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey"`
	LedgerRef            string          `gorm:"size:64;uniqueIndex"`
	State                challenge.State `gorm:"size:16;index"`
	SettlementProtocol   string          `gorm:"size:16"`
	Reward               int64           `gorm:"not null"`
	ParticipationFee     int64           `gorm:"not null"`
	VotingFee            int64           `gorm:"not null"`
	MinParticipants      int
	MaxParticipants      int
	MinVoters            int
	MaxVoters            int
	RegistrationDeadline time.Time
	SubmissionDeadline   time.Time
	VotingDeadline       time.Time
	CreatorID            uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Participants         []ChallengeParticipant
	Submissions          []Submission
}

// ChallengeParticipant links a member who paid the participation fee to a
// challenge.
type ChallengeParticipant struct {
	ChallengeID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	JoinedAt    time.Time
}

// Submission is one participant's entry. VoteCount mirrors the cardinality of
// the submission's vote rows and is maintained by the vote write path.
type Submission struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID   uuid.UUID `gorm:"type:uuid;index"`
	ParticipantID uuid.UUID `gorm:"type:uuid;index"`
	VideoURL      string    `gorm:"size:512"`
	VoteCount     int       `gorm:"not null;default:0"`
	CreatedAt     time.Time
	Votes         []Vote
}

// Vote is one voter's ballot. The composite key enforces one ballot per
// (submission, voter); one-ballot-per-challenge is enforced by the vote
// endpoint before settlement ever runs.
type Vote struct {
	SubmissionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	VoterID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChallengeID  uuid.UUID `gorm:"type:uuid;index"`
	CastAt       time.Time
}

// PayoutRecord is the audit and idempotency record of one completed transfer.
// The unique index over (challenge, recipient, role) is the primary defense
// against double payment when a settlement run is re-invoked.
type PayoutRecord struct {
	ID          int64                `gorm:"primaryKey;autoIncrement"`
	ChallengeID uuid.UUID            `gorm:"type:uuid;uniqueIndex:idx_payout_once,priority:1"`
	Recipient   string               `gorm:"size:64;uniqueIndex:idx_payout_once,priority:2"`
	Role        challenge.PayoutRole `gorm:"size:24;uniqueIndex:idx_payout_once,priority:3"`
	Amount      int64                `gorm:"not null"`
	TxRef       string               `gorm:"size:128"`
	CreatedAt   time.Time
}

// SettlementEvent is the append-only audit trail of settlement activity.
type SettlementEvent struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ChallengeID uuid.UUID `gorm:"type:uuid;index"`
	Actor       string    `gorm:"size:64"`
	Action      string    `gorm:"size:64"`
	Details     string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// SettlementTracker counts settlements that reached a terminal state, per
// protocol.
type SettlementTracker struct {
	Protocol  string `gorm:"primaryKey;size:16"`
	Completed int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// AutoMigrate creates or upgrades the schema for every settlement table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Challenge{},
		&ChallengeParticipant{},
		&Submission{},
		&Vote{},
		&PayoutRecord{},
		&SettlementEvent{},
		&SettlementTracker{},
	)
}
