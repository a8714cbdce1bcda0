package challenge

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TallySubmission is one submission together with the voters that backed it.
// Votes are expected to be deduplicated per (challenge, voter) upstream; the
// resolver treats the voter lists as already-clean input.
type TallySubmission struct {
	ID          uuid.UUID
	Participant Recipient
	Voters      []Recipient
}

// Outcome is the result of resolving a challenge's votes. TopSubmissions holds
// every submission whose vote count equals the maximum observed count, so ties
// surface as multiple co-winners rather than an arbitrary pick.
type Outcome struct {
	TopSubmissions      []uuid.UUID
	MaxVotes            int
	WinningParticipants []Recipient
	WinningVoters       []Recipient
}

// Tally computes the winning submissions, the distinct participants behind
// them, and every voter who backed any of them. Ordering is deterministic:
// top submissions sort by identifier, winners follow that order, and voters
// keep first-appearance order across the sorted top submissions.
func Tally(subs []TallySubmission) (*Outcome, error) {
	if len(subs) == 0 {
		return nil, ErrNoSubmissions
	}

	maxVotes := 0
	total := 0
	for _, sub := range subs {
		total += len(sub.Voters)
		if len(sub.Voters) > maxVotes {
			maxVotes = len(sub.Voters)
		}
	}
	if total == 0 {
		return nil, ErrNoVotes
	}

	top := make([]TallySubmission, 0, len(subs))
	for _, sub := range subs {
		if len(sub.Voters) == maxVotes {
			top = append(top, sub)
		}
	}
	sort.Slice(top, func(i, j int) bool {
		return strings.Compare(top[i].ID.String(), top[j].ID.String()) < 0
	})

	out := &Outcome{MaxVotes: maxVotes}
	seenParticipant := make(map[uuid.UUID]bool)
	seenVoter := make(map[uuid.UUID]bool)
	for _, sub := range top {
		out.TopSubmissions = append(out.TopSubmissions, sub.ID)
		if strings.TrimSpace(sub.Participant.Wallet) == "" {
			return nil, &MissingWalletError{UserID: sub.Participant.UserID}
		}
		if !seenParticipant[sub.Participant.UserID] {
			seenParticipant[sub.Participant.UserID] = true
			out.WinningParticipants = append(out.WinningParticipants, sub.Participant)
		}
		for _, voter := range sub.Voters {
			if seenVoter[voter.UserID] {
				continue
			}
			seenVoter[voter.UserID] = true
			out.WinningVoters = append(out.WinningVoters, voter)
		}
	}
	return out, nil
}
