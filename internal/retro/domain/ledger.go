package domain

import (
	"github.com/louisbranch/retroloop/internal/platform/errors"
)

// VoteBudget is the fixed number of votes each participant may distribute
// across item groups in one session.
const VoteBudget = 3

// Ledger tracks per-participant vote usage against the fixed budget.
//
// Ledger is not safe for concurrent use; it is owned by a session's room
// actor, which serializes all access.
type Ledger struct {
	// participant id -> group id -> count; zero counts are never retained.
	votes map[string]map[string]int
}

// NewLedger creates an empty vote ledger.
func NewLedger() *Ledger {
	return &Ledger{votes: make(map[string]map[string]int)}
}

// RestoreLedger rebuilds a ledger from persisted counts. Zero and negative
// entries are discarded so totals queries stay cheap.
func RestoreLedger(counts map[string]map[string]int) *Ledger {
	ledger := NewLedger()
	for participantID, groups := range counts {
		for groupID, count := range groups {
			if count <= 0 {
				continue
			}
			if ledger.votes[participantID] == nil {
				ledger.votes[participantID] = make(map[string]int)
			}
			ledger.votes[participantID][groupID] = count
		}
	}
	return ledger
}

// Cast adds one vote by participantID on groupID. It fails with a
// budget-exceeded error when the participant's total usage across all
// groups has already reached the budget; tallies are left untouched.
func (l *Ledger) Cast(participantID, groupID string) error {
	if l.Used(participantID) >= VoteBudget {
		return errors.WithMetadata(errors.CodeBudgetExceeded, "vote budget reached", map[string]string{
			"participant_id": participantID,
		})
	}
	if l.votes[participantID] == nil {
		l.votes[participantID] = make(map[string]int)
	}
	l.votes[participantID][groupID]++
	return nil
}

// Remove subtracts one vote by participantID on groupID. It fails with an
// underflow error when the participant has no votes on that group. When a
// count reaches zero the entry is deleted rather than retained.
func (l *Ledger) Remove(participantID, groupID string) error {
	groups := l.votes[participantID]
	if groups[groupID] <= 0 {
		return errors.WithMetadata(errors.CodeVoteUnderflow, "no votes to remove for group", map[string]string{
			"participant_id": participantID,
			"group_id":       groupID,
		})
	}
	groups[groupID]--
	if groups[groupID] == 0 {
		delete(groups, groupID)
	}
	if len(groups) == 0 {
		delete(l.votes, participantID)
	}
	return nil
}

// Used returns the participant's total vote usage across all groups.
func (l *Ledger) Used(participantID string) int {
	total := 0
	for _, count := range l.votes[participantID] {
		total += count
	}
	return total
}

// Count returns the participant's votes on a single group.
func (l *Ledger) Count(participantID, groupID string) int {
	return l.votes[participantID][groupID]
}

// GroupTotals recomputes per-group totals as the sum over participants.
// Totals are derived on read rather than cached to avoid drift.
func (l *Ledger) GroupTotals() map[string]int {
	totals := make(map[string]int)
	for _, groups := range l.votes {
		for groupID, count := range groups {
			totals[groupID] += count
		}
	}
	return totals
}

// Counts returns a deep copy of the per-participant vote counts.
func (l *Ledger) Counts() map[string]map[string]int {
	counts := make(map[string]map[string]int, len(l.votes))
	for participantID, groups := range l.votes {
		copied := make(map[string]int, len(groups))
		for groupID, count := range groups {
			copied[groupID] = count
		}
		counts[participantID] = copied
	}
	return counts
}
