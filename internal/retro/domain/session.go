package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/retroloop/internal/platform/errors"
)

// Participant is one person present in a live session.
type Participant struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time
}

// Session is the live state of one retrospective: phase, roster,
// facilitator assignment, and vote ledger.
//
// Session is not safe for concurrent use; its owning room actor
// serializes every mutation, which is what makes the budget and
// single-facilitator invariants hold without fine-grained locking.
type Session struct {
	ID            string
	CreatedAt     time.Time
	Phase         Phase
	FacilitatorID string

	participants map[string]Participant
	ledger       *Ledger
}

// Snapshot is a consistent, copy-safe view of a session used for
// broadcast replay and durable sync.
type Snapshot struct {
	ID            string                    `json:"id"`
	Phase         Phase                     `json:"phase"`
	FacilitatorID string                    `json:"facilitator_id"`
	Participants  []Participant             `json:"participants"`
	Votes         map[string]map[string]int `json:"votes"`
	GroupTotals   map[string]int            `json:"group_totals"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// NewSession creates a session in the lobby phase with an empty roster.
func NewSession(sessionID string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:           sessionID,
		CreatedAt:    now().UTC(),
		Phase:        PhaseLobby,
		participants: make(map[string]Participant),
		ledger:       NewLedger(),
	}
}

// RestoreSession rebuilds a session from a durable snapshot. Only phase
// and vote tallies are rehydrated; participants and connections are
// live-only state.
func RestoreSession(snapshot Snapshot, now func() time.Time) *Session {
	session := NewSession(snapshot.ID, now)
	if snapshot.Phase.index() != -1 {
		session.Phase = snapshot.Phase
	}
	if !snapshot.CreatedAt.IsZero() {
		session.CreatedAt = snapshot.CreatedAt.UTC()
	}
	session.ledger = RestoreLedger(snapshot.Votes)
	return session
}

// Join registers or refreshes a participant and assigns the default
// facilitator when the session has none. It reports whether the joiner
// received the facilitator role. Join is idempotent per participant.
func (s *Session) Join(participantID, displayName string, now func() time.Time) (bool, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return false, errors.New(errors.CodeInvalidArgument, "participant id is required")
	}
	if now == nil {
		now = time.Now
	}

	existing, rejoining := s.participants[participantID]
	participant := Participant{
		ID:          participantID,
		DisplayName: strings.TrimSpace(displayName),
		JoinedAt:    now().UTC(),
	}
	if rejoining {
		participant.JoinedAt = existing.JoinedAt
		if participant.DisplayName == "" {
			participant.DisplayName = existing.DisplayName
		}
	}
	if participant.DisplayName == "" {
		participant.DisplayName = participantID
	}
	s.participants[participantID] = participant

	if s.facilitatorPresent() {
		return false, nil
	}
	s.FacilitatorID = participantID
	return true, nil
}

// Leave removes a participant from the roster. A departing facilitator
// leaves the session leader-less until another join or an explicit
// transfer; votes already cast are retained for rejoin.
func (s *Session) Leave(participantID string) (wasFacilitator, empty bool) {
	if _, ok := s.participants[participantID]; !ok {
		return false, len(s.participants) == 0
	}
	delete(s.participants, participantID)
	if s.FacilitatorID == participantID {
		s.FacilitatorID = ""
		wasFacilitator = true
	}
	return wasFacilitator, len(s.participants) == 0
}

// AdvancePhase moves the session to target on behalf of requesterID.
// Only the facilitator may advance; re-requesting the current phase is
// an idempotent no-op. It reports whether the phase actually changed.
func (s *Session) AdvancePhase(requesterID string, target Phase) (bool, error) {
	if err := s.requireFacilitator(requesterID); err != nil {
		return false, err
	}
	next, err := AdvancePhase(s.Phase, target)
	if err != nil {
		return false, err
	}
	if next == s.Phase {
		return false, nil
	}
	s.Phase = next
	return true, nil
}

// TransferFacilitator atomically moves the role from requesterID to
// targetID. The requester must currently hold the role and the target
// must be a present participant.
func (s *Session) TransferFacilitator(requesterID, targetID string) error {
	if err := s.requireFacilitator(requesterID); err != nil {
		return err
	}
	if _, ok := s.participants[targetID]; !ok {
		return errors.WithMetadata(errors.CodeForbidden, "transfer target is not a participant", map[string]string{
			"target_id": targetID,
		})
	}
	s.FacilitatorID = targetID
	return nil
}

// CastVote adds one vote by participantID on groupID, subject to the
// fixed budget.
func (s *Session) CastVote(participantID, groupID string) error {
	if _, ok := s.participants[participantID]; !ok {
		return errors.New(errors.CodeNotFound, "unknown participant")
	}
	return s.ledger.Cast(participantID, groupID)
}

// RemoveVote subtracts one vote by participantID on groupID.
func (s *Session) RemoveVote(participantID, groupID string) error {
	if _, ok := s.participants[participantID]; !ok {
		return errors.New(errors.CodeNotFound, "unknown participant")
	}
	return s.ledger.Remove(participantID, groupID)
}

// Participants returns the roster ordered by join time, then id for
// deterministic broadcasts.
func (s *Session) Participants() []Participant {
	roster := make([]Participant, 0, len(s.participants))
	for _, participant := range s.participants {
		roster = append(roster, participant)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].ID < roster[j].ID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// Ledger exposes the session's vote ledger for read-side queries.
func (s *Session) Ledger() *Ledger {
	return s.ledger
}

// Empty reports whether no participants remain.
func (s *Session) Empty() bool {
	return len(s.participants) == 0
}

// Snapshot captures a copy-safe view of the full session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:            s.ID,
		Phase:         s.Phase,
		FacilitatorID: s.FacilitatorID,
		Participants:  s.Participants(),
		Votes:         s.ledger.Counts(),
		GroupTotals:   s.ledger.GroupTotals(),
		CreatedAt:     s.CreatedAt,
	}
}

func (s *Session) requireFacilitator(requesterID string) error {
	if s.FacilitatorID == "" || requesterID != s.FacilitatorID {
		return errors.WithMetadata(errors.CodeForbidden, "requester is not the facilitator", map[string]string{
			"requester_id": requesterID,
		})
	}
	return nil
}

func (s *Session) facilitatorPresent() bool {
	if s.FacilitatorID == "" {
		return false
	}
	_, ok := s.participants[s.FacilitatorID]
	return ok
}
