package domain

import (
	"strings"

	"github.com/louisbranch/retroloop/internal/platform/errors"
)

// Phase identifies one step of the retrospective flow.
type Phase string

const (
	// PhaseLobby is the waiting room before the retrospective starts.
	PhaseLobby Phase = "lobby"
	// PhaseIdeation collects raw items from participants.
	PhaseIdeation Phase = "ideation"
	// PhaseGrouping clusters related items together.
	PhaseGrouping Phase = "grouping"
	// PhaseLabelling names the clustered groups.
	PhaseLabelling Phase = "labelling"
	// PhaseVoting distributes the per-participant vote budget.
	PhaseVoting Phase = "voting"
	// PhaseActionItems captures follow-up actions.
	PhaseActionItems Phase = "action_items"
	// PhaseCompleted is the terminal phase; nothing leaves it.
	PhaseCompleted Phase = "completed"
)

// phaseOrder fixes the forward sequence of the retrospective.
var phaseOrder = []Phase{
	PhaseLobby,
	PhaseIdeation,
	PhaseGrouping,
	PhaseLabelling,
	PhaseVoting,
	PhaseActionItems,
	PhaseCompleted,
}

// ParsePhase validates a wire-level phase name.
func ParsePhase(value string) (Phase, error) {
	phase := Phase(strings.TrimSpace(value))
	if phase.index() == -1 {
		return "", errors.WithMetadata(errors.CodeInvalidArgument, "unknown phase", map[string]string{
			"phase": value,
		})
	}
	return phase, nil
}

func (p Phase) index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted
}

// Next returns the phase that follows p in the forward sequence.
// The second result is false when p is terminal.
func (p Phase) Next() (Phase, bool) {
	i := p.index()
	if i == -1 || i == len(phaseOrder)-1 {
		return p, false
	}
	return phaseOrder[i+1], true
}

// AdvancePhase validates a requested transition and returns the resulting
// phase. Re-requesting the current phase succeeds without change. Forward
// moves of any distance are legal; backward moves and any move out of the
// terminal phase fail with an invalid-transition error. Role enforcement
// is the caller's responsibility.
func AdvancePhase(current, target Phase) (Phase, error) {
	currentIdx := current.index()
	targetIdx := target.index()
	if currentIdx == -1 || targetIdx == -1 {
		return current, errors.New(errors.CodeInvalidArgument, "unknown phase")
	}
	if target == current {
		return current, nil
	}
	if current.Terminal() {
		return current, errors.New(errors.CodeInvalidTransition, "retrospective is completed")
	}
	if targetIdx < currentIdx {
		return current, errors.WithMetadata(errors.CodeInvalidTransition, "phase cannot move backward", map[string]string{
			"current": string(current),
			"target":  string(target),
		})
	}
	return target, nil
}
