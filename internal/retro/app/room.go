package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	platformerrors "github.com/louisbranch/retroloop/internal/platform/errors"
	"github.com/louisbranch/retroloop/internal/retro/domain"
	"github.com/louisbranch/retroloop/internal/retro/storage"
)

// errRoomRetired signals that a room actor stopped between lookup and
// dispatch; callers go back through the registry and retry once.
var errRoomRetired = errors.New("room retired")

// roomActor owns one session's live state. Every mutation is a closure
// delivered through the unbuffered inbox and executed by the run loop,
// one at a time, in arrival order. Nothing outside the loop ever touches
// the session.
type roomActor struct {
	retroID string
	inbox   chan func()
	stop    chan struct{}
	ready   chan struct{}

	store storage.Store
	// One-slot queue feeding the persist worker; a newer snapshot
	// displaces a pending one, so durable writes never reorder.
	persistCh chan domain.Snapshot

	// Owned by the run loop; unexported accessors go through dispatch.
	session *domain.Session
	started bool
	retired bool
	seq     int64
	peers   map[string]*wsPeer
}

func newRoomActor(retroID string, store storage.Store) *roomActor {
	return &roomActor{
		retroID:   retroID,
		inbox:     make(chan func()),
		stop:      make(chan struct{}),
		ready:     make(chan struct{}),
		store:     store,
		persistCh: make(chan domain.Snapshot, 1),
		peers:     make(map[string]*wsPeer),
	}
}

// start rehydrates durable state and enters the run loop. Rehydration
// happens before the first command is accepted, so operations themselves
// never wait on storage.
func (r *roomActor) start() {
	r.session = r.restoreSession()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		for snapshot := range r.persistCh {
			r.saveSnapshot(snapshot)
		}
	}()
	close(r.ready)
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.stop:
			// Drain commands that won the race against retirement so
			// their callers are released, then flush pending persists.
			for {
				select {
				case fn := <-r.inbox:
					fn()
				default:
					close(r.persistCh)
					<-persistDone
					return
				}
			}
		}
	}
}

func (r *roomActor) restoreSession() *domain.Session {
	if r.store == nil {
		return domain.NewSession(r.retroID, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := r.store.LoadRetroSnapshot(ctx, r.retroID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("retro: load snapshot for %q: %v", r.retroID, err)
		}
		return domain.NewSession(r.retroID, nil)
	}
	return domain.RestoreSession(snapshot, nil)
}

// dispatch runs fn inside the actor's serialized section and waits for
// completion. It fails with errRoomRetired when the actor stopped first.
func (r *roomActor) dispatch(fn func()) error {
	<-r.ready
	done := make(chan struct{})
	select {
	case r.inbox <- func() {
		fn()
		close(done)
	}:
		<-done
		return nil
	case <-r.stop:
		return errRoomRetired
	}
}

// join registers the participant, replacing any prior connection handle,
// and returns the full state replay for the new connection.
func (r *roomActor) join(participantID, displayName string, peer *wsPeer) (stateView, error) {
	var view stateView
	var joinErr error
	err := r.dispatch(func() {
		if r.retired {
			joinErr = errRoomRetired
			return
		}
		if _, err := r.session.Join(participantID, displayName, nil); err != nil {
			joinErr = err
			return
		}
		if previous, ok := r.peers[participantID]; ok && previous != peer {
			// Reconnection replaces the prior connection handle.
			previous.closeQuietly()
		}
		r.peers[participantID] = peer

		// The roster fan-out happens before the replay snapshot is
		// built, so the joiner's state carries the sequence those
		// broadcasts were stamped with.
		r.broadcastExcept(participantID, eventParticipantsUpdate, r.participantsViewLocked())
		view = r.stateViewLocked()
		r.persistLocked()
	})
	if err != nil {
		return stateView{}, err
	}
	return view, joinErr
}

// leave drops the participant's connection. When peer is non-nil the
// departure only applies if that connection still owns the entry, so a
// superseded connection unwinding late cannot evict its replacement. It
// reports whether the room emptied so the registry can arm the teardown
// grace timer.
func (r *roomActor) leave(participantID string, peer *wsPeer) (bool, error) {
	var emptied bool
	err := r.dispatch(func() {
		if r.retired {
			return
		}
		if peer != nil {
			if current, ok := r.peers[participantID]; ok && current != peer {
				return
			}
		}
		delete(r.peers, participantID)
		_, emptied = r.session.Leave(participantID)
		if !emptied {
			r.broadcastLocked(eventParticipantsUpdate, r.participantsViewLocked())
		}
		r.persistLocked()
	})
	if err != nil {
		return false, err
	}
	return emptied, nil
}

// advancePhase applies a facilitator-gated phase transition and fans out
// the result. The retro-started event fires once, when the session first
// leaves the lobby.
func (r *roomActor) advancePhase(requesterID string, target domain.Phase) (domain.Phase, error) {
	var phase domain.Phase
	var opErr error
	err := r.dispatch(func() {
		if r.retired {
			opErr = errRoomRetired
			return
		}
		changed, err := r.session.AdvancePhase(requesterID, target)
		phase = r.session.Phase
		if err != nil {
			opErr = err
			return
		}
		if !changed {
			return
		}
		if !r.started && phase != domain.PhaseLobby {
			r.started = true
			r.broadcastLocked(eventRetroStarted, phaseView{Phase: phase})
		}
		r.broadcastLocked(eventPhaseChanged, phaseView{Phase: phase})
		r.persistLocked()
	})
	if err != nil {
		return "", err
	}
	return phase, opErr
}

// applyVote casts (delta > 0) or removes (delta < 0) a single vote and
// fans out the updated tallies. Rejections leave broadcast state
// untouched.
func (r *roomActor) applyVote(participantID, groupID string, delta int) (votesView, error) {
	var view votesView
	var opErr error
	err := r.dispatch(func() {
		if r.retired {
			opErr = errRoomRetired
			return
		}
		switch {
		case delta > 0:
			opErr = r.session.CastVote(participantID, groupID)
		case delta < 0:
			opErr = r.session.RemoveVote(participantID, groupID)
		default:
			opErr = platformerrors.New(platformerrors.CodeInvalidArgument, "vote delta must be +1 or -1")
		}
		if opErr != nil {
			return
		}
		view = r.votesViewLocked()
		r.broadcastLocked(eventVotesUpdate, view)
		r.persistLocked()
	})
	if err != nil {
		return votesView{}, err
	}
	return view, opErr
}

// transferFacilitator atomically swaps the role and fans out the roster,
// which carries the facilitator id.
func (r *roomActor) transferFacilitator(requesterID, targetID string) (participantsView, error) {
	var view participantsView
	var opErr error
	err := r.dispatch(func() {
		if r.retired {
			opErr = errRoomRetired
			return
		}
		if opErr = r.session.TransferFacilitator(requesterID, targetID); opErr != nil {
			return
		}
		view = r.participantsViewLocked()
		r.broadcastLocked(eventParticipantsUpdate, view)
		r.persistLocked()
	})
	if err != nil {
		return participantsView{}, err
	}
	return view, opErr
}

// applyItemEvent relays an item notification from the item-storage
// collaborator to every subscriber, preserving arrival order. The core
// does not interpret item content.
func (r *roomActor) applyItemEvent(kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var opErr error
	err := r.dispatch(func() {
		if r.retired {
			opErr = errRoomRetired
			return
		}
		r.broadcastLocked(kind, payload)
	})
	if err != nil {
		return err
	}
	return opErr
}

// snapshot returns a consistent read of the session for request/response
// callers.
func (r *roomActor) snapshot() (stateView, error) {
	var view stateView
	err := r.dispatch(func() {
		view = r.stateViewLocked()
	})
	if err != nil {
		return stateView{}, err
	}
	return view, nil
}

// retireIfEmpty flips the retired latch when the room has no
// participants and no connections. The decision runs in the actor's
// serialized section, so it is ordered against every join; once the
// latch is set, later operations fail with errRoomRetired and retry
// through the registry.
func (r *roomActor) retireIfEmpty() (bool, error) {
	var retired bool
	err := r.dispatch(func() {
		if r.retired {
			retired = true
			return
		}
		if r.session.Empty() && len(r.peers) == 0 {
			r.retired = true
			retired = true
		}
	})
	if err != nil {
		return false, err
	}
	return retired, nil
}

// broadcastLocked fans an event out to every subscriber. It must only be
// called from inside the run loop; enqueueing into a peer's outbound
// queue never blocks, so a slow peer cannot stall the room.
func (r *roomActor) broadcastLocked(event string, payload any) {
	r.seq++
	frame := wsFrame{
		Type:    event,
		Payload: mustJSON(broadcastEnvelope{Seq: r.seq, Data: mustJSON(payload)}),
	}
	for _, peer := range r.peers {
		_ = peer.writeFrame(frame)
	}
}

func (r *roomActor) broadcastExcept(participantID string, event string, payload any) {
	r.seq++
	frame := wsFrame{
		Type:    event,
		Payload: mustJSON(broadcastEnvelope{Seq: r.seq, Data: mustJSON(payload)}),
	}
	for peerID, peer := range r.peers {
		if peerID == participantID {
			continue
		}
		_ = peer.writeFrame(frame)
	}
}

// persistLocked hands the current snapshot to the persist worker
// without blocking the actor. The slot holds at most one pending
// snapshot; a newer one displaces it, so a lagging store cannot commit
// stale state over the latest accepted mutation. Storage results never
// mutate live state, so nothing flows back into the inbox.
func (r *roomActor) persistLocked() {
	if r.store == nil {
		return
	}
	snapshot := r.session.Snapshot()
	for {
		select {
		case r.persistCh <- snapshot:
			return
		default:
		}
		select {
		case <-r.persistCh:
		default:
		}
	}
}

func (r *roomActor) saveSnapshot(snapshot domain.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveRetroSnapshot(ctx, snapshot); err != nil {
		log.Printf("retro: persist snapshot for %q: %v", snapshot.ID, err)
	}
}

func (r *roomActor) stateViewLocked() stateView {
	snapshot := r.session.Snapshot()
	return stateView{
		RetroID:       snapshot.ID,
		Phase:         snapshot.Phase,
		FacilitatorID: snapshot.FacilitatorID,
		Participants:  toParticipantViews(snapshot.Participants),
		Votes:         snapshot.Votes,
		GroupTotals:   snapshot.GroupTotals,
		Seq:           r.seq,
	}
}

func (r *roomActor) participantsViewLocked() participantsView {
	return participantsView{
		Participants:  toParticipantViews(r.session.Participants()),
		FacilitatorID: r.session.FacilitatorID,
	}
}

func (r *roomActor) votesViewLocked() votesView {
	return votesView{
		Votes:       r.session.Ledger().Counts(),
		GroupTotals: r.session.Ledger().GroupTotals(),
	}
}

// roomRegistry is the process-wide table of live rooms. Its lock guards
// only create-if-absent and retirement; per-session mutation always goes
// through the owning actor.
type roomRegistry struct {
	mu    sync.Mutex
	rooms map[string]*roomActor

	store      storage.Store
	idleGrace  time.Duration
	wg         sync.WaitGroup
	retiring   bool
	shutdownCh chan struct{}
}

func newRoomRegistry(store storage.Store, idleGrace time.Duration) *roomRegistry {
	return &roomRegistry{
		rooms:      make(map[string]*roomActor),
		store:      store,
		idleGrace:  idleGrace,
		shutdownCh: make(chan struct{}),
	}
}

// room returns the live actor for retroID, creating one when create is
// set. Creation and lookup share the same guarded section, so a joiner
// can never observe a half-retired entry.
func (h *roomRegistry) room(retroID string, create bool) (*roomActor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[retroID]
	if ok {
		return room, true
	}
	if !create || h.retiring {
		return nil, false
	}

	room = newRoomActor(retroID, h.store)
	h.rooms[retroID] = room
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		room.start()
	}()
	return room, true
}

// scheduleTeardown arms the idle grace timer for an emptied room. On
// expiry the entry is retired unless a join re-validated it in the
// meantime.
func (h *roomRegistry) scheduleTeardown(retroID string) {
	h.mu.Lock()
	if h.retiring {
		h.mu.Unlock()
		return
	}
	grace := h.idleGrace
	if grace <= 0 {
		grace = time.Millisecond
	}
	timer := time.NewTimer(grace)
	h.wg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.wg.Done()
		defer timer.Stop()
		select {
		case <-h.shutdownCh:
			return
		case <-timer.C:
		}
		h.retireIfEmpty(retroID)
	}()
}

func (h *roomRegistry) retireIfEmpty(retroID string) {
	h.mu.Lock()
	room, ok := h.rooms[retroID]
	h.mu.Unlock()
	if !ok {
		return
	}

	retired, err := room.retireIfEmpty()
	if err != nil || !retired {
		return
	}

	h.mu.Lock()
	if current, ok := h.rooms[retroID]; ok && current == room {
		delete(h.rooms, retroID)
		close(room.stop)
	}
	h.mu.Unlock()
}

// close retires every room and waits for actors and teardown timers.
func (h *roomRegistry) close() {
	h.mu.Lock()
	h.retiring = true
	for retroID, room := range h.rooms {
		delete(h.rooms, retroID)
		close(room.stop)
	}
	h.mu.Unlock()
	close(h.shutdownCh)
	h.wg.Wait()
}

func toParticipantViews(participants []domain.Participant) []participantView {
	views := make([]participantView, 0, len(participants))
	for _, participant := range participants {
		views = append(views, participantView{
			ID:          participant.ID,
			DisplayName: participant.DisplayName,
			JoinedAt:    participant.JoinedAt.Format(time.RFC3339),
		})
	}
	return views
}
