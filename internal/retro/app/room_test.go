package server

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/retroloop/internal/retro/domain"
	"github.com/louisbranch/retroloop/internal/retro/storage"
)

type memoryStore struct {
	mu        sync.Mutex
	snapshots map[string]domain.Snapshot
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[string]domain.Snapshot)}
}

func (m *memoryStore) SaveRetroSnapshot(_ context.Context, snapshot domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.ID] = snapshot
	return nil
}

func (m *memoryStore) LoadRetroSnapshot(_ context.Context, retroID string) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[retroID]
	if !ok {
		return domain.Snapshot{}, storage.ErrNotFound
	}
	return snapshot, nil
}

func (m *memoryStore) snapshot(retroID string) (domain.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[retroID]
	return snapshot, ok
}

// stallingStore blocks its first save until released, exposing stale
// writes racing past newer ones.
type stallingStore struct {
	inner   *memoryStore
	first   sync.Once
	release chan struct{}
}

func newStallingStore() *stallingStore {
	return &stallingStore{inner: newMemoryStore(), release: make(chan struct{})}
}

func (s *stallingStore) SaveRetroSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	stalled := false
	s.first.Do(func() { stalled = true })
	if stalled {
		<-s.release
	}
	return s.inner.SaveRetroSnapshot(ctx, snapshot)
}

func (s *stallingStore) LoadRetroSnapshot(ctx context.Context, retroID string) (domain.Snapshot, error) {
	return s.inner.LoadRetroSnapshot(ctx, retroID)
}

func discardPeer() *wsPeer {
	return newWSPeer(json.NewEncoder(io.Discard), nil)
}

func TestRoomActorConcurrentJoinsElectSingleFacilitator(t *testing.T) {
	registry := newRoomRegistry(nil, time.Minute)
	t.Cleanup(registry.close)

	room, ok := registry.room("retro-1", true)
	if !ok {
		t.Fatal("expected room creation")
	}

	participantIDs := []string{"alice", "bob", "carol", "dave", "erin"}
	var wg sync.WaitGroup
	for _, participantID := range participantIDs {
		wg.Add(1)
		go func(participantID string) {
			defer wg.Done()
			if _, err := room.join(participantID, participantID, discardPeer()); err != nil {
				t.Errorf("join %q: %v", participantID, err)
			}
		}(participantID)
	}
	wg.Wait()

	view, err := room.snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(view.Participants) != len(participantIDs) {
		t.Fatalf("participants = %d, want %d", len(view.Participants), len(participantIDs))
	}
	if view.FacilitatorID == "" {
		t.Fatal("expected exactly one facilitator, got none")
	}
	found := false
	for _, participant := range view.Participants {
		if participant.ID == view.FacilitatorID {
			found = true
		}
	}
	if !found {
		t.Fatalf("facilitator %q is not a participant", view.FacilitatorID)
	}
}

func TestRegistryRetiresEmptyRoomAfterGrace(t *testing.T) {
	registry := newRoomRegistry(nil, 10*time.Millisecond)
	t.Cleanup(registry.close)

	room, _ := registry.room("retro-1", true)
	peer := discardPeer()
	if _, err := room.join("alice", "alice", peer); err != nil {
		t.Fatalf("join: %v", err)
	}
	emptied, err := room.leave("alice", peer)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !emptied {
		t.Fatal("expected room emptied")
	}
	registry.scheduleTeardown("retro-1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := registry.room("retro-1", false); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("room was not retired after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryKeepsRoomWhenJoinLandsDuringGrace(t *testing.T) {
	registry := newRoomRegistry(nil, 30*time.Millisecond)
	t.Cleanup(registry.close)

	room, _ := registry.room("retro-1", true)
	peer := discardPeer()
	if _, err := room.join("alice", "alice", peer); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := room.leave("alice", peer); err != nil {
		t.Fatalf("leave: %v", err)
	}
	registry.scheduleTeardown("retro-1")

	// Re-validation: a join inside the grace window aborts the retirement.
	if _, err := room.join("bob", "bob", discardPeer()); err != nil {
		t.Fatalf("rejoin during grace: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	current, ok := registry.room("retro-1", false)
	if !ok {
		t.Fatal("room retired despite an active participant")
	}
	if current != room {
		t.Fatal("room was replaced instead of kept")
	}
	view, err := current.snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(view.Participants) != 1 || view.Participants[0].ID != "bob" {
		t.Fatalf("participants = %+v, want bob only", view.Participants)
	}
}

func TestRoomRehydratesPhaseAndVotesFromSnapshot(t *testing.T) {
	store := newMemoryStore()
	if err := store.SaveRetroSnapshot(context.Background(), domain.Snapshot{
		ID:            "retro-1",
		Phase:         domain.PhaseVoting,
		FacilitatorID: "old-facilitator",
		Votes: map[string]map[string]int{
			"alice": {"grp-1": 2},
		},
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	registry := newRoomRegistry(store, time.Minute)
	t.Cleanup(registry.close)

	room, _ := registry.room("retro-1", true)
	view, err := room.join("alice", "alice", discardPeer())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if view.Phase != domain.PhaseVoting {
		t.Fatalf("rehydrated phase = %q, want %q", view.Phase, domain.PhaseVoting)
	}
	if view.Votes["alice"]["grp-1"] != 2 {
		t.Fatalf("rehydrated votes = %+v, want alice grp-1 = 2", view.Votes)
	}
	// Roster and facilitator are live-only state; the joiner claims the
	// default role regardless of what the snapshot recorded.
	if view.FacilitatorID != "alice" {
		t.Fatalf("facilitator = %q, want %q", view.FacilitatorID, "alice")
	}
	if len(view.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(view.Participants))
	}
}

func TestRoomPersistsSnapshotAfterMutation(t *testing.T) {
	store := newMemoryStore()
	registry := newRoomRegistry(store, time.Minute)
	t.Cleanup(registry.close)

	room, _ := registry.room("retro-1", true)
	if _, err := room.join("alice", "alice", discardPeer()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := room.applyVote("alice", "grp-1", 1); err != nil {
		t.Fatalf("vote: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snapshot, ok := store.snapshot("retro-1")
		if ok && snapshot.Votes["alice"]["grp-1"] == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never persisted, got %+v", snapshot)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomPersistKeepsLatestSnapshotWhenStoreLags(t *testing.T) {
	store := newStallingStore()
	registry := newRoomRegistry(store, time.Minute)

	room, _ := registry.room("retro-1", true)
	if _, err := room.join("alice", "alice", discardPeer()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := room.advancePhase("alice", domain.PhaseIdeation); err != nil {
		t.Fatalf("advance to ideation: %v", err)
	}
	if _, err := room.advancePhase("alice", domain.PhaseGrouping); err != nil {
		t.Fatalf("advance to grouping: %v", err)
	}

	// Release the lagging first save, then drain the persist worker.
	close(store.release)
	registry.close()

	snapshot, ok := store.inner.snapshot("retro-1")
	if !ok {
		t.Fatal("expected a persisted snapshot")
	}
	if snapshot.Phase != domain.PhaseGrouping {
		t.Fatalf("durable phase = %q, want latest %q", snapshot.Phase, domain.PhaseGrouping)
	}
}

func TestRegistryCloseRejectsFurtherDispatch(t *testing.T) {
	registry := newRoomRegistry(nil, time.Minute)

	room, _ := registry.room("retro-1", true)
	if _, err := room.join("alice", "alice", discardPeer()); err != nil {
		t.Fatalf("join: %v", err)
	}
	registry.close()

	if _, ok := registry.room("retro-1", true); ok {
		t.Fatal("expected registry to refuse rooms after close")
	}
	if _, err := room.join("bob", "bob", discardPeer()); err != errRoomRetired {
		t.Fatalf("join after close err = %v, want errRoomRetired", err)
	}
}
