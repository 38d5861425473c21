package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	platformerrors "github.com/louisbranch/retroloop/internal/platform/errors"
	"github.com/louisbranch/retroloop/internal/platform/id"
	"github.com/louisbranch/retroloop/internal/retro/domain"
	"github.com/louisbranch/retroloop/internal/retro/storage"
)

// apiHandler serves the request/response mutation surface. Every
// operation resolves the room actor and runs inside its serialized
// section, so HTTP callers and WebSocket frames interleave safely.
type apiHandler struct {
	registry *roomRegistry
}

type votePayload struct {
	ParticipantID string `json:"participant_id"`
	GroupID       string `json:"group_id"`
	Delta         int    `json:"delta"`
}

type phasePayload struct {
	ParticipantID string `json:"participant_id"`
	Phase         string `json:"phase"`
}

type facilitatorPayload struct {
	ParticipantID string `json:"participant_id"`
	TargetID      string `json:"target_id"`
}

type itemPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleCreateRetro mints a room id and spins the actor up. An unclaimed
// room expires through the same idle grace path as an emptied one.
func (h *apiHandler) handleCreateRetro(w http.ResponseWriter, r *http.Request) {
	retroID, err := id.NewID()
	if err != nil {
		writeAPIError(w, platformerrors.Wrap(platformerrors.CodeUnknown, "generate retro id", err))
		return
	}
	room, ok := h.registry.room(retroID, true)
	if !ok {
		writeAPIError(w, platformerrors.New(platformerrors.CodeUnknown, "server is shutting down"))
		return
	}
	h.registry.scheduleTeardown(retroID)

	view, err := room.snapshot()
	if err != nil {
		writeAPIError(w, platformerrors.New(platformerrors.CodeUnknown, "retro room unavailable"))
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *apiHandler) handleGetRetro(w http.ResponseWriter, r *http.Request) {
	retroID := strings.TrimSpace(r.PathValue("id"))
	if retroID == "" {
		writeAPIError(w, platformerrors.New(platformerrors.CodeInvalidArgument, "retro id is required"))
		return
	}

	if room, ok := h.registry.room(retroID, false); ok {
		view, err := room.snapshot()
		if err == nil {
			writeJSON(w, http.StatusOK, view)
			return
		}
		// Retired between lookup and dispatch; fall through to storage.
	}

	view, err := h.storedView(r.Context(), retroID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// storedView serves reads for rooms with no live actor from the durable
// snapshot, without spinning a room up.
func (h *apiHandler) storedView(ctx context.Context, retroID string) (stateView, error) {
	if h.registry.store == nil {
		return stateView{}, platformerrors.New(platformerrors.CodeNotFound, "retro not found")
	}
	snapshot, err := h.registry.store.LoadRetroSnapshot(ctx, retroID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stateView{}, platformerrors.New(platformerrors.CodeNotFound, "retro not found")
		}
		return stateView{}, platformerrors.Wrap(platformerrors.CodeUnknown, "load retro snapshot", err)
	}
	groupTotals := snapshot.GroupTotals
	if groupTotals == nil {
		// Vote rows are the durable source of truth; totals are derived.
		groupTotals = domain.RestoreLedger(snapshot.Votes).GroupTotals()
	}
	return stateView{
		RetroID:       snapshot.ID,
		Phase:         snapshot.Phase,
		FacilitatorID: snapshot.FacilitatorID,
		Participants:  toParticipantViews(snapshot.Participants),
		Votes:         snapshot.Votes,
		GroupTotals:   groupTotals,
	}, nil
}

func (h *apiHandler) handleVote(w http.ResponseWriter, r *http.Request) {
	var payload votePayload
	if err := decodeJSONBody(r, &payload); err != nil {
		writeAPIError(w, err)
		return
	}
	participantID := strings.TrimSpace(payload.ParticipantID)
	groupID := strings.TrimSpace(payload.GroupID)
	if participantID == "" || groupID == "" {
		writeAPIError(w, platformerrors.New(platformerrors.CodeInvalidArgument, "participant_id and group_id are required"))
		return
	}

	view, err := h.withRoom(r, func(room *roomActor) (any, error) {
		return room.applyVote(participantID, groupID, payload.Delta)
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *apiHandler) handlePhase(w http.ResponseWriter, r *http.Request) {
	var payload phasePayload
	if err := decodeJSONBody(r, &payload); err != nil {
		writeAPIError(w, err)
		return
	}
	participantID := strings.TrimSpace(payload.ParticipantID)
	if participantID == "" {
		writeAPIError(w, platformerrors.New(platformerrors.CodeInvalidArgument, "participant_id is required"))
		return
	}
	target, err := domain.ParsePhase(payload.Phase)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	view, err := h.withRoom(r, func(room *roomActor) (any, error) {
		phase, err := room.advancePhase(participantID, target)
		if err != nil {
			return nil, err
		}
		return phaseView{Phase: phase}, nil
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *apiHandler) handleFacilitator(w http.ResponseWriter, r *http.Request) {
	var payload facilitatorPayload
	if err := decodeJSONBody(r, &payload); err != nil {
		writeAPIError(w, err)
		return
	}
	participantID := strings.TrimSpace(payload.ParticipantID)
	targetID := strings.TrimSpace(payload.TargetID)
	if participantID == "" || targetID == "" {
		writeAPIError(w, platformerrors.New(platformerrors.CodeInvalidArgument, "participant_id and target_id are required"))
		return
	}

	view, err := h.withRoom(r, func(room *roomActor) (any, error) {
		return room.transferFacilitator(participantID, targetID)
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *apiHandler) handleItems(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := decodeJSONBody(r, &payload); err != nil {
		writeAPIError(w, err)
		return
	}
	kind := strings.TrimSpace(payload.Kind)
	switch kind {
	case eventItemAdded, eventItemUpdated, eventItemDeleted, eventItemsUpdate:
	default:
		writeAPIError(w, platformerrors.New(platformerrors.CodeInvalidArgument, "unsupported item event kind"))
		return
	}

	_, err := h.withRoom(r, func(room *roomActor) (any, error) {
		return nil, room.applyItemEvent(kind, payload.Payload)
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// withRoom resolves the live actor for the {id} path segment and runs
// op inside it. A room with no live actor is NotFound; mutations do not
// lazily resurrect rooms.
func (h *apiHandler) withRoom(r *http.Request, op func(room *roomActor) (any, error)) (any, error) {
	retroID := strings.TrimSpace(r.PathValue("id"))
	if retroID == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "retro id is required")
	}
	for {
		room, ok := h.registry.room(retroID, false)
		if !ok {
			return nil, platformerrors.New(platformerrors.CodeNotFound, "retro not found")
		}
		result, err := op(room)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		return result, err
	}
}

func decodeJSONBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxFramePayloadBytes))
	if err := decoder.Decode(v); err != nil {
		return platformerrors.Wrap(platformerrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("retro: write response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, err error) {
	code := platformerrors.CodeOf(err)
	message := err.Error()
	var domainErr *platformerrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	writeJSON(w, code.HTTPStatus(), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}
