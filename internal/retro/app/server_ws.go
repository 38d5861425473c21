package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	platformerrors "github.com/louisbranch/retroloop/internal/platform/errors"
	"golang.org/x/net/websocket"
)

// wsSession tracks which room a connection has joined. The room pointer
// is mutex-guarded because a replacement connection can trigger a close
// while the reader goroutine is mid-frame.
type wsSession struct {
	mu            sync.Mutex
	participantID string
	room          *roomActor
	peer          *wsPeer
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

func (s *wsSession) setRoom(participantID string, next *roomActor) *roomActor {
	s.mu.Lock()
	previous := s.room
	s.participantID = participantID
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() (*roomActor, string) {
	s.mu.Lock()
	room := s.room
	participantID := s.participantID
	s.mu.Unlock()
	return room, participantID
}

func handleWSConn(conn *websocket.Conn, registry *roomRegistry) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn), conn)
	defer peer.closeQuietly()
	session := newWSSession(peer)
	defer func() {
		if room, participantID := session.currentRoom(); room != nil {
			leaveRetroRoom(registry, room, participantID, session.peer)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", platformerrors.CodeInvalidArgument, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeResourceExhausted, "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameRetroJoin:
			handleJoinFrame(session, registry, frame)
		case frameRetroLeave:
			handleLeaveFrame(session, registry, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "unsupported frame type")
		}
	}
}

func leaveRetroRoom(registry *roomRegistry, room *roomActor, participantID string, peer *wsPeer) {
	if room == nil || peer == nil {
		return
	}
	emptied, err := room.leave(participantID, peer)
	if err != nil {
		return
	}
	if emptied {
		registry.scheduleTeardown(room.retroID)
	}
}

func handleJoinFrame(session *wsSession, registry *roomRegistry, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "invalid join payload")
		return
	}

	retroID := strings.TrimSpace(payload.RetroID)
	if retroID == "" {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "retro_id is required")
		return
	}
	participantID := strings.TrimSpace(payload.ParticipantID)
	if participantID == "" {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "participant_id is required")
		return
	}
	displayName := strings.TrimSpace(payload.DisplayName)
	if displayName == "" {
		displayName = participantID
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameRunes {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "display_name must be at most 128 characters")
		return
	}

	// A connection switching identities inside the retro it already
	// joined releases the old identity first; otherwise the roster keeps
	// a ghost participant that no disconnect will ever clean up.
	if previousRoom, previousID := session.currentRoom(); previousRoom != nil &&
		previousRoom.retroID == retroID && previousID != participantID {
		session.setRoom("", nil)
		leaveRetroRoom(registry, previousRoom, previousID, session.peer)
	}

	// A stopped actor between lookup and dispatch is indistinguishable
	// from a slightly earlier retirement, so the join goes back through
	// the registry for a fresh actor.
	var view stateView
	for {
		room, ok := registry.room(retroID, true)
		if !ok {
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeUnknown, "server is shutting down")
			return
		}
		resolved, err := room.join(participantID, displayName, session.peer)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		if err != nil {
			log.Printf("retro: join %q as %q: %v", retroID, participantID, err)
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeOf(err), err.Error())
			return
		}

		session.mu.Lock()
		previousRoom := session.room
		previousID := session.participantID
		session.participantID = participantID
		session.room = room
		session.mu.Unlock()
		if previousRoom != nil && previousRoom != room {
			leaveRetroRoom(registry, previousRoom, previousID, session.peer)
		}
		view = resolved
		break
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      eventRetroState,
		RequestID: frame.RequestID,
		Payload:   mustJSON(view),
	})
}

func handleLeaveFrame(session *wsSession, registry *roomRegistry, frame wsFrame) {
	room, participantID := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeForbidden, "must join a retro before leaving one")
		return
	}

	// The payload is optional, but when provided it must name the retro
	// and identity this connection actually joined.
	var payload leavePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "invalid leave payload")
			return
		}
	}
	if retroID := strings.TrimSpace(payload.RetroID); retroID != "" && retroID != room.retroID {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "retro_id does not match the joined retro")
		return
	}
	if requestedID := strings.TrimSpace(payload.ParticipantID); requestedID != "" && requestedID != participantID {
		_ = writeWSError(session.peer, frame.RequestID, platformerrors.CodeInvalidArgument, "participant_id does not match the joined participant")
		return
	}

	session.setRoom("", nil)
	leaveRetroRoom(registry, room, participantID, session.peer)
}
