package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	platformerrors "github.com/louisbranch/retroloop/internal/platform/errors"
	"github.com/louisbranch/retroloop/internal/platform/timeouts"
	"github.com/louisbranch/retroloop/internal/retro/domain"
	"github.com/louisbranch/retroloop/internal/retro/storage"
	sqlitestore "github.com/louisbranch/retroloop/internal/retro/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxDisplayNameRunes = 128

	maxPeerSendBacklog = 256
)

// Inbound frame types.
const (
	frameRetroJoin  = "retro.join"
	frameRetroLeave = "retro.leave"
)

// Outbound event types. Broadcast payloads carry a per-room sequence so
// clients can detect reordering.
const (
	eventRetroState         = "retro.state"
	eventRetroError         = "retro.error"
	eventParticipantsUpdate = "participants-update"
	eventVotesUpdate        = "votes-update"
	eventPhaseChanged       = "phase-changed"
	eventRetroStarted       = "retro-started"
	eventItemAdded          = "item-added"
	eventItemUpdated        = "item-updated"
	eventItemDeleted        = "item-deleted"
	eventItemsUpdate        = "items-update"
)

// Config defines the inputs for the retro coordination boundary.
//
// The server owns live session state; the storage path is optional and
// only adds crash recovery for phase and votes.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	IdleGrace         time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the retro HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	registry        *roomRegistry
	store           io.Closer
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type joinPayload struct {
	RetroID       string `json:"retro_id"`
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

type leavePayload struct {
	RetroID       string `json:"retro_id"`
	ParticipantID string `json:"participant_id"`
}

// broadcastEnvelope wraps every room fan-out with the per-room sequence.
type broadcastEnvelope struct {
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

type participantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	JoinedAt    string `json:"joined_at"`
}

type participantsView struct {
	Participants  []participantView `json:"participants"`
	FacilitatorID string            `json:"facilitator_id"`
}

type votesView struct {
	Votes       map[string]map[string]int `json:"votes"`
	GroupTotals map[string]int            `json:"group_totals"`
}

type phaseView struct {
	Phase domain.Phase `json:"phase"`
}

// stateView is the full replay a joiner receives, and the body of the
// read-only snapshot endpoint.
type stateView struct {
	RetroID       string                    `json:"retro_id"`
	Phase         domain.Phase              `json:"phase"`
	FacilitatorID string                    `json:"facilitator_id"`
	Participants  []participantView         `json:"participants"`
	Votes         map[string]map[string]int `json:"votes"`
	GroupTotals   map[string]int            `json:"group_totals"`
	Seq           int64                     `json:"seq"`
}

var errPeerClosed = errors.New("peer connection closed")

// wsPeer owns the outbound side of one connection. Frames are queued
// and written by a dedicated pump goroutine, so room fan-out never
// blocks on a slow socket; a peer that cannot drain its backlog is
// closed.
type wsPeer struct {
	frames chan wsFrame
	stop   chan struct{}
	once   sync.Once
	closer io.Closer
}

func newWSPeer(encoder *json.Encoder, closer io.Closer) *wsPeer {
	p := &wsPeer{
		frames: make(chan wsFrame, maxPeerSendBacklog),
		stop:   make(chan struct{}),
		closer: closer,
	}
	go p.pump(encoder)
	return p
}

func (p *wsPeer) pump(encoder *json.Encoder) {
	for {
		select {
		case frame := <-p.frames:
			if err := encoder.Encode(frame); err != nil {
				p.closeQuietly()
				return
			}
		case <-p.stop:
			return
		}
	}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	select {
	case <-p.stop:
		return errPeerClosed
	default:
	}
	select {
	case p.frames <- frame:
		return nil
	default:
		// Backlog full; evict the consumer rather than stall the room.
		p.closeQuietly()
		return errPeerClosed
	}
}

// closeQuietly tears down the connection and its pump. The reader on the
// connection observes the close and unwinds on its own.
func (p *wsPeer) closeQuietly() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.stop)
		if p.closer != nil {
			_ = p.closer.Close()
		}
	})
}

// NewServer builds a configured retro server. An empty storage path runs
// in-memory only.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.IdleGrace <= 0 {
		config.IdleGrace = timeouts.RetroIdleGrace
	}

	var store storage.Store
	var storeCloser io.Closer
	if path := strings.TrimSpace(config.StoragePath); path != "" {
		sqlStore, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open retro storage: %w", err)
		}
		store = sqlStore
		storeCloser = sqlStore
	}

	registry := newRoomRegistry(store, config.IdleGrace)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(registry),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		registry:        registry,
		store:           storeCloser,
	}, nil
}

// Run creates and serves a retro server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init retro server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve retro: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("retro server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("retro server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close retires live rooms and releases storage.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.registry != nil {
		s.registry.close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close retro storage: %v", err)
		}
	}
}

func writeWSError(peer *wsPeer, requestID string, code platformerrors.Code, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      eventRetroError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
