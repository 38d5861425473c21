package server

import (
	"net/http"

	"github.com/louisbranch/retroloop/internal/platform/timeouts"
	"golang.org/x/net/websocket"
)

// NewHandler creates retro routes backed by an in-memory registry, for
// tests and offline paths.
func NewHandler() http.Handler {
	return newHandler(newRoomRegistry(nil, timeouts.RetroIdleGrace))
}

func newHandler(registry *roomRegistry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, registry)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	api := &apiHandler{registry: registry}
	mux.HandleFunc(http.MethodPost+" /api/retros", api.handleCreateRetro)
	mux.HandleFunc(http.MethodGet+" /api/retros/{id}", api.handleGetRetro)
	mux.HandleFunc(http.MethodPost+" /api/retros/{id}/votes", api.handleVote)
	mux.HandleFunc(http.MethodPost+" /api/retros/{id}/phase", api.handlePhase)
	mux.HandleFunc(http.MethodPost+" /api/retros/{id}/facilitator", api.handleFacilitator)
	mux.HandleFunc(http.MethodPost+" /api/retros/{id}/items", api.handleItems)

	return mux
}
