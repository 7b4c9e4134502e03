package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warplink/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,

	// records are addressed by unguessable ids, not by origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler returns the HTTP routes of the record server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/records", s.handleCreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}", s.handleGetRecord).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}", s.handlePatchRecord).Methods(http.MethodPatch)
	api.HandleFunc("/records/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/records/{id}/downloads", s.handleCountDownload).Methods(http.MethodPost)
	api.HandleFunc("/objects/{name}", s.handleUpload).Methods(http.MethodPut)

	router.HandleFunc("/objects/{storage_id}/{name}", s.handleDownload).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/r/{id}", s.handleShare).Methods(http.MethodGet)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Record server is healthy."))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, conn)
	if !s.hub.join(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, signaling.ErrorResponse{Error: msg})
}
