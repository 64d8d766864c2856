package state

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"

	"github.com/openexhibits/tagbridge/buildinfo"
)

// Hub serves the aggregate snapshot over WebSocket. Every state change is
// pushed to all connected clients as one whole-snapshot JSON message; a
// client connecting between changes immediately receives the latest
// snapshot and nothing older.
type Hub struct {
	svc     *Service
	ws      *melody.Melody
	router  chi.Router
	unwatch func()
}

// NewHub wires a hub to the service's snapshot broadcasts.
func NewHub(svc *Service) *Hub {
	h := &Hub{
		svc: svc,
		ws:  melody.New(),
	}
	h.ws.Upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	h.ws.HandleConnect(func(s *melody.Session) {
		data, err := json.Marshal(svc.Snapshot())
		if err != nil {
			log.Error().Err(err).Msg("marshaling snapshot for new client")
			return
		}
		if err := s.Write(data); err != nil {
			log.Error().Err(err).Msg("replaying snapshot to new client")
		}
	})

	h.ws.HandleMessage(func(s *melody.Session, msg []byte) {
		if string(msg) == "ping" {
			if err := s.Write([]byte("pong")); err != nil {
				log.Error().Err(err).Msg("answering ping")
			}
		}
	})

	h.unwatch = svc.OnSnapshot(func(snap Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			log.Error().Err(err).Msg("marshaling snapshot")
			return
		}
		if err := h.ws.Broadcast(data); err != nil {
			log.Error().Err(err).Msg("broadcasting snapshot")
		}
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
	}))
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := h.ws.HandleRequest(w, r); err != nil {
			log.Error().Err(err).Msg("handling websocket request")
		}
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload, _ := json.Marshal(map[string]string{
			"status":  "ok",
			"version": buildinfo.FullVersion(),
		})
		_, _ = w.Write(payload)
	})
	h.router = r

	return h
}

// Handler returns the HTTP handler serving the hub's endpoints.
func (h *Hub) Handler() http.Handler {
	return h.router
}

// Close stops relaying snapshots and tells every connected client the
// server is going away.
func (h *Hub) Close() error {
	h.unwatch()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := h.ws.CloseWithMsg(msg); err != nil {
		return err
	}
	return nil
}
