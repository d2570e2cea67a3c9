package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/jenny-agent/internal/apperr"
)

const (
	eventBuffer     = 64
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

// handleEvents streams bus events to a websocket client as JSON text
// frames. An optional ?source= query narrows the stream to one or more
// comma-separated sources. Clients authenticate like /api/agent;
// browsers, which cannot set headers on a websocket, may pass
// ?access_token= instead.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		http.Error(w, "event stream not enabled", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, map[string]string{"error": msgMissingAuth})
		return
	}
	if s.cfg.Authorize != nil {
		if err := s.cfg.Authorize(r.Context(), token); err != nil {
			status := apperr.HTTPStatus(err)
			s.logger.Debug("event stream rejected", "status", status, "error", err)
			s.errorResponse(w, status, map[string]string{"error": err.Error()})
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := sourceFilter(r.URL.Query().Get("source"))
	sub := s.cfg.Events.Subscribe(eventBuffer)
	defer s.cfg.Events.Unsubscribe(sub)

	log := s.logger.With("remote", r.RemoteAddr)
	log.Debug("event stream opened", "subscribers", s.cfg.Events.SubscriberCount())

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(eventWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if filter != nil && !filter[ev.Source] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func sourceFilter(q string) map[string]bool {
	if q == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, src := range strings.Split(q, ",") {
		if src = strings.TrimSpace(src); src != "" {
			out[src] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
