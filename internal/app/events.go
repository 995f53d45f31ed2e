package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 50 * time.Second
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.corsOrigin == "*" || strings.EqualFold(origin, s.corsOrigin)
		},
	}
}

// handleEvents streams lock and workflow events of one asset over a
// websocket. Browsers cannot set headers on the upgrade request, so the token
// may also come from the token query parameter.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	actor, ok := s.requireActor(w, r, token)
	if !ok {
		return
	}
	assetID := chi.URLParam(r, "assetId")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	events, err := s.service.Subscribe(ctx, actor, assetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("asset_id", assetID).Msg("websocket upgrade")
		return
	}
	defer conn.Close()
	s.log.Debug().Str("asset_id", assetID).Str("user_id", actor.UserID).Msg("event stream opened")

	// The reader only handles control frames; any read error ends the stream.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(eventWriteWait))
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
