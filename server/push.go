package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskwire/taskwire/metrics"
)

var upgrader = websocket.Upgrader{
	// The client is trusted by name only; there is no origin policy either.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handlePush upgrades the connection and streams change events until the
// client goes away. No client-originated messages flow over this channel;
// the read loop exists only to observe the close. A session whose write
// fails is dropped and must reconnect and resync.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := s.bus.Subscribe(ctx)
	if err != nil {
		s.log.Error("push subscribe failed", "session", sessionID, "error", err)
		return
	}
	defer func() {
		_ = s.bus.Unsubscribe(context.Background(), ch)
	}()

	metrics.SessionsGauge.Inc()
	defer metrics.SessionsGauge.Dec()
	s.log.Info("push session connected", "session", sessionID)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := ev.Encode()
			if err != nil {
				s.log.Warn("skipping unencodable event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Info("push session dropped", "session", sessionID, "error", err)
				return
			}
		case <-ctx.Done():
			s.log.Info("push session closed", "session", sessionID)
			return
		}
	}
}
