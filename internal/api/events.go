package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/joescharf/thinkflow/internal/event"
)

const (
	eventBuffer    = 64
	eventWriteWait = 5 * time.Second
)

// eventEnvelope is the wire form of a bus event.
type eventEnvelope struct {
	Type      string    `json:"type"`
	GroupID   string    `json:"group_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// groupEvents streams the events of one group over a websocket until the
// group completes, the client goes away or the bus closes.
func (s *Server) groupEvents(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	if _, err := s.svc.GetGroup(r.Context(), groupID); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	// Subscribe before the handshake completes so no event is missed.
	events, cancel := s.bus.SubscribeChan("*", eventBuffer)
	defer cancel()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithGroup(groupID).Warn("websocket accept failed", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			s.logger.WithGroup(groupID).Debug("websocket close failed", "error", closeErr)
		}
	}()

	// Reads are only needed to observe the client closing.
	ctx := ws.CloseRead(r.Context())
	s.logger.WithGroup(groupID).Debug("event stream opened", "client_id", clientID(r))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.GroupID() != groupID {
				continue
			}
			if err := s.writeEvent(ctx, ws, ev); err != nil {
				s.logger.WithGroup(groupID).Debug("event write failed", "error", err)
				return
			}
			if ev.EventType() == event.TypeGroupCompleted {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, ws *websocket.Conn, ev event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteWait)
	defer cancel()
	return wsjson.Write(ctx, ws, eventEnvelope{
		Type:      ev.EventType(),
		GroupID:   ev.GroupID(),
		Timestamp: ev.Timestamp(),
		Data:      ev,
	})
}
