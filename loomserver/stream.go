package loomserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams the status event feed over a websocket: full backfill
// first, then live events as writers signal the notifier. Clients
// resume by replaying from the start; events are cheap and bounded by
// run count.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("failed to upgrade websocket", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read side only tells us when the client went away
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill events", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("closing stream", "reason", "client disconnected")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream events", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write ping", "err", err)
				return
			}
		}
	}
}

// streamEvents drains everything past the cursor, advancing it page by
// page so a wakeup never replays delivered events.
func (s *Server) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}
		if len(evts) < 100 {
			return nil
		}
	}
}
