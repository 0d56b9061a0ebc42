package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBacklog    = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage is what a browser sends over the socket.
type clientMessage struct {
	Type string `json:"type"`
}

// handleWebSocket streams every update of a live session, starting with the
// current one, and turns {"type":"CLICK"} messages into clicks. The socket is
// closed after the session's final update.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	updates := make(chan session.Update, wsBacklog)
	overflow := make(chan struct{})
	overflowed := false
	cancelWatch, err := s.sessions.Watch(id, func(u session.Update) {
		if overflowed {
			return
		}
		select {
		case updates <- u:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancelWatch()

	current, err := s.sessions.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()
	log := s.log.With(slog.String("session_id", id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readClicks(ctx, cancel, conn, id, log)

	if err := writeUpdate(conn, current); err != nil {
		return
	}
	sent := current.Sequence
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case u := <-updates:
			if u.Closed {
				_ = writeUpdate(conn, u)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if u.Sequence <= sent {
				continue
			}
			if err := writeUpdate(conn, u); err != nil {
				log.Debug("websocket write failed", slogError(err))
				return
			}
			sent = u.Sequence
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			log.Warn("websocket client too slow, closing")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readClicks(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string, log *slog.Logger) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("invalid websocket message", slogError(err))
			continue
		}
		if dialogue.EventType(msg.Type) != dialogue.EventClick {
			log.Warn("unsupported websocket message", slog.String("type", msg.Type))
			continue
		}
		if err := s.sessions.Click(ctx, id); err != nil {
			log.Warn("click failed", slogError(err))
			return
		}
	}
}

func writeUpdate(conn *websocket.Conn, u session.Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(u)
}
