package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/logutil"
	"github.com/webconsole-io/gateway/internal/middleware"
)

// wsEvent is the wire form of a bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// wsInbound is what clients send over the socket.
type wsInbound struct {
	Type      string `json:"type"` // "input" or "keepalive"
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
}

// eventSocket bridges the user's bus events to a websocket and feeds
// terminal input back. One socket carries every session of the user.
func (h *Handlers) eventSocket(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] accept event socket for %s: %v", userID, err)
		return
	}
	defer conn.CloseNow()

	sub := h.Bus.Subscribe(bus.UserPrefix(userID), 256)
	defer h.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wsInbound
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := h.Registry.Write(msg.SessionID, userID, []byte(msg.Data)); err != nil {
					log.Printf("[handlers] input for %s: %v", logutil.Sanitize(msg.SessionID), err)
				}
			case "keepalive":
				if err := h.Registry.KeepAlive(msg.SessionID, userID); err != nil {
					log.Printf("[handlers] keepalive for %s: %v", logutil.Sanitize(msg.SessionID), err)
				}
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, wsEvent{Topic: ev.Topic, Payload: ev.Payload})
			writeCancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
