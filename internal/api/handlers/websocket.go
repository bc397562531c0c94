package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	ws "github.com/ttlock-bridge/backend/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from the automation host's ingress
		return true
	},
}

// WebSocketUpgrade returns a handler that upgrades HTTP connections to WebSocket.
func WebSocketUpgrade(hub *ws.Hub, store LockReader, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With("component", "websocket")
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := ws.NewClient(hub)
		if !hub.Register(client) {
			conn.Close()
			return
		}

		// Replies to client requests travel beside hub broadcasts; only the
		// write pump touches the connection for writing.
		replies := make(chan []byte, 8)

		go writePump(conn, client, replies)
		go readPump(conn, client, hub, store, replies, logger)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func writePump(conn *websocket.Conn, client *ws.Client, replies <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-replies:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, store LockReader, replies chan<- []byte, logger *slog.Logger) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(65536)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			break
		}

		reply := handleClientMessage(message, store)
		data, err := reply.JSON()
		if err != nil {
			logger.Error("encoding websocket reply", "error", err)
			continue
		}
		select {
		case replies <- data:
		default:
			logger.Warn("websocket reply dropped")
		}
	}
}

// handleClientMessage answers ping and snapshot requests.
func handleClientMessage(message []byte, store LockReader) ws.Message {
	var req struct {
		Type ws.MessageType `json:"type"`
	}
	if err := json.Unmarshal(message, &req); err != nil {
		return ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "bad_request", Message: "invalid JSON"})
	}

	switch req.Type {
	case ws.TypePing:
		return ws.NewMessage(ws.TypePong, nil)
	case ws.TypeSnapshot:
		return ws.NewMessage(ws.TypeSnapshotData, store.List())
	default:
		return ws.NewMessage(ws.TypeError, ws.ErrorPayload{
			Code:         "unknown_type",
			Message:      "unsupported message type",
			OriginalType: string(req.Type),
		})
	}
}
