// Package subscriberws is the reference WebSocket transport for the
// Event Bus's subscriber protocol: the connected/subscribed/
// unsubscribed/pong/subscriptions/error handshake from the external
// interfaces section. Grounded on gorilla/websocket usage in the pack
// and the teacher's gin-based HTTP surface for the upgrade endpoint.
package subscriberws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orchestrator-substrate/jobforge/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the flat record shape every outgoing message uses: a
// type, an ISO-8601 timestamp, and whatever positional fields the type
// needs, consumers read positionally per the spec.
type envelope map[string]any

func stamp(msgType string, fields envelope) envelope {
	if fields == nil {
		fields = envelope{}
	}
	fields["type"] = msgType
	fields["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return fields
}

// transport adapts one websocket connection to eventbus.Transport.
type transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *transport) Send(message any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteJSON(message)
}

func (t *transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

// clientMessage is an inbound control message: subscribe/unsubscribe/
// ping requests from the browser.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Handler upgrades an HTTP request to a websocket and runs the
// subscriber protocol against bus until the connection closes.
func Handler(bus *eventbus.Bus, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("subscriberws: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		clientID := uuid.NewString()
		t := &transport{conn: conn}
		bus.Subscribe(clientID, nil, t)
		defer bus.Disconnect(clientID)

		conn.SetPongHandler(func(string) error { return nil })

		_ = t.Send(stamp("connected", envelope{"clientId": clientID}))

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "subscribe":
				bus.Subscribe(clientID, msg.Channels, t)
				_ = t.Send(stamp("subscribed", envelope{"channels": msg.Channels}))
			case "unsubscribe":
				bus.Unsubscribe(clientID, msg.Channels)
				_ = t.Send(stamp("unsubscribed", envelope{"channels": msg.Channels}))
			case "ping":
				_ = t.Send(stamp("pong", nil))
			case "get_subscriptions":
				info := bus.ClientInfo()
				for _, ci := range info {
					if ci.ClientID == clientID {
						_ = t.Send(stamp("subscriptions", envelope{"channels": ci.Channels}))
						break
					}
				}
			default:
				_ = t.Send(stamp("error", envelope{"message": "unknown message type"}))
			}
		}
	}
}
