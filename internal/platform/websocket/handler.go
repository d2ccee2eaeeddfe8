package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// BindValidator checks that a subscription may be bound to a socket, for
// example that it exists and uses the websocket channel.
type BindValidator func(ctx context.Context, subscriptionID string) error

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

// WebSocketHandler handles HTTP-to-WebSocket upgrades and bind messages.
type WebSocketHandler struct {
	hub      *Hub
	bindings Bindings
	validate BindValidator
	logger   zerolog.Logger
}

// NewWebSocketHandler creates a new handler bound to the given Hub. validate
// may be nil.
func NewWebSocketHandler(hub *Hub, bindings Bindings, validate BindValidator, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		bindings: bindings,
		validate: validate,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, sends it its socket id and starts read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String())
	wsh.hub.Register(client)
	wsh.hub.sendControl(client, ServerMessage{Type: TypeWelcome, SocketID: client.ID})

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// ProcessMessage handles one inbound ClientMessage for client.
func (wsh *WebSocketHandler) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "bind":
		if msg.SubscriptionID == "" {
			wsh.hub.sendControl(client, ServerMessage{Type: TypeError, Error: "subscriptionId is required"})
			return
		}
		if wsh.validate != nil {
			if err := wsh.validate(ctx, msg.SubscriptionID); err != nil {
				wsh.hub.sendControl(client, ServerMessage{Type: TypeError, SubscriptionID: msg.SubscriptionID, Error: err.Error()})
				return
			}
		}
		if err := wsh.bindings.Bind(ctx, msg.SubscriptionID, client.ID); err != nil {
			wsh.logger.Error().Err(err).Str("subscription_id", msg.SubscriptionID).Msg("bind failed")
			wsh.hub.sendControl(client, ServerMessage{Type: TypeError, SubscriptionID: msg.SubscriptionID, Error: "bind failed"})
			return
		}
		client.addSubscription(msg.SubscriptionID)
		wsh.hub.sendControl(client, ServerMessage{Type: TypeBound, SocketID: client.ID, SubscriptionID: msg.SubscriptionID})
	default:
		wsh.hub.sendControl(client, ServerMessage{Type: TypeError, Error: "unknown action " + msg.Action})
	}
}

// readPump reads messages from the WebSocket connection and processes them.
// On disconnect the client's bindings are removed.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := wsh.bindings.Unbind(ctx, client.ID, client.Subscriptions()); err != nil {
			wsh.logger.Warn().Err(err).Str("socket_id", client.ID).Msg("failed to remove socket bindings")
		}
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		wsh.ProcessMessage(context.Background(), client, msg)
	}
}

// writePump writes messages from the Send channel to the WebSocket connection.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
