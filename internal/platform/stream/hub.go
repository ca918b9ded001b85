// Package stream pushes alert-map updates to connected front-ends over
// WebSockets. Clients subscribe to hook-type topics; the coordinator's
// subscriber callback feeds AlertUpdate events into the hub.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
)

// AlertUpdate is the event pushed to clients when a hook type's card list
// changes.
type AlertUpdate struct {
	Type      string          `json:"type"`
	HookType  string          `json:"hookType"`
	Timestamp time.Time       `json:"timestamp"`
	Cards     []cdshooks.Card `json:"cards"`
}

// clientMessage is an inbound subscribe/unsubscribe request.
type clientMessage struct {
	Action string   `json:"action"`
	Hooks  []string `json:"hooks"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client is one connected front-end.
type client struct {
	id    string
	hooks []string
	send  chan []byte
	conn  Conn
}

// Hub tracks connected clients and their hook-type subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	byHook map[string]map[*client]struct{}
	all    map[*client]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		byHook: make(map[string]map[*client]struct{}),
		all:    make(map[*client]struct{}),
	}
}

// Notify is a coordinator.Subscriber adapter: it broadcasts the new card
// list for hookType to every client subscribed to it.
func (h *Hub) Notify(hookType string, cards []cdshooks.Card) {
	h.Broadcast(AlertUpdate{
		Type:      "alerts.updated",
		HookType:  hookType,
		Timestamp: time.Now().UTC(),
		Cards:     cards,
	})
}

// Broadcast sends an update to every client subscribed to its hook type.
// Clients with a full send buffer are skipped rather than blocked on.
func (h *Hub) Broadcast(update AlertUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error().Err(err).Msg("stream event marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for cl := range h.byHook[update.HookType] {
		select {
		case cl.send <- data:
		default:
		}
	}
}

// register adds a client and its initial subscriptions.
func (h *Hub) register(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[cl] = struct{}{}
	for _, hook := range cl.hooks {
		if h.byHook[hook] == nil {
			h.byHook[hook] = make(map[*client]struct{})
		}
		h.byHook[hook][cl] = struct{}{}
	}
}

// unregister removes a client from all subscriptions and closes its send
// channel.
func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[cl]; !ok {
		return
	}
	for _, hook := range cl.hooks {
		if subs, ok := h.byHook[hook]; ok {
			delete(subs, cl)
			if len(subs) == 0 {
				delete(h.byHook, hook)
			}
		}
	}
	delete(h.all, cl)
	close(cl.send)
}

// subscribe adds hook topics to a connected client.
func (h *Hub) subscribe(cl *client, hooks []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, hook := range hooks {
		if !cdshooks.IsKnownHook(hook) {
			continue
		}
		if h.byHook[hook] == nil {
			h.byHook[hook] = make(map[*client]struct{})
		}
		h.byHook[hook][cl] = struct{}{}
		cl.hooks = append(cl.hooks, hook)
	}
}

// unsubscribe removes hook topics from a connected client.
func (h *Hub) unsubscribe(cl *client, hooks []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(hooks))
	for _, hook := range hooks {
		drop[hook] = struct{}{}
		if subs, ok := h.byHook[hook]; ok {
			delete(subs, cl)
			if len(subs) == 0 {
				delete(h.byHook, hook)
			}
		}
	}
	remaining := cl.hooks[:0]
	for _, hook := range cl.hooks {
		if _, rm := drop[hook]; !rm {
			remaining = append(remaining, hook)
		}
	}
	cl.hooks = remaining
}

// handleMessage dispatches an inbound client message.
func (h *Hub) handleMessage(cl *client, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		h.subscribe(cl, msg.Hooks)
	case "unsubscribe":
		h.unsubscribe(cl, msg.Hooks)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SubscriberCount returns the number of clients subscribed to a hook type.
func (h *Hub) SubscriberCount(hookType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byHook[hookType])
}

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler upgrades HTTP connections and runs the read/write pumps.
type Handler struct {
	hub *Hub
}

// NewHandler creates a Handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the Echo instance.
func (wh *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wh.HandleConnect)
}

// HandleConnect upgrades the connection. Clients subscribe to every hook
// type by default and can narrow with subscribe/unsubscribe messages.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &client{
		id:    uuid.New().String(),
		hooks: append([]string{}, cdshooks.KnownHooks...),
		send:  make(chan []byte, 64),
		conn:  &gorillaConn{ws},
	}
	wh.hub.register(cl)

	go wh.writePump(cl)
	go wh.readPump(cl)
	return nil
}

func (wh *Handler) readPump(cl *client) {
	defer func() {
		wh.hub.unregister(cl)
		cl.conn.Close()
	}()
	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wh.hub.handleMessage(cl, msg)
	}
}

func (wh *Handler) writePump(cl *client) {
	defer cl.conn.Close()
	for message := range cl.send {
		if err := cl.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConn adapts a gorilla connection to the Conn interface.
type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error)     { return g.conn.ReadMessage() }
func (g *gorillaConn) WriteMessage(t int, data []byte) error { return g.conn.WriteMessage(t, data) }
func (g *gorillaConn) Close() error                          { return g.conn.Close() }
