// Package ws implements the WebSocket gateway. Clients join rooms and
// receive the event stream for that room; the bus's resync_required marker is
// forwarded verbatim so clients know to re-fetch state over HTTP after an
// overflow.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clrke/ralph-web/internal/bus"
)

// ClientMessage is the inbound envelope: join or leave a room. The wire also
// accepts the plain-text form "join-session <room>" / "leave-session <room>".
type ClientMessage struct {
	Type string `json:"type"` // join | join-session | leave | leave-session
	Room string `json:"room"`
}

// ServerMessage is the outbound envelope wrapping one bus event.
type ServerMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// conn is one client connection with its current room subscriptions.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]struct{}
	sub    *bus.Subscription
}

// Hub upgrades connections and bridges rooms onto bus topics.
type Hub struct {
	events *bus.Bus
	log    *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates the gateway over the given bus.
func NewHub(events *bus.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{events: events, log: log, conns: make(map[*conn]struct{})}
}

// HandleWS upgrades the request and serves the join/leave protocol until the
// client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, topics: make(map[string]struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := parseClientMessage(data)
		if err == nil {
			err = h.handleMessage(ctx, c, msg)
		}
		if err != nil {
			h.log.Debug("websocket message rejected", "type", msg.Type, "room", msg.Room, "error", err)
			_ = wsjson.Write(ctx, ws, map[string]string{"type": "error", "error": err.Error()})
		}
	}
}

// parseClientMessage decodes the JSON envelope or the plain-text
// "join-session <room>" form.
func parseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err == nil && msg.Type != "" {
		return msg, nil
	}
	if fields := strings.Fields(string(data)); len(fields) == 2 {
		return ClientMessage{Type: fields[0], Room: fields[1]}, nil
	}
	return ClientMessage{}, fmt.Errorf("unrecognized message")
}

func (h *Hub) handleMessage(ctx context.Context, c *conn, msg ClientMessage) error {
	topic, err := roomTopic(msg.Room)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case "join", "join-session":
		if _, ok := c.topics[topic]; ok {
			return nil
		}
		c.topics[topic] = struct{}{}
	case "leave", "leave-session":
		delete(c.topics, topic)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	// Replace the subscription with one covering the new topic set. The old
	// channel closes, which stops the previous forwarder.
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	if len(c.topics) == 0 {
		return nil
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.sub = h.events.Subscribe(topics...)
	go h.forward(ctx, c, c.sub)
	return nil
}

// forward copies bus events onto the socket until the subscription closes.
func (h *Hub) forward(ctx context.Context, c *conn, sub *bus.Subscription) {
	for ev := range sub.C {
		out := ServerMessage{
			Type:      ev.Kind,
			ProjectID: ev.ProjectID,
			FeatureID: ev.FeatureID,
			Timestamp: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Payload:   ev.Payload,
		}
		if err := wsjson.Write(ctx, c.ws, out); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			c.cancel()
			return
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
	h.mu.Unlock()

	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()
	c.cancel()
}

// Close drops every connection, used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.remove(c)
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

// roomTopic validates a room name and maps it to the bus topic. Valid rooms
// are project/<projectId> and project/<projectId>/<featureId>.
func roomTopic(room string) (string, error) {
	parts := strings.Split(room, "/")
	switch {
	case len(parts) == 2 && parts[0] == "project" && parts[1] != "":
		return bus.ProjectTopic(parts[1]), nil
	case len(parts) == 3 && parts[0] == "project" && parts[1] != "" && parts[2] != "":
		return bus.SessionTopic(parts[1], parts[2]), nil
	}
	return "", fmt.Errorf("invalid room %q", room)
}
