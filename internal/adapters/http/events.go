package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClientClosed = errors.New("connection closed")
)

const (
	defaultClientBuffer = 32
	writeWait           = 5 * time.Second
)

type statusEvent struct {
	Type   string              `json:"type"`
	Status domain.StatusChange `json:"status"`
}

type participantsEvent struct {
	Type         string               `json:"type"`
	Participants []domain.Participant `json:"participants"`
}

type friendsEvent struct {
	Type string `json:"type"`
}

// wsClient is one subscriber of the event stream.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	misses int
}

func (c *wsClient) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// EventHub fans observer notifications out to websocket clients. Its
// observer methods run on the facade's owner goroutine and never block.
type EventHub struct {
	policy       app.Policy
	participants func() []domain.Participant
	buffer       int

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewEventHub builds a hub. participants is read on the owner goroutine
// when the roster changes.
func NewEventHub(policy app.Policy, participants func() []domain.Participant) *EventHub {
	if policy == nil {
		policy = app.SimplePolicy{MaxMisses: 8}
	}
	return &EventHub{
		policy:       policy,
		participants: participants,
		buffer:       defaultClientBuffer,
		clients:      make(map[string]*wsClient),
	}
}

func (h *EventHub) OnStatusChange(change domain.StatusChange) {
	h.broadcast(statusEvent{Type: "status", Status: change})
}

func (h *EventHub) OnParticipantsChanged() {
	var ps []domain.Participant
	if h.participants != nil {
		ps = h.participants()
	}
	if ps == nil {
		ps = []domain.Participant{}
	}
	h.broadcast(participantsEvent{Type: "participants", Participants: ps})
}

func (h *EventHub) OnFriendsChanged() {
	h.broadcast(friendsEvent{Type: "friends"})
}

func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("event marshal")
		return
	}
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.deliver(c, b)
	}
}

func (h *EventHub) deliver(c *wsClient, b []byte) {
	err := c.TrySend(b)
	switch {
	case err == nil:
		c.mu.Lock()
		c.misses = 0
		c.mu.Unlock()
		return
	case errors.Is(err, ErrClientClosed):
		h.remove(c)
		return
	}

	c.mu.Lock()
	c.misses++
	misses := c.misses
	c.mu.Unlock()

	switch h.policy.OnBackPressure(c.id, misses) {
	case app.DisconnectClient:
		log.Warn().Str("module", "adapters.http").Str("client", c.id).Int("misses", misses).Msg("slow event client disconnected")
		h.remove(c)
		c.Close()
	case app.DropFrame:
		log.Debug().Str("module", "adapters.http").Str("client", c.id).Int("misses", misses).Msg("event dropped")
	}
}

// add registers c, replacing an older stream of the same client.
func (h *EventHub) add(c *wsClient) {
	h.mu.Lock()
	old := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

// CloseAll disconnects every client.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *EventHub) HandleEvents(ctx context.Context, c *gin.Context) {
	id := c.GetString(clientTokenKey)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("client", id).Msg("event stream opened")

	client := &wsClient{id: id, conn: ws, send: make(chan []byte, h.buffer)}
	h.add(client)

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, client)
	go h.readPump(ctx, cancel, client)
}

func (h *EventHub) writePump(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Str("client", c.id).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump only answers pings; the stream is one-way otherwise.
func (h *EventHub) readPump(ctx context.Context, cancel context.CancelFunc, c *wsClient) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("client", c.id).Msg("event stream closed")
		cancel()
		h.remove(c)
		c.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("bad json")
			continue
		}
		if env.Type == "ping" {
			_ = c.TrySend([]byte(`{"type":"pong"}`))
		}
	}
}
