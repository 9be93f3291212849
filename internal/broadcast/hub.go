// Package broadcast delivers lifecycle and notification messages to the
// client windows attached to the layer, and optionally mirrors them to Kafka.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message types understood by client windows.
const (
	TypeNotification  = "notification"
	TypeFocus         = "focus"
	TypeOpen          = "open"
	TypeActivated     = "activated"
	TypeReload        = "reload"
	TypeSyncCompleted = "sync_completed"
)

// ErrUnknownClient is returned when a client id is not registered.
var ErrUnknownClient = errors.New("unknown client")

type Message struct {
	Type       string          `json:"type"`
	Generation string          `json:"generation,omitempty"`
	URL        string          `json:"url,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// Broadcaster delivers a message to every interested party.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Client describes one attached window.
type Client struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connected_at"`
}

type subscriber struct {
	client Client
	ch     chan Message
}

// Hub tracks attached client windows and fans messages out to them.
// Delivery never blocks: a window whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub with a per-client buffer of 16 messages.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]*subscriber),
		buffer: 16,
		logger: slog.Default(),
	}
}

// Register attaches a window currently showing url. The returned func
// detaches it and closes the channel.
func (h *Hub) Register(url string) (Client, <-chan Message, func()) {
	c := Client{ID: uuid.New().String(), URL: url, ConnectedAt: time.Now().UTC()}
	sub := &subscriber{client: c, ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	h.subs[c.ID] = sub
	h.mu.Unlock()

	var once sync.Once
	return c, sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, c.ID)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Navigate records that a window now shows url.
func (h *Hub) Navigate(id, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	sub.client.URL = url
	return nil
}

// Clients lists attached windows, oldest first.
func (h *Hub) Clients() []Client {
	h.mu.RLock()
	out := make([]Client, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s.client)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Send delivers msg to a single window.
func (h *Hub) Send(_ context.Context, id string, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[id]
	if !ok {
		return fmt.Errorf("client %s: %w", id, ErrUnknownClient)
	}
	h.deliver(sub, stamp(msg))
	return nil
}

// Broadcast delivers msg to every attached window.
func (h *Hub) Broadcast(_ context.Context, msg Message) error {
	msg = stamp(msg)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		h.deliver(sub, msg)
	}
	return nil
}

func (h *Hub) deliver(sub *subscriber, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		h.logger.Warn("client buffer full, dropping message", "client_id", sub.client.ID, "type", msg.Type)
	}
}

func stamp(msg Message) Message {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	return msg
}

// Mirror delivers to a primary broadcaster and copies every message to
// secondary sinks. Only the primary decides whether a broadcast failed;
// copy failures are logged.
type Mirror struct {
	primary Broadcaster
	copies  []Broadcaster
	logger  *slog.Logger
}

func NewMirror(primary Broadcaster, copies ...Broadcaster) *Mirror {
	return &Mirror{primary: primary, copies: copies, logger: slog.Default()}
}

func (m *Mirror) Broadcast(ctx context.Context, msg Message) error {
	msg = stamp(msg)
	err := m.primary.Broadcast(ctx, msg)
	for _, c := range m.copies {
		if c == nil {
			continue
		}
		if cerr := c.Broadcast(ctx, msg); cerr != nil {
			m.logger.Warn("mirroring message failed", "type", msg.Type, "error", cerr)
		}
	}
	return err
}
