// Package notify turns local triggers and inbound push payloads into
// user-facing notifications and routes the user's action choices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/offgrid/internal/broadcast"
)

// Known action ids.
const (
	ActionUpdate  = "update"
	ActionDismiss = "dismiss"
)

const (
	DefaultTitle = "Storefront"
	DefaultIcon  = "/icons/icon-192.png"
)

var ErrEmptyNotification = errors.New("notification has neither title nor body")

type Action struct {
	ID    string `json:"action"`
	Label string `json:"title"`
}

// Data is the opaque payload carried back on action selection.
type Data struct {
	URL   string          `json:"url,omitempty"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Data    Data     `json:"data,omitzero"`
}

// Outcome describes what an action selection did.
type Outcome string

const (
	OutcomeActivated Outcome = "activated"
	OutcomeDismissed Outcome = "dismissed"
	OutcomeFocused   Outcome = "focused"
	OutcomeOpened    Outcome = "opened"
)

// Windows gives access to attached client windows. Implemented by broadcast.Hub.
type Windows interface {
	Clients() []broadcast.Client
	Send(ctx context.Context, id string, msg broadcast.Message) error
}

// Activator force-activates the installing cache generation.
// Implemented by lifecycle.Manager.
type Activator interface {
	Activate(ctx context.Context) (string, error)
}

// Dispatcher is stateless between dispatches.
type Dispatcher struct {
	out       broadcast.Broadcaster
	windows   Windows
	activator Activator
	title     string
	icon      string
	logger    *slog.Logger
}

// New creates a Dispatcher. out receives rendered notifications and open
// requests; windows is used for focus-or-open.
func New(out broadcast.Broadcaster, windows Windows, activator Activator) *Dispatcher {
	return &Dispatcher{
		out:       out,
		windows:   windows,
		activator: activator,
		title:     DefaultTitle,
		icon:      DefaultIcon,
		logger:    slog.Default(),
	}
}

// SetDefaults overrides the title and icon applied to notifications that
// carry none. Empty values keep the current default.
func (d *Dispatcher) SetDefaults(title, icon string) {
	if title != "" {
		d.title = title
	}
	if icon != "" {
		d.icon = icon
	}
}

// DispatchLocal renders n immediately and returns it with defaults applied.
func (d *Dispatcher) DispatchLocal(ctx context.Context, n Notification) (Notification, error) {
	if n.Title == "" && n.Body == "" {
		return Notification{}, ErrEmptyNotification
	}
	if n.Title == "" {
		n.Title = d.title
	}
	if n.Icon == "" {
		n.Icon = d.icon
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("encoding notification: %w", err)
	}
	if err := d.out.Broadcast(ctx, broadcast.Message{
		Type:    broadcast.TypeNotification,
		URL:     n.Data.URL,
		Payload: payload,
	}); err != nil {
		return Notification{}, fmt.Errorf("dispatching notification: %w", err)
	}
	d.logger.Debug("notification dispatched", "title", n.Title, "tag", n.Tag)
	return n, nil
}

// OnInboundPush parses a raw push payload and dispatches it. A JSON object
// is read as a Notification; anything else becomes the body under the
// default title.
func (d *Dispatcher) OnInboundPush(ctx context.Context, raw []byte) (Notification, error) {
	return d.DispatchLocal(ctx, d.parsePush(raw))
}

func (d *Dispatcher) parsePush(raw []byte) Notification {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var n Notification
		if err := json.Unmarshal(trimmed, &n); err == nil {
			return n
		}
		d.logger.Debug("push payload is not a notification object, using it as text")
	}
	return Notification{Title: d.title, Body: strings.TrimSpace(string(raw))}
}

// OnAction runs the behavior for a selected action.
func (d *Dispatcher) OnAction(ctx context.Context, actionID string, data Data) (Outcome, error) {
	switch actionID {
	case ActionUpdate:
		name, err := d.activator.Activate(ctx)
		if err != nil {
			return "", fmt.Errorf("activating update: %w", err)
		}
		d.logger.Info("update activated from notification", "generation", name)
		return OutcomeActivated, nil
	case ActionDismiss:
		return OutcomeDismissed, nil
	}
	return d.focusOrOpen(ctx, data.URL)
}

// focusOrOpen focuses a window already showing url, or asks a window to open it.
func (d *Dispatcher) focusOrOpen(ctx context.Context, url string) (Outcome, error) {
	if url == "" {
		url = "/"
	}
	clients := d.windows.Clients()
	for _, c := range clients {
		if c.URL == url {
			if err := d.windows.Send(ctx, c.ID, broadcast.Message{Type: broadcast.TypeFocus, URL: url}); err != nil {
				return "", fmt.Errorf("focusing window %s: %w", c.ID, err)
			}
			return OutcomeFocused, nil
		}
	}

	open := broadcast.Message{Type: broadcast.TypeOpen, URL: url}
	if len(clients) > 0 {
		if err := d.windows.Send(ctx, clients[0].ID, open); err == nil {
			return OutcomeOpened, nil
		}
	}
	if err := d.out.Broadcast(ctx, open); err != nil {
		return "", fmt.Errorf("opening %s: %w", url, err)
	}
	return OutcomeOpened, nil
}
