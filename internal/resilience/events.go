package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/syncqueue"
)

// EventKind enumerates the platform hooks the layer reacts to.
type EventKind int

const (
	EventInstall EventKind = iota + 1
	EventActivate
	EventPush
	EventSyncTrigger
	EventConnectivityChange
	EventAction
)

var eventNames = map[EventKind]string{
	EventInstall:            "install",
	EventActivate:           "activate",
	EventPush:               "push",
	EventSyncTrigger:        "sync",
	EventConnectivityChange: "connectivity",
	EventAction:             "action",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ParseEventKind maps a hook name to its kind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

var (
	ErrUnknownEvent = errors.New("unknown event")
	// ErrReplayBusy is returned for a sync trigger that arrived while a
	// replay pass was running. The running pass covers it.
	ErrReplayBusy = errors.New("replay already in progress")
)

// Event is one platform hook invocation. Only the fields of its kind are read.
type Event struct {
	Kind EventKind

	// Install
	Generation string
	Resources  []string

	// Push
	Payload []byte

	// ConnectivityChange
	Online bool

	// Action
	ActionID string
	Data     notify.Data
}

// Outcome reports what handling an event did.
type Outcome struct {
	Generation   string               `json:"generation,omitempty"`
	Activated    bool                 `json:"activated,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Replay       *syncqueue.Result    `json:"replay,omitempty"`
	Action       notify.Outcome       `json:"action,omitempty"`
	Online       *bool                `json:"online,omitempty"`
}

// Handle dispatches ev to the component that owns it.
func (l *Layer) Handle(ctx context.Context, ev Event) (Outcome, error) {
	l.logger.Debug("handling event", "kind", ev.Kind)
	switch ev.Kind {
	case EventInstall:
		return l.install(ctx, ev.Generation, ev.Resources)
	case EventActivate:
		name, err := l.gens.Activate(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("activating: %w", err)
		}
		return Outcome{Generation: name, Activated: true}, nil
	case EventPush:
		n, err := l.notifier.OnInboundPush(ctx, ev.Payload)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Notification: &n}, nil
	case EventSyncTrigger:
		res, ran := l.queue.TriggerReplay(ctx)
		if !ran {
			return Outcome{}, ErrReplayBusy
		}
		return Outcome{Replay: &res}, nil
	case EventConnectivityChange:
		l.OnConnectivityChange(ev.Online)
		online := l.network.IsOnline()
		return Outcome{Online: &online}, nil
	case EventAction:
		res, err := l.notifier.OnAction(ctx, ev.ActionID, ev.Data)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: res}, nil
	}
	return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
}

// install populates a generation. The very first generation is activated at
// once; later ones wait for the user to accept the update notification.
func (l *Layer) install(ctx context.Context, name string, resources []string) (Outcome, error) {
	if name == "" {
		return Outcome{}, errors.New("install: generation name is required")
	}
	if len(resources) == 0 {
		resources = l.cfg.Precache
	}
	if name == l.gens.Active() {
		return Outcome{Generation: name, Activated: true}, nil
	}
	if err := l.gens.Install(ctx, name, resources); err != nil {
		return Outcome{}, fmt.Errorf("installing %s: %w", name, err)
	}

	if l.gens.Active() == "" {
		activated, err := l.gens.Activate(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("activating first generation %s: %w", name, err)
		}
		return Outcome{Generation: activated, Activated: true}, nil
	}

	n, err := l.notifier.DispatchLocal(ctx, notify.Notification{
		Title: "Update available",
		Body:  "A new version of the store is ready.",
		Tag:   tagUpdate,
		Actions: []notify.Action{
			{ID: notify.ActionUpdate, Label: "Update"},
			{ID: notify.ActionDismiss, Label: "Later"},
		},
	})
	if err != nil {
		l.logger.Warn("update notification failed", "generation", name, "error", err)
		return Outcome{Generation: name}, nil
	}
	return Outcome{Generation: name, Notification: &n}, nil
}
