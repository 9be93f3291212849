// Package resilience is the entry point the storefront uses: it owns the
// offline snapshots, accepts mutations for replay and turns platform hooks
// into calls on the underlying components.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/offgrid/internal/broadcast"
	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/storage"
	"github.com/kalambet/offgrid/internal/syncqueue"
)

const (
	defaultCatalogStaleness = 24 * time.Hour
	notifyTimeout           = 10 * time.Second

	tagUpdate = "update-available"
	tagSync   = "sync-completed"
)

// SnapshotStore persists whole-object snapshots. Implemented by storage.Store.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snap storage.Snapshot) error
	GetSnapshot(ctx context.Context, key string) (storage.Snapshot, error)
	DeleteSnapshot(ctx context.Context, key string) error
}

// Queue is the background sync queue. Implemented by syncqueue.Queue.
type Queue interface {
	Enqueue(ctx context.Context, kind storage.MutationKind, payload []byte) (storage.Mutation, error)
	HasPending(ctx context.Context) (bool, error)
	TriggerReplay(ctx context.Context) (syncqueue.Result, bool)
	Signal()
	OnComplete(fn func(syncqueue.Result))
	Run(ctx context.Context)
}

// Connectivity is the network status monitor. Implemented by netstatus.Monitor.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
	Set(online bool)
}

// Generations drives cache generation installs. Implemented by lifecycle.Manager.
type Generations interface {
	Install(ctx context.Context, name string, resources []string) error
	Activate(ctx context.Context) (string, error)
	Active() string
}

// Notifier is implemented by notify.Dispatcher.
type Notifier interface {
	DispatchLocal(ctx context.Context, n notify.Notification) (notify.Notification, error)
	OnInboundPush(ctx context.Context, raw []byte) (notify.Notification, error)
	OnAction(ctx context.Context, actionID string, data notify.Data) (notify.Outcome, error)
}

type Deps struct {
	Snapshots   SnapshotStore
	Queue       Queue
	Network     Connectivity
	Generations Generations
	Notifier    Notifier
	// Out receives sync-completed messages. May be nil.
	Out broadcast.Broadcaster
}

type Config struct {
	SchemaVersion    string
	CatalogStaleness time.Duration
	// Precache is the resource set installed by an Install event that names none.
	Precache []string
}

// Layer is the client resilience layer.
type Layer struct {
	snapshots SnapshotStore
	queue     Queue
	network   Connectivity
	gens      Generations
	notifier  Notifier
	out       broadcast.Broadcaster
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	unsubscribe func()
}

// New wires the layer. Going online wakes queue replay, and every replay
// pass that drained something is announced.
func New(deps Deps, cfg Config) *Layer {
	if cfg.CatalogStaleness <= 0 {
		cfg.CatalogStaleness = defaultCatalogStaleness
	}
	l := &Layer{
		snapshots: deps.Snapshots,
		queue:     deps.Queue,
		network:   deps.Network,
		gens:      deps.Generations,
		notifier:  deps.Notifier,
		out:       deps.Out,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
	}
	l.queue.OnComplete(l.syncCompleted)
	l.unsubscribe = l.network.Subscribe(func(online bool) {
		if online {
			l.queue.Signal()
		}
	})
	return l
}

// Run drives queue replay until ctx is cancelled.
func (l *Layer) Run(ctx context.Context) {
	l.queue.Run(ctx)
}

// Close detaches the layer from the network monitor.
func (l *Layer) Close() {
	l.unsubscribe()
}

// EnqueueCartSync queues a cart mutation. Replay is requested right away
// when the network is up.
func (l *Layer) EnqueueCartSync(ctx context.Context, payload []byte) (storage.Mutation, error) {
	return l.enqueue(ctx, storage.KindCartSync, payload)
}

// EnqueueOrderSubmit queues an order submission.
func (l *Layer) EnqueueOrderSubmit(ctx context.Context, payload []byte) (storage.Mutation, error) {
	return l.enqueue(ctx, storage.KindOrderSubmit, payload)
}

// HasPending reports whether queued mutations are still waiting for replay.
// A new write must go behind them rather than straight to the origin.
func (l *Layer) HasPending(ctx context.Context) (bool, error) {
	return l.queue.HasPending(ctx)
}

func (l *Layer) enqueue(ctx context.Context, kind storage.MutationKind, payload []byte) (storage.Mutation, error) {
	m, err := l.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return storage.Mutation{}, err
	}
	if l.network.IsOnline() {
		l.queue.Signal()
	}
	return m, nil
}

// ReadCachedCatalog returns the last catalog listing if it is recent enough
// and was written under the current schema version. ok is false otherwise.
func (l *Layer) ReadCachedCatalog(ctx context.Context) (payload []byte, writtenAt time.Time, ok bool, err error) {
	snap, ok, err := l.read(ctx, storage.KeyCatalog, l.cfg.CatalogStaleness)
	return snap.Payload, snap.WrittenAt, ok, err
}

// OnConnectivityChange feeds a platform connectivity signal into the monitor.
func (l *Layer) OnConnectivityChange(online bool) {
	l.network.Set(online)
}

// SaveCart stores the offline cart.
func (l *Layer) SaveCart(ctx context.Context, payload []byte) error {
	return l.write(ctx, storage.KeyCart, payload)
}

// ReadCart returns the offline cart.
func (l *Layer) ReadCart(ctx context.Context) ([]byte, bool, error) {
	snap, ok, err := l.read(ctx, storage.KeyCart, 0)
	return snap.Payload, ok, err
}

func (l *Layer) SaveWishlist(ctx context.Context, payload []byte) error {
	return l.write(ctx, storage.KeyWishlist, payload)
}

func (l *Layer) ReadWishlist(ctx context.Context) ([]byte, bool, error) {
	snap, ok, err := l.read(ctx, storage.KeyWishlist, 0)
	return snap.Payload, ok, err
}

// Reset deletes every snapshot, as on logout. Queued mutations are kept.
func (l *Layer) Reset(ctx context.Context) error {
	var errs []error
	for _, key := range []string{storage.KeyCatalog, storage.KeyCart, storage.KeyWishlist} {
		if err := l.snapshots.DeleteSnapshot(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("deleting %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Layer) write(ctx context.Context, key string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%s: payload is not valid JSON", key)
	}
	err := l.snapshots.PutSnapshot(ctx, storage.Snapshot{
		Key:           key,
		Payload:       payload,
		SchemaVersion: l.cfg.SchemaVersion,
		WrittenAt:     l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

func (l *Layer) read(ctx context.Context, key string, maxAge time.Duration) (storage.Snapshot, bool, error) {
	snap, err := l.snapshots.GetSnapshot(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !snap.Fresh(l.cfg.SchemaVersion, maxAge, l.now()) {
		l.logger.Debug("snapshot ignored", "key", key, "schema_version", snap.SchemaVersion, "written_at", snap.WrittenAt)
		return storage.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (l *Layer) syncCompleted(res syncqueue.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if l.out != nil {
		payload, _ := json.Marshal(map[string]int{"replayed": res.Replayed, "remaining": res.Remaining})
		if err := l.out.Broadcast(ctx, broadcast.Message{Type: broadcast.TypeSyncCompleted, Payload: payload}); err != nil {
			l.logger.Warn("sync-completed broadcast failed", "error", err)
		}
	}
	body := fmt.Sprintf("%d offline change(s) synced.", res.Replayed)
	if res.Remaining > 0 {
		body = fmt.Sprintf("%d offline change(s) synced, %d still waiting.", res.Replayed, res.Remaining)
	}
	if _, err := l.notifier.DispatchLocal(ctx, notify.Notification{Title: "Changes synced", Body: body, Tag: tagSync}); err != nil {
		l.logger.Warn("sync-completed notification failed", "error", err)
	}
}
