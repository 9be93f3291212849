// Package lifecycle manages versioned cache generations: installing a new
// generation, activating it atomically and deleting the ones it supersedes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/offgrid/internal/broadcast"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

var (
	// ErrIncompleteInstall is returned when a generation could not store its
	// full required resource set. Such a generation never activates.
	ErrIncompleteInstall = errors.New("incomplete install")
	// ErrNoInstalling is returned by Activate when nothing is ready to activate.
	ErrNoInstalling = errors.New("no installed generation waiting")
	// ErrInstallInProgress is returned when another generation is installing.
	ErrInstallInProgress = errors.New("another generation is installing")
)

// Store is the subset of storage.Store the lifecycle needs.
type Store interface {
	CreateGeneration(ctx context.Context, name string, at time.Time) error
	Generation(ctx context.Context, name string) (storage.Generation, error)
	ListGenerations(ctx context.Context) ([]storage.Generation, error)
	SetGenerationState(ctx context.Context, name string, state storage.GenerationState) error
	ActivateGeneration(ctx context.Context, name string, at time.Time) (string, error)
	DeleteGeneration(ctx context.Context, name string) error
	PutEntry(ctx context.Context, e storage.Entry) error
	MissingEntries(ctx context.Context, generation string, keys []string) ([]string, error)
}

// Fetcher retrieves resources from the origin. Implemented by origin.Client.
type Fetcher interface {
	Fetch(ctx context.Context, method, path string, header http.Header, body []byte) (*origin.Response, error)
}

// Lease pins a generation so its storage survives until Release.
type Lease struct {
	Generation string
	release    func()
}

// Release ends the lease. It is safe to call more than once.
func (l Lease) Release() {
	if l.release != nil {
		l.release()
	}
}

type generation struct {
	name    string
	readers sync.WaitGroup
}

func (g *generation) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager drives the NoGeneration -> Installing -> Active -> Superseded
// state machine. At most one generation is active and at most one installs.
type Manager struct {
	store       Store
	fetcher     Fetcher
	broadcaster broadcast.Broadcaster
	now         func() time.Time
	concurrency int
	logger      *slog.Logger

	mu         sync.RWMutex
	active     *generation
	installing string
	installed  bool
	retired    map[string]*generation
}

// NewManager creates a Manager. broadcaster may be nil.
func NewManager(store Store, fetcher Fetcher, broadcaster broadcast.Broadcaster) *Manager {
	return &Manager{
		store:       store,
		fetcher:     fetcher,
		broadcaster: broadcaster,
		now:         time.Now,
		concurrency: 4,
		logger:      slog.Default(),
		retired:     make(map[string]*generation),
	}
}

// Load restores state from storage. An installing generation left behind by
// an earlier run cannot be trusted to be complete and is marked failed, so
// that Cleanup removes it and a new install can proceed.
func (m *Manager) Load(ctx context.Context) error {
	gens, err := m.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range gens {
		switch g.State {
		case storage.StateActive:
			m.active = &generation{name: g.Name}
		case storage.StateInstalling:
			m.logger.Warn("abandoning interrupted install", "generation", g.Name)
			if err := m.store.SetGenerationState(ctx, g.Name, storage.StateFailed); err != nil {
				return fmt.Errorf("marking %s failed: %w", g.Name, err)
			}
		}
	}
	return nil
}

// Active returns the name of the active generation, or "".
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.name
}

// Installing returns the installing generation and whether its install completed.
func (m *Manager) Installing() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.installing, m.installed
}

// Acquire leases the active generation for a read. ok is false when no
// generation is active.
func (m *Manager) Acquire() (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Lease{}, false
	}
	g := m.active
	g.readers.Add(1)
	var once sync.Once
	return Lease{Generation: g.name, release: func() { once.Do(g.readers.Done) }}, true
}

// PutActive stores an entry in whatever generation is active at the moment
// of the write. It never targets an installing or superseded generation.
// ok is false when no generation is active and nothing was written.
func (m *Manager) PutActive(ctx context.Context, key string, status int, header http.Header, body []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return false, nil
	}
	err := m.store.PutEntry(ctx, storage.Entry{
		Generation: m.active.name,
		Key:        key,
		Status:     status,
		Header:     header,
		Body:       body,
		StoredAt:   m.now(),
	})
	return err == nil, err
}

// Install creates generation name and populates it with every resource in
// resources. It leaves the generation waiting for Activate; a failure leaves
// the previous active generation untouched.
func (m *Manager) Install(ctx context.Context, name string, resources []string) error {
	if name == "" {
		return fmt.Errorf("generation name is required")
	}

	m.mu.Lock()
	if m.active != nil && m.active.name == name {
		m.mu.Unlock()
		return nil
	}
	if m.installing != "" {
		current := m.installing
		m.mu.Unlock()
		if current == name {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInstallInProgress, current)
	}
	m.installing = name
	m.installed = false
	m.mu.Unlock()

	if err := m.install(ctx, name, resources); err != nil {
		m.mu.Lock()
		m.installing = ""
		m.mu.Unlock()
		m.logger.Warn("install failed, keeping current generation", "generation", name, "active", m.Active(), "error", err)
		return err
	}

	m.mu.Lock()
	m.installed = true
	m.mu.Unlock()
	m.logger.Info("generation installed", "generation", name, "resources", len(resources))
	return nil
}

func (m *Manager) install(ctx context.Context, name string, resources []string) error {
	existing, err := m.store.Generation(ctx, name)
	switch {
	case err == nil && existing.State == storage.StateActive:
		return fmt.Errorf("generation %s is already active", name)
	case err == nil:
		// A failed or superseded generation of the same name is rebuilt from
		// scratch, once readers still leasing the retired copy are done.
		if err := m.reclaim(ctx, name); err != nil {
			return err
		}
		if err := m.store.DeleteGeneration(ctx, name); err != nil {
			return fmt.Errorf("resetting generation %s: %w", name, err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading generation %s: %w", name, err)
	}

	if err := m.store.CreateGeneration(ctx, name, m.now()); err != nil {
		return fmt.Errorf("creating generation %s: %w", name, err)
	}

	if err := m.populate(ctx, name, resources); err != nil {
		if stateErr := m.store.SetGenerationState(context.WithoutCancel(ctx), name, storage.StateFailed); stateErr != nil {
			m.logger.Error("failed to mark generation failed", "generation", name, "error", stateErr)
		}
		return err
	}
	return nil
}

// reclaim waits for the leases on a generation this process retired and
// takes it off the cleanup list.
func (m *Manager) reclaim(ctx context.Context, name string) error {
	m.mu.RLock()
	g := m.retired[name]
	m.mu.RUnlock()
	if g == nil {
		return nil
	}
	if err := g.drain(ctx); err != nil {
		return fmt.Errorf("waiting for readers of %s: %w", name, err)
	}
	m.mu.Lock()
	if m.retired[name] == g {
		delete(m.retired, name)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) populate(ctx context.Context, name string, resources []string) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, res := range resources {
		g.Go(func() error {
			return m.precache(gCtx, name, res)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteInstall, err)
	}

	keys := make([]string, len(resources))
	for i, res := range resources {
		keys[i] = storage.EntryKey(http.MethodGet, res)
	}
	missing, err := m.store.MissingEntries(ctx, name, keys)
	if err != nil {
		return fmt.Errorf("verifying generation %s: %w", name, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncompleteInstall, missing)
	}
	return nil
}

func (m *Manager) precache(ctx context.Context, gen, resource string) error {
	resp, err := m.fetcher.Fetch(ctx, http.MethodGet, resource, nil, nil)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", resource, err)
	}
	if !resp.OK() {
		return fmt.Errorf("fetching %s: status %d", resource, resp.Status)
	}
	return m.store.PutEntry(ctx, storage.Entry{
		Generation: gen,
		Key:        storage.EntryKey(http.MethodGet, resource),
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
		StoredAt:   m.now(),
	})
}

// Activate promotes the installed generation. The previous generation is
// superseded in the same transaction; its storage is deleted in the
// background once every outstanding lease on it is released.
func (m *Manager) Activate(ctx context.Context) (string, error) {
	m.mu.Lock()
	name := m.installing
	if name == "" {
		m.mu.Unlock()
		return "", ErrNoInstalling
	}
	if !m.installed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s is still installing", ErrIncompleteInstall, name)
	}

	previous, err := m.store.ActivateGeneration(ctx, name, m.now())
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("activating %s: %w", name, err)
	}

	old := m.active
	m.active = &generation{name: name}
	m.installing = ""
	m.installed = false
	if old != nil {
		m.retired[old.name] = old
	} else if previous != "" {
		m.retired[previous] = &generation{name: previous}
	}
	m.mu.Unlock()

	m.logger.Info("generation activated", "generation", name, "previous", previous)

	if m.broadcaster != nil {
		for _, typ := range []string{broadcast.TypeActivated, broadcast.TypeReload} {
			if err := m.broadcaster.Broadcast(ctx, broadcast.Message{Type: typ, Generation: name}); err != nil {
				m.logger.Warn("broadcasting activation failed", "type", typ, "error", err)
			}
		}
	}

	go func() {
		if err := m.Cleanup(context.Background()); err != nil {
			m.logger.Error("generation cleanup failed", "error", err)
		}
	}()
	return name, nil
}

// Cleanup deletes superseded and failed generations. Generations retired by
// this process are deleted only after their leases drain; Cleanup blocks
// until then or until ctx is done. Deleting a generation is idempotent, so
// concurrent Cleanup calls are harmless.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	retired := make([]*generation, 0, len(m.retired))
	for _, g := range m.retired {
		retired = append(retired, g)
	}
	m.mu.RUnlock()

	for _, g := range retired {
		if err := g.drain(ctx); err != nil {
			return fmt.Errorf("waiting for readers of %s: %w", g.name, err)
		}
		if _, err := m.deleteRetired(ctx, g.name, true); err != nil {
			return err
		}
	}

	gens, err := m.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}
	for _, g := range gens {
		if g.State != storage.StateSuperseded && g.State != storage.StateFailed {
			continue
		}
		if _, err := m.deleteRetired(ctx, g.Name, false); err != nil {
			return err
		}
	}
	return nil
}

// deleteRetired deletes name if storage still lists it as superseded or
// failed. The state is re-read under the lock so that a generation which was
// reinstalled or activated in the meantime is left alone. drained reports
// that the caller already waited for the generation's leases.
func (m *Manager) deleteRetired(ctx context.Context, name string, drained bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, pending := m.retired[name]; pending && !drained {
		return false, nil
	}
	delete(m.retired, name)
	if name == m.installing || (m.active != nil && m.active.name == name) {
		return false, nil
	}

	g, err := m.store.Generation(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading generation %s: %w", name, err)
	}
	if g.State != storage.StateSuperseded && g.State != storage.StateFailed {
		return false, nil
	}
	if err := m.store.DeleteGeneration(ctx, name); err != nil {
		return false, fmt.Errorf("deleting generation %s: %w", name, err)
	}
	m.logger.Info("generation deleted", "generation", name, "state", g.State)
	return true, nil
}

// List returns every generation known to storage.
func (m *Manager) List(ctx context.Context) ([]storage.Generation, error) {
	return m.store.ListGenerations(ctx)
}
