// Package syncqueue holds mutations made while offline and replays them
// against the origin in the order they were made.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

var (
	ErrUnknownKind    = errors.New("unknown mutation kind")
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

const defaultCallTimeout = 15 * time.Second

// Store abstracts the mutation queue operations.
type Store interface {
	EnqueueMutation(ctx context.Context, m storage.Mutation) (storage.Mutation, error)
	ListMutations(ctx context.Context, limit int) ([]storage.Mutation, error)
	CountMutations(ctx context.Context) (int, error)
	DeleteMutation(ctx context.Context, id string) error
	RecordMutationFailure(ctx context.Context, id, errMsg string, at time.Time) (int, error)
	ClearMutations(ctx context.Context) (int, error)
	DeadLetterMutation(ctx context.Context, id string, at time.Time) error
	ListDeadLetters(ctx context.Context) ([]storage.DeadLetter, error)
}

// Poster sends a JSON payload to the origin.
type Poster interface {
	PostJSON(ctx context.Context, path string, payload []byte, idempotencyKey string) (*origin.Response, error)
}

// Config controls replay.
type Config struct {
	// Endpoints maps each mutation kind to the origin path it is posted to.
	Endpoints map[storage.MutationKind]string
	// CallTimeout bounds every replay POST. <= 0 selects 15s.
	CallTimeout time.Duration
	// MaxAttempts moves a mutation to the dead-letter table once it has failed
	// this many times. 0 retries forever.
	MaxAttempts int
	// Interval is the periodic sync signal for Run. <= 0 disables the ticker.
	Interval time.Duration
}

// Result summarizes one replay pass.
type Result struct {
	Replayed     int    `json:"replayed"`
	Remaining    int    `json:"remaining"`
	FailedID     string `json:"failed_id,omitempty"`
	DeadLettered string `json:"dead_lettered,omitempty"`
	Err          error  `json:"-"`
}

// Queue is the background sync queue.
type Queue struct {
	store  Store
	poster Poster
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	running    sync.Mutex
	wake       chan struct{}
	onComplete func(Result)
}

// New creates a Queue.
func New(store Store, poster Poster, cfg Config) *Queue {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Queue{
		store:  store,
		poster: poster,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
}

// OnComplete registers fn to run after every pass that replayed at least one
// mutation. Must be called before Run.
func (q *Queue) OnComplete(fn func(Result)) {
	q.onComplete = fn
}

// Enqueue persists a mutation for later replay. It does no network I/O.
func (q *Queue) Enqueue(ctx context.Context, kind storage.MutationKind, payload []byte) (storage.Mutation, error) {
	if !kind.Valid() {
		return storage.Mutation{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !json.Valid(payload) {
		return storage.Mutation{}, ErrInvalidPayload
	}
	m, err := q.store.EnqueueMutation(ctx, storage.Mutation{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return storage.Mutation{}, fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	q.logger.Info("mutation queued", "mutation_id", m.ID, "kind", kind, "seq", m.Seq)
	return m, nil
}

// Pending returns queued mutations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]storage.Mutation, error) {
	return q.store.ListMutations(ctx, 0)
}

// HasPending reports whether any mutation is waiting for replay.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	n, err := q.store.CountMutations(ctx)
	if err != nil {
		return false, fmt.Errorf("counting mutations: %w", err)
	}
	return n > 0, nil
}

// DeadLetters returns mutations that were taken out of replay.
func (q *Queue) DeadLetters(ctx context.Context) ([]storage.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// Clear drops every queued mutation.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.ClearMutations(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing queue: %w", err)
	}
	return n, nil
}

// Signal asks Run to start a pass. Signals that arrive while one is already
// pending collapse into it.
func (q *Queue) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run replays on every Signal and on the periodic interval until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	var tick <-chan time.Time
	if q.cfg.Interval > 0 {
		t := time.NewTicker(q.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-tick:
		}
		if res, ran := q.TriggerReplay(ctx); ran && res.Err != nil {
			q.logger.Warn("replay pass stopped", "failed_id", res.FailedID, "remaining", res.Remaining, "error", res.Err)
		}
	}
}

// TriggerReplay runs one replay pass. It returns false without doing
// anything when a pass is already in flight.
//
// The pass walks the queue head first. A 2xx answer deletes the mutation;
// anything else records the failure and ends the pass, leaving that mutation
// and everything behind it for the next trigger.
func (q *Queue) TriggerReplay(ctx context.Context) (Result, bool) {
	if !q.running.TryLock() {
		return Result{}, false
	}
	defer q.running.Unlock()

	res := q.replay(ctx)
	if n, err := q.store.CountMutations(context.WithoutCancel(ctx)); err == nil {
		res.Remaining = n
	}
	if res.Replayed > 0 {
		q.logger.Info("replay pass finished", "replayed", res.Replayed, "remaining", res.Remaining)
		if q.onComplete != nil {
			q.onComplete(res)
		}
	}
	return res, true
}

func (q *Queue) replay(ctx context.Context) Result {
	var res Result
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		head, err := q.store.ListMutations(ctx, 1)
		if err != nil {
			res.Err = fmt.Errorf("reading queue head: %w", err)
			return res
		}
		if len(head) == 0 {
			return res
		}
		m := head[0]

		sendErr := q.send(ctx, m)
		if sendErr == nil {
			if err := q.store.DeleteMutation(ctx, m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				res.Err = fmt.Errorf("removing replayed mutation %s: %w", m.ID, err)
				return res
			}
			res.Replayed++
			continue
		}

		res.FailedID = m.ID
		res.Err = sendErr
		if ctx.Err() != nil {
			return res
		}
		q.fail(ctx, m, sendErr, &res)
		return res
	}
}

func (q *Queue) send(ctx context.Context, m storage.Mutation) error {
	path, ok := q.cfg.Endpoints[m.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	defer cancel()

	resp, err := q.poster.PostJSON(callCtx, path, m.Payload, m.ID)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("origin answered %d", resp.Status)
	}
	return nil
}

func (q *Queue) fail(ctx context.Context, m storage.Mutation, cause error, res *Result) {
	now := q.now().UTC()
	attempts, err := q.store.RecordMutationFailure(ctx, m.ID, cause.Error(), now)
	if err != nil {
		q.logger.Error("failed to record replay failure", "mutation_id", m.ID, "error", err)
		return
	}
	q.logger.Warn("replay failed", "mutation_id", m.ID, "kind", m.Kind, "attempts", attempts, "error", cause)

	if q.cfg.MaxAttempts <= 0 || attempts < q.cfg.MaxAttempts {
		return
	}
	if err := q.store.DeadLetterMutation(ctx, m.ID, now); err != nil {
		q.logger.Error("failed to dead-letter mutation", "mutation_id", m.ID, "error", err)
		return
	}
	res.DeadLettered = m.ID
	q.logger.Warn("mutation dead-lettered", "mutation_id", m.ID, "attempts", attempts)
}
