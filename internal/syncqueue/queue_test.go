package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

type postCall struct {
	Path    string
	Payload string
	Key     string
}

type mockPoster struct {
	mu     sync.Mutex
	calls  []postCall
	postFn func(ctx context.Context, n int, path string) (*origin.Response, error)
}

func (m *mockPoster) PostJSON(ctx context.Context, path string, payload []byte, key string) (*origin.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, postCall{Path: path, Payload: string(payload), Key: key})
	n := len(m.calls)
	m.mu.Unlock()
	if m.postFn != nil {
		return m.postFn(ctx, n, path)
	}
	return &origin.Response{Status: http.StatusOK}, nil
}

func (m *mockPoster) recorded() []postCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]postCall(nil), m.calls...)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testEndpoints = map[storage.MutationKind]string{
	storage.KindCartSync:    "/api/cart/sync",
	storage.KindOrderSubmit: "/api/orders",
}

func newTestQueue(t *testing.T, poster Poster, cfg Config) (*Queue, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	if cfg.Endpoints == nil {
		cfg.Endpoints = testEndpoints
	}
	return New(store, poster, cfg), store
}

func TestReplayAllInOrder(t *testing.T) {
	poster := &mockPoster{}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	var completed []Result
	q.OnComplete(func(r Result) { completed = append(completed, r) })

	m1, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"n":1}`))
	require.NoError(t, err)
	m2, err := q.Enqueue(ctx, storage.KindOrderSubmit, []byte(`{"n":2}`))
	require.NoError(t, err)
	m3, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"n":3}`))
	require.NoError(t, err)

	res, ran := q.TriggerReplay(ctx)
	require.True(t, ran)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, 0, res.Remaining)

	assert.Equal(t, []postCall{
		{Path: "/api/cart/sync", Payload: `{"n":1}`, Key: m1.ID},
		{Path: "/api/orders", Payload: `{"n":2}`, Key: m2.ID},
		{Path: "/api/cart/sync", Payload: `{"n":3}`, Key: m3.ID},
	}, poster.recorded())

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, completed, 1)
	assert.Equal(t, 3, completed[0].Replayed)
}

func TestReplayStopsAtFirstFailure(t *testing.T) {
	poster := &mockPoster{postFn: func(_ context.Context, n int, _ string) (*origin.Response, error) {
		return nil, fmt.Errorf("%w: connection refused", origin.ErrUnreachable)
	}}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	m1, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"n":1}`))
	require.NoError(t, err)
	m2, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"n":2}`))
	require.NoError(t, err)

	res, ran := q.TriggerReplay(ctx)
	require.True(t, ran)
	assert.ErrorIs(t, res.Err, origin.ErrUnreachable)
	assert.Equal(t, m1.ID, res.FailedID)
	assert.Equal(t, 0, res.Replayed)
	assert.Equal(t, 2, res.Remaining)

	calls := poster.recorded()
	require.Len(t, calls, 1, "M2 must not be attempted after M1 fails")
	assert.Equal(t, m1.ID, calls[0].Key)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, m1.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "connection refused")
	assert.Equal(t, m2.ID, pending[1].ID)
	assert.Equal(t, 0, pending[1].Attempts)
}

func TestReplayNonOKStatusIsFailure(t *testing.T) {
	poster := &mockPoster{postFn: func(_ context.Context, n int, _ string) (*origin.Response, error) {
		if n == 2 {
			return &origin.Response{Status: http.StatusInternalServerError}, nil
		}
		return &origin.Response{Status: http.StatusCreated}, nil
	}}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, storage.KindOrderSubmit, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	res, _ := q.TriggerReplay(ctx)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 2, res.Remaining)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "500")
	assert.Len(t, poster.recorded(), 2)
}

func TestReplayResumesOnNextTrigger(t *testing.T) {
	var offline = true
	var mu sync.Mutex
	poster := &mockPoster{postFn: func(_ context.Context, _ int, _ string) (*origin.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if offline {
			return nil, origin.ErrUnreachable
		}
		return &origin.Response{Status: http.StatusOK}, nil
	}}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"sku":"GTR-1","qty":1}`))
	require.NoError(t, err)

	res, _ := q.TriggerReplay(ctx)
	assert.Equal(t, 1, res.Remaining)

	mu.Lock()
	offline = false
	mu.Unlock()

	res, _ = q.TriggerReplay(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, res.Remaining)

	calls := poster.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, `{"sku":"GTR-1","qty":1}`, calls[1].Payload)
	assert.Equal(t, calls[0].Key, calls[1].Key, "retries reuse the idempotency key")
}

func TestTriggerReplayCoalesces(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	poster := &mockPoster{postFn: func(_ context.Context, _ int, _ string) (*origin.Response, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &origin.Response{Status: http.StatusOK}, nil
	}}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{}`))
	require.NoError(t, err)

	done := make(chan Result)
	go func() {
		res, _ := q.TriggerReplay(ctx)
		done <- res
	}()
	<-entered

	_, ran := q.TriggerReplay(ctx)
	assert.False(t, ran, "second trigger must coalesce into the running pass")

	close(release)
	res := <-done
	assert.Equal(t, 1, res.Replayed)
	assert.Len(t, poster.recorded(), 1)
}

func TestReplayCallTimeout(t *testing.T) {
	poster := &mockPoster{postFn: func(ctx context.Context, _ int, _ string) (*origin.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q, _ := newTestQueue(t, poster, Config{CallTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, storage.KindOrderSubmit, []byte(`{}`))
	require.NoError(t, err)

	start := time.Now()
	res, _ := q.TriggerReplay(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	poster := &mockPoster{postFn: func(_ context.Context, _ int, path string) (*origin.Response, error) {
		if path == "/api/orders" {
			return &origin.Response{Status: http.StatusUnprocessableEntity}, nil
		}
		return &origin.Response{Status: http.StatusOK}, nil
	}}
	q, _ := newTestQueue(t, poster, Config{MaxAttempts: 2})
	ctx := context.Background()

	bad, err := q.Enqueue(ctx, storage.KindOrderSubmit, []byte(`{"bad":true}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, storage.KindCartSync, []byte(`{"ok":true}`))
	require.NoError(t, err)

	res, _ := q.TriggerReplay(ctx)
	assert.Empty(t, res.DeadLettered)
	assert.Equal(t, 2, res.Remaining)

	res, _ = q.TriggerReplay(ctx)
	assert.Equal(t, bad.ID, res.DeadLettered)
	assert.Equal(t, 0, res.Replayed, "the pass stops at the dead-lettered entry")
	assert.Equal(t, 1, res.Remaining)

	res, _ = q.TriggerReplay(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Replayed)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, bad.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, &mockPoster{}, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, storage.MutationKind("refund"), []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = q.Enqueue(ctx, storage.KindCartSync, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestClear(t *testing.T) {
	poster := &mockPoster{}
	q, _ := newTestQueue(t, poster, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{}`))
		require.NoError(t, err)
	}
	n, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, ran := q.TriggerReplay(ctx)
	assert.True(t, ran)
	assert.Equal(t, 0, res.Replayed)
	assert.Empty(t, poster.recorded())
}

func TestRunReplaysOnSignal(t *testing.T) {
	poster := &mockPoster{}
	q, _ := newTestQueue(t, poster, Config{})

	completed := make(chan Result, 1)
	q.OnComplete(func(r Result) { completed <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	_, err := q.Enqueue(ctx, storage.KindCartSync, []byte(`{"sku":"AMP-9"}`))
	require.NoError(t, err)
	q.Signal()

	select {
	case r := <-completed:
		assert.Equal(t, 1, r.Replayed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not replay after Signal")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHasPending(t *testing.T) {
	q, _ := newTestQueue(t, &mockPoster{}, Config{})
	ctx := context.Background()

	pending, err := q.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = q.Enqueue(ctx, storage.KindCartSync, []byte(`{"items":[]}`))
	require.NoError(t, err)
	pending, err = q.HasPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	res, ran := q.TriggerReplay(ctx)
	require.True(t, ran)
	require.Equal(t, 1, res.Replayed)
	pending, err = q.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}
