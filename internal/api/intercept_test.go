package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/offgrid/internal/cache"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

type mockEngine struct {
	last   cache.Request
	handle func(req cache.Request) (*cache.Response, error)
}

func (m *mockEngine) Handle(_ context.Context, req cache.Request) (*cache.Response, error) {
	m.last = req
	return m.handle(req)
}

type mockEnqueuer struct {
	kinds      []storage.MutationKind
	payloads   []string
	err        error
	pending    bool
	pendingErr error
}

func (m *mockEnqueuer) HasPending(context.Context) (bool, error) {
	return m.pending || len(m.kinds) > 0, m.pendingErr
}

func (m *mockEnqueuer) enqueue(kind storage.MutationKind, payload []byte) (storage.Mutation, error) {
	if m.err != nil {
		return storage.Mutation{}, m.err
	}
	m.kinds = append(m.kinds, kind)
	m.payloads = append(m.payloads, string(payload))
	return storage.Mutation{ID: fmt.Sprintf("m-%d", len(m.kinds)), Kind: kind}, nil
}

func (m *mockEnqueuer) EnqueueCartSync(_ context.Context, p []byte) (storage.Mutation, error) {
	return m.enqueue(storage.KindCartSync, p)
}

func (m *mockEnqueuer) EnqueueOrderSubmit(_ context.Context, p []byte) (storage.Mutation, error) {
	return m.enqueue(storage.KindOrderSubmit, p)
}

func setupIntercept(eng *mockEngine, q *mockEnqueuer) http.Handler {
	return NewInterceptHandler(InterceptDeps{
		Engine: eng,
		Queue:  q,
		QueuedPaths: map[string]storage.MutationKind{
			"/api/cart/sync": storage.KindCartSync,
			"/api/orders":    storage.KindOrderSubmit,
		},
	})
}

func unreachableEngine(req cache.Request) (*cache.Response, error) {
	return nil, fmt.Errorf("%w: dial tcp: connection refused", origin.ErrUnreachable)
}

func TestIntercept_ServesEngineResponse(t *testing.T) {
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return &cache.Response{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": {"image/png"}, "Content-Length": {"999"}},
			Body:     []byte("png"),
			Source:   cache.SourceCache,
			Strategy: cache.CacheFirst,
		}, nil
	}}
	h := setupIntercept(eng, &mockEnqueuer{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/img/logo.png?v=2", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != "png" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if got := rr.Header().Get(HeaderSource); got != "cache" {
		t.Errorf("%s = %q, want cache", HeaderSource, got)
	}
	if got := rr.Header().Get(HeaderStrategy); got != "cache-first" {
		t.Errorf("%s = %q", HeaderStrategy, got)
	}
	if got := rr.Header().Get("Content-Length"); got == "999" {
		t.Error("stale Content-Length must not be copied")
	}
	if eng.last.Target != "/img/logo.png?v=2" || eng.last.Method != http.MethodGet {
		t.Errorf("engine request = %+v", eng.last)
	}
}

func TestIntercept_NavigationDetection(t *testing.T) {
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Source: cache.SourceNetwork}, nil
	}}
	h := setupIntercept(eng, &mockEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/product/42", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !eng.last.Navigate {
		t.Error("Accept: text/html should mark the request as a navigation")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if eng.last.Navigate {
		t.Error("JSON fetch is not a navigation")
	}
}

func TestIntercept_OfflineGETIsGatewayTimeout(t *testing.T) {
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return nil, fmt.Errorf("%w: /api/cart", cache.ErrResourceUnavailable)
	}}
	h := setupIntercept(eng, &mockEnqueuer{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cart", nil))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rr.Code)
	}
	var body map[string]map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["error"]["type"] != "offline_error" {
		t.Errorf("error type = %q", body["error"]["type"])
	}
}

func TestIntercept_QueuesFailedCartWrite(t *testing.T) {
	q := &mockEnqueuer{}
	eng := &mockEngine{handle: unreachableEngine}
	h := setupIntercept(eng, q)

	payload := `{"items":[{"sku":"P-BASS","qty":1}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/cart/sync", strings.NewReader(payload)))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "queued" || body["id"] != "m-1" {
		t.Errorf("body = %v", body)
	}
	if len(q.payloads) != 1 || q.payloads[0] != payload || q.kinds[0] != storage.KindCartSync {
		t.Errorf("queued = %v %v", q.kinds, q.payloads)
	}
	if string(eng.last.Body) != payload {
		t.Errorf("engine body = %q", eng.last.Body)
	}
}

func TestIntercept_QueuesFailedOrder(t *testing.T) {
	q := &mockEnqueuer{}
	h := setupIntercept(&mockEngine{handle: unreachableEngine}, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"total":1299}`)))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(q.kinds) != 1 || q.kinds[0] != storage.KindOrderSubmit {
		t.Errorf("kinds = %v", q.kinds)
	}
}

func TestIntercept_UnqueuedWriteFails(t *testing.T) {
	q := &mockEnqueuer{}
	h := setupIntercept(&mockEngine{handle: unreachableEngine}, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/reviews", strings.NewReader(`{}`)))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if len(q.kinds) != 0 {
		t.Errorf("nothing should be queued, got %v", q.kinds)
	}
}

func TestIntercept_OriginAnswerIsNotQueued(t *testing.T) {
	q := &mockEnqueuer{}
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusConflict, Body: []byte(`{"error":"stock"}`), Source: cache.SourceNetwork}, nil
	}}
	h := setupIntercept(eng, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{}`)))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want origin's 409", rr.Code)
	}
	if len(q.kinds) != 0 {
		t.Error("an origin answer must not be queued")
	}
}

func TestIntercept_InvalidQueuedPayload(t *testing.T) {
	q := &mockEnqueuer{err: errors.New("payload is not valid JSON")}
	h := setupIntercept(&mockEngine{handle: unreachableEngine}, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/cart/sync", strings.NewReader(`nope`)))

	if rr.Code == http.StatusAccepted {
		t.Fatal("an unqueueable write must not be acknowledged")
	}
}

func TestIntercept_WriteQueuedBehindPending(t *testing.T) {
	q := &mockEnqueuer{pending: true}
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		t.Errorf("engine called for %s %s while writes are pending", req.Method, req.Target)
		return &cache.Response{Status: http.StatusOK}, nil
	}}
	h := setupIntercept(eng, q)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"order":"o-2"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if len(q.kinds) != 1 || q.kinds[0] != storage.KindOrderSubmit {
		t.Fatalf("queued kinds = %v, want [order_submit]", q.kinds)
	}
	if q.payloads[0] != `{"order":"o-2"}` {
		t.Errorf("payload = %q", q.payloads[0])
	}
}

func TestIntercept_ReadsIgnorePendingWrites(t *testing.T) {
	q := &mockEnqueuer{pending: true}
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return &cache.Response{Status: http.StatusOK, Body: []byte("cart"), Source: cache.SourceNetwork}, nil
	}}
	h := setupIntercept(eng, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cart/sync", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if eng.last.Method != http.MethodGet {
		t.Errorf("engine method = %q, want GET", eng.last.Method)
	}
	if len(q.kinds) != 0 {
		t.Errorf("queued %v, want nothing", q.kinds)
	}
}

func TestIntercept_PendingCheckFailure(t *testing.T) {
	q := &mockEnqueuer{pendingErr: errors.New("database is locked")}
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		t.Error("engine called after pending check failed")
		return nil, nil
	}}
	h := setupIntercept(eng, q)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/cart/sync", strings.NewReader(`{}`)))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestIntercept_OversizeOriginBodyIsBadGateway(t *testing.T) {
	eng := &mockEngine{handle: func(req cache.Request) (*cache.Response, error) {
		return nil, fmt.Errorf("%w: GET /media/demo.mp4", origin.ErrResponseTooLarge)
	}}
	h := setupIntercept(eng, &mockEnqueuer{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/media/demo.mp4", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}
