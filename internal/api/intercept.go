package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/offgrid/internal/cache"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Response headers describing how a request was served.
const (
	HeaderSource   = "X-Offgrid-Source"
	HeaderStrategy = "X-Offgrid-Strategy"
)

// Engine serves intercepted requests. Implemented by cache.Engine.
type Engine interface {
	Handle(ctx context.Context, req cache.Request) (*cache.Response, error)
}

// Enqueuer accepts mutations for later replay. Implemented by resilience.Layer.
type Enqueuer interface {
	HasPending(ctx context.Context) (bool, error)
	EnqueueCartSync(ctx context.Context, payload []byte) (storage.Mutation, error)
	EnqueueOrderSubmit(ctx context.Context, payload []byte) (storage.Mutation, error)
}

type InterceptDeps struct {
	Engine Engine
	Queue  Enqueuer
	// QueuedPaths maps origin paths whose POSTs are queued when the origin
	// cannot be reached.
	QueuedPaths map[string]storage.MutationKind
}

// forwarded request headers
var passHeaders = []string{"Accept", "Accept-Language", "Content-Type", "Cookie", "If-None-Match", "If-Modified-Since"}

// dropped response headers
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// NewInterceptHandler returns the request interception point: every request
// the storefront makes goes through here on its way to the origin.
func NewInterceptHandler(deps InterceptDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if method == http.MethodHead {
			method = http.MethodGet
		}

		var body []byte
		if method != http.MethodGet {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading request body: %v", err)
				return
			}
		}

		req := cache.Request{
			Method:   method,
			Target:   r.URL.RequestURI(),
			Navigate: isNavigation(r),
			Header:   forwardHeader(r.Header),
			Body:     body,
		}
		kind, queued := deps.QueuedPaths[r.URL.Path]
		queued = queued && r.Method == http.MethodPost
		if queued {
			// Replay order is enqueue order; a live write must not overtake
			// writes that are still waiting.
			pending, err := deps.Queue.HasPending(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			if pending {
				queueMutation(w, r, deps.Queue, kind, body)
				return
			}
		}

		resp, err := deps.Engine.Handle(r.Context(), req)
		if err != nil {
			if queued && unreachable(err) {
				queueMutation(w, r, deps.Queue, kind, body)
				return
			}
			if r.Context().Err() != nil {
				return
			}
			code, typ := errorStatus(err)
			if code == http.StatusInternalServerError && unreachable(err) {
				code, typ = http.StatusBadGateway, "api_error"
			}
			httpError(w, code, typ, "%v", err)
			return
		}

		h := w.Header()
		for k, vs := range resp.Header {
			if hopHeaders[http.CanonicalHeaderKey(k)] {
				continue
			}
			h[k] = vs
		}
		h.Set(HeaderSource, string(resp.Source))
		if resp.Strategy != "" {
			h.Set(HeaderStrategy, string(resp.Strategy))
		}
		w.WriteHeader(resp.Status)
		if r.Method != http.MethodHead {
			w.Write(resp.Body)
		}
	})
}

func queueMutation(w http.ResponseWriter, r *http.Request, q Enqueuer, kind storage.MutationKind, body []byte) {
	var (
		m   storage.Mutation
		err error
	)
	switch kind {
	case storage.KindOrderSubmit:
		m, err = q.EnqueueOrderSubmit(r.Context(), body)
	default:
		m, err = q.EnqueueCartSync(r.Context(), body)
	}
	if err != nil {
		code, typ := errorStatus(err)
		httpError(w, code, typ, "origin unreachable and request could not be queued: %v", err)
		return
	}
	slog.Info("write queued for replay", "path", r.URL.Path, "mutation_id", m.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"id":     m.ID,
	})
}

// unreachable reports whether err means the origin could not be reached, as
// opposed to the origin answering.
func unreachable(err error) bool {
	return errors.Is(err, origin.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func forwardHeader(in http.Header) http.Header {
	out := http.Header{}
	for _, k := range passHeaders {
		if v := in.Values(k); len(v) > 0 {
			out[k] = v
		}
	}
	return out
}
