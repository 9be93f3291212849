package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/offgrid/internal/broadcast"
	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/resilience"
	"github.com/kalambet/offgrid/internal/storage"
)

// ManagementPrefix is where the management routes are mounted, out of the
// way of storefront paths.
const ManagementPrefix = "/_offgrid"

const sseKeepAlive = 25 * time.Second

// Layer is the resilience facade. Implemented by resilience.Layer.
type Layer interface {
	Handle(ctx context.Context, ev resilience.Event) (resilience.Outcome, error)
	ReadCachedCatalog(ctx context.Context) ([]byte, time.Time, bool, error)
	SaveCart(ctx context.Context, payload []byte) error
	ReadCart(ctx context.Context) ([]byte, bool, error)
	SaveWishlist(ctx context.Context, payload []byte) error
	ReadWishlist(ctx context.Context) ([]byte, bool, error)
	Reset(ctx context.Context) error
}

// QueueInspector is implemented by syncqueue.Queue.
type QueueInspector interface {
	Pending(ctx context.Context) ([]storage.Mutation, error)
	DeadLetters(ctx context.Context) ([]storage.DeadLetter, error)
	Clear(ctx context.Context) (int, error)
}

// GenerationLister is implemented by lifecycle.Manager.
type GenerationLister interface {
	List(ctx context.Context) ([]storage.Generation, error)
	Active() string
}

// Windows is implemented by broadcast.Hub.
type Windows interface {
	Register(url string) (broadcast.Client, <-chan broadcast.Message, func())
	Navigate(id, url string) error
}

// LocalNotifier is implemented by notify.Dispatcher.
type LocalNotifier interface {
	DispatchLocal(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

type ManageDeps struct {
	Layer       Layer
	Queue       QueueInspector
	Generations GenerationLister
	Windows     Windows
	Notifier    LocalNotifier
	Online      func() bool
	Token       string
}

type installRequest struct {
	Generation string   `json:"generation"`
	Resources  []string `json:"resources"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type actionRequest struct {
	Action string      `json:"action"`
	Data   notify.Data `json:"data"`
}

// NewManagementHandler returns the routes used by the CLI and by client
// windows. Everything except /health requires the bearer token.
func NewManagementHandler(deps ManageDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/events", handleEvents(deps))
		r.Post("/events/{id}/navigate", handleNavigate(deps))

		r.Get("/queue", handleListQueue(deps))
		r.Delete("/queue", handleClearQueue(deps))
		r.Post("/queue/replay", handleHook(deps, resilience.EventSyncTrigger))
		r.Get("/queue/dead", handleDeadLetters(deps))

		r.Get("/generations", handleListGenerations(deps))

		r.Post("/hooks/{event}", handleNamedHook(deps))
		r.Post("/connectivity", handleHook(deps, resilience.EventConnectivityChange))
		r.Post("/notifications", handleNotify(deps))
		r.Post("/notifications/action", handleHook(deps, resilience.EventAction))

		r.Get("/catalog/cached", handleCachedCatalog(deps))
		r.Get("/snapshots/cart", handleReadSnapshot(deps.Layer.ReadCart))
		r.Put("/snapshots/cart", handleSaveSnapshot(deps.Layer.SaveCart))
		r.Get("/snapshots/wishlist", handleReadSnapshot(deps.Layer.ReadWishlist))
		r.Put("/snapshots/wishlist", handleSaveSnapshot(deps.Layer.SaveWishlist))
		r.Delete("/snapshots", handleReset(deps))
	})
	return r
}

func handleHealth(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online := true
		if deps.Online != nil {
			online = deps.Online()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"online":     online,
			"generation": deps.Generations.Active(),
		})
	}
}

// handleEvents streams broadcast messages to one client window as
// server-sent events until the client goes away.
func handleEvents(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		url := r.URL.Query().Get("url")
		if url == "" {
			url = "/"
		}
		client, ch, detach := deps.Windows.Register(url)
		defer detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		hello, _ := json.Marshal(client)
		fmt.Fprintf(w, "event: hello\ndata: %s\n\n", hello)
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
				flusher.Flush()
			}
		}
	}
}

func handleNavigate(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		if err := deps.Windows.Navigate(chi.URLParam(r, "id"), req.URL); err != nil {
			if errors.Is(err, broadcast.ErrUnknownClient) {
				httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
				return
			}
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListQueue(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Queue.Pending(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if pending == nil {
			pending = []storage.Mutation{}
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

func handleClearQueue(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Queue.Clear(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func handleDeadLetters(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dead, err := deps.Queue.DeadLetters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if dead == nil {
			dead = []storage.DeadLetter{}
		}
		writeJSON(w, http.StatusOK, dead)
	}
}

func handleListGenerations(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gens, err := deps.Generations.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if gens == nil {
			gens = []storage.Generation{}
		}
		writeJSON(w, http.StatusOK, gens)
	}
}

func handleNamedHook(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := resilience.ParseEventKind(chi.URLParam(r, "event"))
		if err != nil {
			writeError(w, err)
			return
		}
		handleHook(deps, kind)(w, r)
	}
}

// handleHook decodes the request body into an event of the given kind and
// hands it to the layer.
func handleHook(deps ManageDeps, kind resilience.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := resilience.Event{Kind: kind}
		switch kind {
		case resilience.EventInstall:
			var req installRequest
			if err := decodeBody(w, r, &req); err != nil {
				return
			}
			if req.Generation == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "generation is required")
				return
			}
			ev.Generation, ev.Resources = req.Generation, req.Resources
		case resilience.EventPush:
			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading push payload: %v", err)
				return
			}
			ev.Payload = raw
		case resilience.EventConnectivityChange:
			var req connectivityRequest
			if err := decodeBody(w, r, &req); err != nil {
				return
			}
			if req.Online == nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
				return
			}
			ev.Online = *req.Online
		case resilience.EventAction:
			var req actionRequest
			if err := decodeBody(w, r, &req); err != nil {
				return
			}
			ev.ActionID, ev.Data = req.Action, req.Data
		}

		out, err := deps.Layer.Handle(r.Context(), ev)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := map[string]any{"event": kind.String(), "outcome": out}
		if out.Replay != nil && out.Replay.Err != nil {
			resp["replay_error"] = out.Replay.Err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleNotify(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n notify.Notification
		if err := decodeBody(w, r, &n); err != nil {
			return
		}
		sent, err := deps.Notifier.DispatchLocal(r.Context(), n)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sent)
	}
}

func handleCachedCatalog(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, writtenAt, ok, err := deps.Layer.ReadCachedCatalog(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no fresh catalog snapshot")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Offgrid-Written-At", writtenAt.UTC().Format(time.RFC3339))
		w.Write(payload)
	}
}

func handleReadSnapshot(read func(context.Context) ([]byte, bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok, err := read(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no snapshot stored")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

func handleSaveSnapshot(save func(context.Context, []byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if !json.Valid(payload) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be JSON")
			return
		}
		if err := save(r.Context(), payload); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleReset(deps ManageDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Layer.Reset(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeBody decodes a JSON body into v, writing a 400 on failure. An empty
// body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
	return err
}
