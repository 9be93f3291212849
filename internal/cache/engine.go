// Package cache intercepts GET requests on their way to the origin and
// serves them by resource class: cache-first, network-first with fallback,
// or stale-while-revalidate.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/offgrid/internal/lifecycle"
	"github.com/kalambet/offgrid/internal/origin"
	"github.com/kalambet/offgrid/internal/storage"
)

// ErrResourceUnavailable is returned when neither the cache nor the network
// can answer and no fallback applies.
var ErrResourceUnavailable = errors.New("resource unavailable")

const fetchTimeout = 30 * time.Second

// Fetcher retrieves resources from the origin. Implemented by origin.Client.
type Fetcher interface {
	Fetch(ctx context.Context, method, path string, header http.Header, body []byte) (*origin.Response, error)
}

// Generations gives access to the active cache generation.
// Implemented by lifecycle.Manager.
type Generations interface {
	Acquire() (lifecycle.Lease, bool)
	PutActive(ctx context.Context, key string, status int, header http.Header, body []byte) (bool, error)
}

// EntryReader reads cached entries. Implemented by storage.Store.
type EntryReader interface {
	GetEntry(ctx context.Context, generation, key string) (storage.Entry, error)
}

// SnapshotWriter persists whole-object snapshots. Implemented by storage.Store.
type SnapshotWriter interface {
	PutSnapshot(ctx context.Context, snap storage.Snapshot) error
}

type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Request describes an intercepted request. Target is origin-relative
// (path plus query). Class is derived when empty. Body is only forwarded
// on bypassed methods.
type Request struct {
	Method   string
	Target   string
	Class    Class
	Navigate bool
	Header   http.Header
	Body     []byte
}

type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy Strategy
}

type Options struct {
	// OfflinePage is the origin-relative path of the placeholder page served
	// to navigations when neither network nor cache can answer.
	OfflinePage string
	// SnapshotRoutes maps a request target to the snapshot key that every
	// successful network read of that target overwrites.
	SnapshotRoutes map[string]string
	SchemaVersion  string
}

// Engine applies caching strategies. Cache writes always go through
// Generations so they land in the generation active at write time.
type Engine struct {
	fetcher   Fetcher
	gens      Generations
	entries   EntryReader
	snapshots SnapshotWriter
	opts      Options
	now       func() time.Time
	logger    *slog.Logger

	flight singleflight.Group
	bg     sync.WaitGroup
}

// NewEngine creates an Engine. snapshots may be nil.
func NewEngine(fetcher Fetcher, gens Generations, entries EntryReader, snapshots SnapshotWriter, opts Options) *Engine {
	return &Engine{
		fetcher:   fetcher,
		gens:      gens,
		entries:   entries,
		snapshots: snapshots,
		opts:      opts,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Handle serves req. Non-GET requests bypass caching and go to the network.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Method != http.MethodGet {
		resp, err := e.fetcher.Fetch(ctx, req.Method, req.Target, req.Header, req.Body)
		if err != nil {
			return nil, err
		}
		return fromOrigin(resp, SourceNetwork, ""), nil
	}

	if req.Class == "" {
		req.Class = Classify(req.Target, req.Navigate)
	}
	strategy := StrategyFor(req.Class)

	lease, haveGen := e.gens.Acquire()
	defer lease.Release()

	var (
		resp *Response
		err  error
	)
	switch strategy {
	case CacheFirst:
		resp, err = e.cacheFirst(ctx, req, lease, haveGen)
	case StaleWhileRevalidate:
		resp, err = e.staleWhileRevalidate(ctx, req, lease, haveGen)
	default:
		resp, err = e.networkFirst(ctx, req, lease, haveGen)
	}
	if resp != nil {
		resp.Strategy = strategy
	}
	return resp, err
}

// Wait blocks until background revalidations finish.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) cacheFirst(ctx context.Context, req Request, lease lifecycle.Lease, haveGen bool) (*Response, error) {
	if haveGen {
		if resp, ok := e.lookup(ctx, lease.Generation, req.Target); ok {
			return resp, nil
		}
	}
	resp, err := e.fetchAndStore(ctx, req)
	if err != nil {
		if errors.Is(err, origin.ErrResponseTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceUnavailable, req.Target, err)
	}
	return resp, nil
}

func (e *Engine) networkFirst(ctx context.Context, req Request, lease lifecycle.Lease, haveGen bool) (*Response, error) {
	resp, err := e.fetchAndStore(ctx, req)
	if err == nil || errors.Is(err, origin.ErrResponseTooLarge) {
		return resp, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	e.logger.Debug("network failed, falling back to cache", "target", req.Target, "error", err)

	if haveGen {
		if cached, ok := e.lookup(ctx, lease.Generation, req.Target); ok {
			return cached, nil
		}
	}
	return e.fallback(ctx, req, lease, haveGen, err)
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req Request, lease lifecycle.Lease, haveGen bool) (*Response, error) {
	if haveGen {
		if cached, ok := e.lookup(ctx, lease.Generation, req.Target); ok {
			e.revalidate(ctx, req)
			return cached, nil
		}
	}
	resp, err := e.fetchAndStore(ctx, req)
	if err == nil || errors.Is(err, origin.ErrResponseTooLarge) {
		return resp, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return e.fallback(ctx, req, lease, haveGen, err)
}

// fallback serves the offline page to navigations and fails everything else.
func (e *Engine) fallback(ctx context.Context, req Request, lease lifecycle.Lease, haveGen bool, cause error) (*Response, error) {
	if req.Class == ClassNavigation && haveGen && e.opts.OfflinePage != "" {
		if page, ok := e.lookup(ctx, lease.Generation, e.opts.OfflinePage); ok {
			page.Status = http.StatusServiceUnavailable
			page.Source = SourceOffline
			return page, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrResourceUnavailable, req.Target, cause)
}

func (e *Engine) revalidate(ctx context.Context, req Request) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		if _, err := e.fetchAndStore(bgCtx, req); err != nil {
			e.logger.Debug("background revalidation failed", "target", req.Target, "error", err)
		}
	}()
}

func (e *Engine) lookup(ctx context.Context, gen, target string) (*Response, bool) {
	entry, err := e.entries.GetEntry(ctx, gen, storage.EntryKey(http.MethodGet, target))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("cache read failed", "generation", gen, "target", target, "error", err)
		}
		return nil, false
	}
	return &Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
		Source: SourceCache,
	}, true
}

// fetchAndStore performs one network GET, collapsing concurrent fetches of
// the same target. A 2xx answer is written to the active generation and, for
// snapshot routes, to the matching snapshot. The shared fetch is detached from
// the first caller's cancellation; each caller still stops waiting when its
// own ctx is done.
func (e *Engine) fetchAndStore(ctx context.Context, req Request) (*Response, error) {
	key := storage.EntryKey(http.MethodGet, req.Target)
	ch := e.flight.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		resp, err := e.fetcher.Fetch(fetchCtx, http.MethodGet, req.Target, req.Header, nil)
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			e.store(fetchCtx, key, req.Target, resp)
		}
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return fromOrigin(res.Val.(*origin.Response), SourceNetwork, ""), nil
	}
}

func (e *Engine) store(ctx context.Context, key, target string, resp *origin.Response) {
	if _, err := e.gens.PutActive(ctx, key, resp.Status, resp.Header, resp.Body); err != nil {
		e.logger.Warn("cache write failed", "key", key, "error", err)
	}
	if e.snapshots == nil {
		return
	}
	snapKey, ok := e.opts.SnapshotRoutes[target]
	if !ok {
		return
	}
	if err := e.snapshots.PutSnapshot(ctx, storage.Snapshot{
		Key:           snapKey,
		Payload:       resp.Body,
		SchemaVersion: e.opts.SchemaVersion,
		WrittenAt:     e.now(),
	}); err != nil {
		e.logger.Warn("snapshot write failed", "key", snapKey, "error", err)
	}
}

func fromOrigin(resp *origin.Response, src Source, strategy Strategy) *Response {
	return &Response{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		Source:   src,
		Strategy: strategy,
	}
}
