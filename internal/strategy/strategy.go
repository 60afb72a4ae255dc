// Package strategy runs the caching strategies (cache-first, network-first,
// stale-while-revalidate) against the cache registry and the network.
package strategy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/network"
	"github.com/briangreenhill/offlinecache/internal/policy"
)

// Strategy is one of the request handling strategies
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
)

// HeaderFromCache marks responses served from a store
const HeaderFromCache = "X-From-Cache"

const (
	unavailableBody = "Service unavailable"
	offlineBody     = "Offline - content not available"
)

// For returns the strategy used for a policy class
func For(class policy.Class) Strategy {
	switch class {
	case policy.NetworkOnly:
		return NetworkOnly
	case policy.Static:
		return CacheFirst
	case policy.Dynamic:
		return StaleWhileRevalidate
	default:
		return NetworkFirst
	}
}

// Generations names the stores of the active generation. Empty names mean
// no generation is active yet.
type Generations interface {
	StaticStore() string
	DynamicStore() string
}

// Options holds the collaborators of an Executor
type Options struct {
	Classifier  *policy.Classifier
	Registry    *cache.Registry
	Evictor     *cache.Evictor
	Network     network.Client
	Stores      Generations
	OfflinePage string // path of the offline page in the static store
	Logger      zerolog.Logger
}

// Executor turns every intercepted request into a response. It never
// returns an error: failures resolve to cached or synthesized responses.
type Executor struct {
	classifier  *policy.Classifier
	registry    *cache.Registry
	evictor     *cache.Evictor
	network     network.Client
	stores      Generations
	offlinePage string
	log         zerolog.Logger

	flight             singleflight.Group
	bg                 sync.WaitGroup
	revalidateFailures atomic.Uint64
}

// New creates an Executor
func New(opts Options) *Executor {
	return &Executor{
		classifier:  opts.Classifier,
		registry:    opts.Registry,
		evictor:     opts.Evictor,
		network:     opts.Network,
		stores:      opts.Stores,
		offlinePage: opts.OfflinePage,
		log:         opts.Logger,
	}
}

// Execute classifies req and runs the matching strategy
func (e *Executor) Execute(ctx context.Context, req *network.Request) *network.Response {
	class := e.classifier.Classify(req.Method, req.URL)
	return e.Run(ctx, For(class), req)
}

// Run executes req with an explicit strategy
func (e *Executor) Run(ctx context.Context, s Strategy, req *network.Request) *network.Response {
	key := cache.KeyFor(req.Method, req.URL)

	switch s {
	case CacheFirst:
		return e.cacheFirst(ctx, req, key)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req, key)
	case NetworkOnly:
		return e.networkOnly(ctx, req)
	default:
		return e.networkFirst(ctx, req, key)
	}
}

// Wait blocks until every background revalidation has finished
func (e *Executor) Wait() {
	e.bg.Wait()
}

// RevalidateFailures counts background refreshes that did not update the cache
func (e *Executor) RevalidateFailures() uint64 {
	return e.revalidateFailures.Load()
}

func (e *Executor) cacheFirst(ctx context.Context, req *network.Request, key string) *network.Response {
	static := e.staticStore()
	if static != nil {
		if entry, ok := static.Get(key); ok {
			return fromEntry(entry)
		}
	}

	resp, err := e.network.Do(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("url", req.URL).Msg("strategy: cache-first network failure")
		if page, ok := e.offlineFallback(static, req.URL); ok {
			return page
		}
		return network.Unavailable(unavailableBody)
	}

	if static != nil && cacheable(resp) {
		static.Put(key, toEntry(resp))
	}
	return resp
}

func (e *Executor) networkFirst(ctx context.Context, req *network.Request, key string) *network.Response {
	dynamic := e.dynamicStore()

	resp, err := e.network.Do(ctx, req)
	if err == nil {
		if dynamic != nil && cacheable(resp) {
			e.putDynamic(dynamic, key, resp)
		}
		return resp
	}

	e.log.Debug().Err(err).Str("url", req.URL).Msg("strategy: network-first falling back to cache")
	if dynamic != nil {
		if entry, ok := dynamic.Get(key); ok {
			return fromEntry(entry)
		}
	}
	return network.Unavailable(offlineBody)
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req *network.Request, key string) *network.Response {
	dynamic := e.dynamicStore()
	if dynamic != nil {
		if entry, ok := dynamic.Get(key); ok {
			e.revalidate(ctx, dynamic, req, key)
			return fromEntry(entry)
		}
	}
	return e.networkFirst(ctx, req, key)
}

func (e *Executor) networkOnly(ctx context.Context, req *network.Request) *network.Response {
	resp, err := e.network.Do(ctx, req)
	if err != nil {
		e.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("strategy: network-only failure")
		return network.Unavailable(offlineBody)
	}
	return resp
}

// revalidate refreshes key in the background. It outlives the caller's
// context, and concurrent refreshes of the same key share one network call.
// Failures are invisible to the caller; the next read shows the outcome.
func (e *Executor) revalidate(ctx context.Context, store *cache.Store, req *network.Request, key string) {
	bgCtx := context.WithoutCancel(ctx)
	r := cloneRequest(req)

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_, _, _ = e.flight.Do(store.Name()+"\x00"+key, func() (any, error) {
			resp, err := e.network.Do(bgCtx, r)
			if err != nil {
				e.revalidateFailures.Add(1)
				e.log.Debug().Err(err).Str("key", key).Msg("strategy: background revalidation failed")
				return nil, err
			}
			if !cacheable(resp) {
				e.revalidateFailures.Add(1)
				e.log.Debug().Int("status", resp.Status).Str("key", key).Msg("strategy: background revalidation not cacheable")
				return nil, nil
			}
			e.putDynamic(store, key, resp)
			return nil, nil
		})
	}()
}

func (e *Executor) putDynamic(store *cache.Store, key string, resp *network.Response) {
	if e.evictor == nil {
		store.Put(key, toEntry(resp))
		return
	}
	e.evictor.Put(store, key, toEntry(resp))
}

// staticStore returns the active static store, or nil when there is none.
// Static stores are only created by install.
func (e *Executor) staticStore() *cache.Store {
	name := e.stores.StaticStore()
	if name == "" {
		return nil
	}
	s, ok := e.registry.Lookup(name)
	if !ok {
		return nil
	}
	return s
}

// dynamicStore returns the active dynamic store, creating it on first use.
// A store deleted by an activation in the meantime is not recreated.
func (e *Executor) dynamicStore() *cache.Store {
	name := e.stores.DynamicStore()
	if name == "" {
		return nil
	}
	s, ok := e.registry.Attach(name)
	if !ok {
		return nil
	}
	return s
}

func (e *Executor) offlineFallback(static *cache.Store, requestURL string) (*network.Response, bool) {
	if static == nil || e.offlinePage == "" {
		return nil, false
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return nil, false
	}
	ref, err := url.Parse(e.offlinePage)
	if err != nil {
		return nil, false
	}
	entry, ok := static.Get(cache.KeyFor(http.MethodGet, base.ResolveReference(ref).String()))
	if !ok {
		return nil, false
	}
	return fromEntry(entry), true
}

// cacheable reports whether resp may be stored: 2xx and not no-store
func cacheable(resp *network.Response) bool {
	if !resp.OK() {
		return false
	}
	return !strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-store")
}

func toEntry(resp *network.Response) cache.Entry {
	return cache.Entry{
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   resp.Body,
	}
}

func fromEntry(entry cache.Entry) *network.Response {
	h := entry.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderFromCache, "1")
	return &network.Response{
		Status: entry.Status,
		Header: h,
		Body:   entry.Body,
	}
}

func cloneRequest(req *network.Request) *network.Request {
	cp := *req
	cp.Header = req.Header.Clone()
	return &cp
}
