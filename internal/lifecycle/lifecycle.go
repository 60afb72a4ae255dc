// Package lifecycle manages cache generations across deployments: install
// pre-warms a new static store, activate promotes it and removes the stores
// of every other generation.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/network"
)

// State of a generation
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

const activeKey = "lifecycle:active"

var (
	ErrInstallFailed  = errors.New("install failed")
	ErrNothingWaiting = errors.New("no installed generation is waiting")
	ErrNoVersion      = errors.New("version is required")
)

// Generation is one deployed version of the asset set
type Generation struct {
	Version      string    `json:"version"`
	StaticStore  string    `json:"static_store"`
	DynamicStore string    `json:"dynamic_store"`
	Prewarmed    []string  `json:"prewarmed,omitempty"`
	State        State     `json:"state"`
	InstalledAt  time.Time `json:"installed_at,omitempty"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
}

// VersionSource reports the latest deployed version
type VersionSource interface {
	LatestVersion(ctx context.Context) (string, error)
}

// VersionFunc adapts a function to VersionSource
type VersionFunc func(ctx context.Context) (string, error)

// LatestVersion implements VersionSource
func (f VersionFunc) LatestVersion(ctx context.Context) (string, error) {
	return f(ctx)
}

// Options holds the collaborators of a Controller
type Options struct {
	AppID       string
	Origin      string   // base URL precache assets are resolved against
	Assets      []string // precache list, in order
	Registry    *cache.Registry
	Network     network.Client
	KV          kv.Store      // optional; remembers the active version
	Versions    VersionSource // optional; used by CheckForUpdate
	Concurrency int           // parallel precache fetches, default 4
	Logger      zerolog.Logger
}

// Controller owns generations. It is the only component that deletes stores.
type Controller struct {
	opts Options
	log  zerolog.Logger

	// serializes install/activate transitions
	transition sync.Mutex

	mu        sync.RWMutex
	active    *Generation
	waiting   *Generation
	listeners []func(Generation)
}

// New creates a Controller
func New(opts Options) *Controller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Controller{opts: opts, log: opts.Logger}
}

// NormalizeVersion trims whitespace and a leading "v", so "v1" and "1" name
// the same generation
func NormalizeVersion(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}

// StaticStoreName returns the static store name for version
func StaticStoreName(appID, version string) string {
	return fmt.Sprintf("%s-static-v%s", appID, NormalizeVersion(version))
}

// DynamicStoreName returns the dynamic store name for version
func DynamicStoreName(appID, version string) string {
	return fmt.Sprintf("%s-dynamic-v%s", appID, NormalizeVersion(version))
}

// StaticStore implements strategy.Generations
func (c *Controller) StaticStore() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.StaticStore
}

// DynamicStore implements strategy.Generations
func (c *Controller) DynamicStore() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.DynamicStore
}

// Active returns a copy of the active generation
func (c *Controller) Active() (Generation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return Generation{}, false
	}
	return *c.active, true
}

// Waiting returns a copy of the installed generation waiting to activate
func (c *Controller) Waiting() (Generation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.waiting == nil {
		return Generation{}, false
	}
	return *c.waiting, true
}

// OnActivate registers fn to run after every activation
func (c *Controller) OnActivate(fn func(Generation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Restore re-activates the generation remembered in the key-value store if
// its static store still exists.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.opts.KV == nil {
		return false, nil
	}

	raw, ok, err := c.opts.KV.Get(ctx, activeKey)
	if err != nil {
		return false, fmt.Errorf("load active generation: %w", err)
	}
	if !ok {
		return false, nil
	}

	var gen Generation
	if err := json.Unmarshal(raw, &gen); err != nil || gen.Version == "" {
		c.log.Warn().Err(err).Msg("lifecycle: unreadable active generation, ignoring")
		return false, nil
	}
	gen.Version = NormalizeVersion(gen.Version)
	gen.StaticStore = StaticStoreName(c.opts.AppID, gen.Version)
	gen.DynamicStore = DynamicStoreName(c.opts.AppID, gen.Version)
	if !c.opts.Registry.Has(gen.StaticStore) {
		c.log.Warn().Str("version", gen.Version).Msg("lifecycle: static store of remembered generation is gone")
		return false, nil
	}
	gen.State = StateActivated

	c.mu.Lock()
	c.active = &gen
	c.mu.Unlock()

	c.log.Info().Str("version", gen.Version).Msg("lifecycle: restored active generation")
	return true, nil
}

// Install pre-warms a new generation. On failure nothing is promoted and the
// active generation keeps serving. When no generation is active the new one
// is activated right away.
func (c *Controller) Install(ctx context.Context, version string) (Generation, error) {
	version = NormalizeVersion(version)
	if version == "" {
		return Generation{}, ErrNoVersion
	}

	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	if c.active != nil && c.active.Version == version {
		gen := *c.active
		c.mu.RUnlock()
		return gen, nil
	}
	if c.waiting != nil && c.waiting.Version == version {
		gen := *c.waiting
		c.mu.RUnlock()
		return gen, nil
	}
	c.mu.RUnlock()

	gen := &Generation{
		Version:      version,
		StaticStore:  StaticStoreName(c.opts.AppID, version),
		DynamicStore: DynamicStoreName(c.opts.AppID, version),
		State:        StateInstalling,
	}
	c.log.Info().Str("version", version).Int("assets", len(c.opts.Assets)).Msg("lifecycle: installing")

	keys, entries, err := c.prewarm(ctx)
	if err != nil {
		gen.State = StateRedundant
		// a leftover store from an earlier attempt at this version
		c.opts.Registry.DeleteStore(gen.StaticStore)
		c.log.Error().Err(err).Str("version", version).Msg("lifecycle: install aborted")
		return *gen, fmt.Errorf("%w: %s: %w", ErrInstallFailed, version, err)
	}

	store := c.opts.Registry.Open(gen.StaticStore)
	for i, key := range keys {
		store.Put(key, entries[i])
	}
	gen.Prewarmed = keys
	gen.State = StateInstalled
	gen.InstalledAt = time.Now().UTC()

	c.mu.Lock()
	c.waiting = gen
	noActive := c.active == nil
	c.mu.Unlock()

	c.log.Info().Str("version", version).Msg("lifecycle: installed")

	if noActive {
		if err := c.activateLocked(ctx); err != nil {
			return *gen, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return *c.active, nil
	}
	return *gen, nil
}

// Activate promotes the waiting generation and deletes every stale store
func (c *Controller) Activate(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()
	return c.activateLocked(ctx)
}

// SkipWaiting promotes a waiting generation immediately. With nothing
// waiting it does nothing.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	err := c.Activate(ctx)
	if errors.Is(err, ErrNothingWaiting) {
		c.log.Debug().Msg("lifecycle: skip waiting with no waiting generation")
		return nil
	}
	return err
}

// CheckForUpdate installs the latest version when it differs from both the
// active and the waiting generation. It reports whether an install happened.
func (c *Controller) CheckForUpdate(ctx context.Context) (Generation, bool, error) {
	if c.opts.Versions == nil {
		return Generation{}, false, nil
	}

	latest, err := c.opts.Versions.LatestVersion(ctx)
	if err != nil {
		return Generation{}, false, fmt.Errorf("check for update: %w", err)
	}
	latest = NormalizeVersion(latest)
	if latest == "" {
		return Generation{}, false, nil
	}

	c.mu.RLock()
	current := c.active != nil && c.active.Version == latest
	pending := c.waiting != nil && c.waiting.Version == latest
	c.mu.RUnlock()
	if current || pending {
		return Generation{}, false, nil
	}

	gen, err := c.Install(ctx, latest)
	if err != nil {
		return gen, false, err
	}
	return gen, true, nil
}

func (c *Controller) activateLocked(ctx context.Context) error {
	c.mu.Lock()
	gen := c.waiting
	if gen == nil {
		c.mu.Unlock()
		return ErrNothingWaiting
	}
	// Claim first so requests never see a generation without stores
	c.opts.Registry.Revive(gen.DynamicStore)
	gen.State = StateActivating
	c.active = gen
	c.waiting = nil
	c.mu.Unlock()

	var deleted []string
	for _, name := range c.opts.Registry.ListStores() {
		if c.stale(name, gen) {
			c.opts.Registry.DeleteStore(name)
			deleted = append(deleted, name)
		}
	}

	c.mu.Lock()
	gen.State = StateActivated
	gen.ActivatedAt = time.Now().UTC()
	snapshot := *gen
	listeners := append([]func(Generation){}, c.listeners...)
	c.mu.Unlock()

	if c.opts.KV != nil {
		raw, _ := json.Marshal(Generation{Version: snapshot.Version, ActivatedAt: snapshot.ActivatedAt})
		if err := c.opts.KV.Set(ctx, activeKey, raw); err != nil {
			c.log.Warn().Err(err).Msg("lifecycle: remember active generation")
		}
	}

	c.log.Info().
		Str("version", snapshot.Version).
		Strs("deleted", deleted).
		Msg("lifecycle: activated")

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// stale reports whether name belongs to this app but not to gen
func (c *Controller) stale(name string, gen *Generation) bool {
	if !strings.HasPrefix(name, c.opts.AppID+"-") {
		return false
	}
	return name != gen.StaticStore && name != gen.DynamicStore
}

// prewarm fetches every asset; any failure fails the whole set. Asset URLs
// are resolved before any fetch starts.
func (c *Controller) prewarm(ctx context.Context) ([]string, []cache.Entry, error) {
	urls := make([]string, len(c.opts.Assets))
	keys := make([]string, len(c.opts.Assets))
	for i, asset := range c.opts.Assets {
		assetURL, err := resolve(c.opts.Origin, asset)
		if err != nil {
			return nil, nil, fmt.Errorf("precache %s: %w", asset, err)
		}
		urls[i] = assetURL
		keys[i] = cache.KeyFor(http.MethodGet, assetURL)
	}

	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for i, assetURL := range urls {
		asset := c.opts.Assets[i]
		g.Go(func() error {
			resp, err := c.opts.Network.Do(gctx, &network.Request{Method: http.MethodGet, URL: assetURL})
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: status %d", asset, resp.Status)
			}
			entries[i] = cache.Entry{Status: resp.Status, Header: resp.Header.Clone(), Body: resp.Body}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return keys, entries, nil
}

func resolve(origin, asset string) (string, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
