package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/network"
)

const origin = "https://app.test"

var assets = []string{"/", "/index.html", "/offline.html", "/app.js"}

// fakeOrigin serves the current deploy's assets
type fakeOrigin struct {
	mu      sync.Mutex
	release string
	missing map[string]bool
	down    bool
	calls   int
}

func (o *fakeOrigin) set(release string, missing ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release = release
	o.missing = make(map[string]bool)
	for _, m := range missing {
		o.missing[origin+m] = true
	}
}

func (o *fakeOrigin) Do(ctx context.Context, req *network.Request) (*network.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	if o.missing[req.URL] {
		return &network.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	body := o.release + " " + strings.TrimPrefix(req.URL, origin)
	return &network.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

func newController(t *testing.T, o *fakeOrigin, store kv.Store) (*Controller, *cache.Registry) {
	t.Helper()
	reg := cache.NewRegistry()
	c := New(Options{
		AppID:    "quizapp",
		Origin:   origin,
		Assets:   assets,
		Registry: reg,
		Network:  o,
		KV:       store,
	})
	return c, reg
}

func body(t *testing.T, reg *cache.Registry, storeName, path string) string {
	t.Helper()
	require.True(t, reg.Has(storeName), "store %s missing", storeName)
	e, ok := reg.Open(storeName).Get(cache.KeyFor(http.MethodGet, origin+path))
	require.True(t, ok, "%s not cached in %s", path, storeName)
	return string(e.Body)
}

func TestStoreNames(t *testing.T) {
	assert.Equal(t, "quizapp-static-v1.2.0", StaticStoreName("quizapp", "1.2.0"))
	assert.Equal(t, "quizapp-dynamic-v1.2.0", DynamicStoreName("quizapp", "v1.2.0"))
}

func TestFirstInstallActivatesImmediately(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, reg := newController(t, o, nil)

	gen, err := c.Install(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, StateActivated, gen.State)
	assert.Len(t, gen.Prewarmed, len(assets))

	assert.Equal(t, "quizapp-static-v1", c.StaticStore())
	assert.Equal(t, "quizapp-dynamic-v1", c.DynamicStore())
	assert.Equal(t, "r1 /offline.html", body(t, reg, c.StaticStore(), "/offline.html"))

	// manifest order
	keys := reg.Open(c.StaticStore()).Keys()
	require.Len(t, keys, len(assets))
	assert.Equal(t, cache.KeyFor(http.MethodGet, origin+"/"), keys[0])
	assert.Equal(t, cache.KeyFor(http.MethodGet, origin+"/app.js"), keys[3])

	_, waiting := c.Waiting()
	assert.False(t, waiting)
}

func TestInstallFailureKeepsActiveGeneration(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, reg := newController(t, o, nil)
	ctx := context.Background()

	_, err := c.Install(ctx, "1")
	require.NoError(t, err)

	o.set("r2", "/app.js")
	gen, err := c.Install(ctx, "2")
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, gen.State)
	assert.False(t, reg.Has("quizapp-static-v2"), "a failed install must not leave a store behind")

	active, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "1", active.Version)
	assert.Equal(t, "r1 /app.js", body(t, reg, c.StaticStore(), "/app.js"))
}

func TestInstallFailureWithNothingActive(t *testing.T) {
	o := &fakeOrigin{down: true}
	c, reg := newController(t, o, nil)

	_, err := c.Install(context.Background(), "1")
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Empty(t, c.StaticStore())
	assert.Empty(t, reg.ListStores())
}

func TestGenerationIsolation(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, reg := newController(t, o, nil)
	ctx := context.Background()

	_, err := c.Install(ctx, "1")
	require.NoError(t, err)
	reg.Open(c.DynamicStore()).Put("GET https://app.test/api/me", cache.Entry{Status: 200, Body: []byte("me")})
	reg.Open("otherapp-static-v9")

	o.set("r2")
	gen, err := c.Install(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, gen.State)

	// v1 keeps serving while v2 waits
	assert.Equal(t, "quizapp-static-v1", c.StaticStore())
	assert.Equal(t, "r1 /index.html", body(t, reg, "quizapp-static-v1", "/index.html"))
	assert.Equal(t, "r2 /index.html", body(t, reg, "quizapp-static-v2", "/index.html"))
	waiting, ok := c.Waiting()
	require.True(t, ok)
	assert.Equal(t, "2", waiting.Version)

	require.NoError(t, c.Activate(ctx))

	assert.Equal(t, "quizapp-static-v2", c.StaticStore())
	assert.Equal(t, []string{"otherapp-static-v9", "quizapp-static-v2"}, reg.ListStores())
}

func TestActivateNothingWaiting(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, _ := newController(t, o, nil)
	ctx := context.Background()

	assert.ErrorIs(t, c.Activate(ctx), ErrNothingWaiting)
	assert.NoError(t, c.SkipWaiting(ctx))
}

func TestSkipWaitingPromotes(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, _ := newController(t, o, nil)
	ctx := context.Background()

	_, err := c.Install(ctx, "1")
	require.NoError(t, err)
	_, err = c.Install(ctx, "2")
	require.NoError(t, err)

	require.NoError(t, c.SkipWaiting(ctx))
	active, _ := c.Active()
	assert.Equal(t, "2", active.Version)
}

func TestInstallSameVersionIsNoop(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, _ := newController(t, o, nil)
	ctx := context.Background()

	_, err := c.Install(ctx, "1")
	require.NoError(t, err)
	o.down = true

	gen, err := c.Install(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, StateActivated, gen.State)

	_, err = c.Install(ctx, " ")
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestInstallEquivalentVersionSpellings(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, reg := newController(t, o, nil)
	ctx := context.Background()

	first, err := c.Install(ctx, "1")
	require.NoError(t, err)
	calls, puts := o.calls, reg.Stats().Puts

	for _, v := range []string{"v1", " 1 ", "v1\n"} {
		gen, err := c.Install(ctx, v)
		require.NoError(t, err, "version %q", v)
		assert.Equal(t, first.Version, gen.Version)
		assert.Equal(t, first.StaticStore, gen.StaticStore)
	}
	assert.Equal(t, calls, o.calls, "an equivalent version must not refetch")
	assert.Equal(t, puts, reg.Stats().Puts, "an equivalent version must not rewrite the store")
	_, waiting := c.Waiting()
	assert.False(t, waiting)
}

func TestNormalizeVersion(t *testing.T) {
	tests := map[string]string{
		"1.2.0":    "1.2.0",
		"v1.2.0":   "1.2.0",
		" v1.2.0 ": "1.2.0",
		"":         "",
		"v":        "",
	}
	for in, want := range tests {
		if got := NormalizeVersion(in); got != want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstallBadAssetURLFetchesNothing(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	reg := cache.NewRegistry()
	c := New(Options{
		AppID:    "quizapp",
		Origin:   origin,
		Assets:   []string{"/", "/index.html", "/app.js", "/%zz.css"},
		Registry: reg,
		Network:  o,
	})

	_, err := c.Install(context.Background(), "1")
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Zero(t, o.calls, "no asset may be fetched when the set cannot be resolved")
	assert.False(t, reg.Has("quizapp-static-v1"))
}

func TestOnActivateListeners(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	c, _ := newController(t, o, nil)
	ctx := context.Background()

	var seen []string
	c.OnActivate(func(g Generation) { seen = append(seen, g.Version) })

	_, err := c.Install(ctx, "1")
	require.NoError(t, err)
	_, err = c.Install(ctx, "2")
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx))

	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestCheckForUpdate(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	latest := "1"
	reg := cache.NewRegistry()
	c := New(Options{
		AppID:    "quizapp",
		Origin:   origin,
		Assets:   assets,
		Registry: reg,
		Network:  o,
		Versions: VersionFunc(func(ctx context.Context) (string, error) { return latest, nil }),
	})
	ctx := context.Background()

	gen, installed, err := c.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, StateActivated, gen.State)

	_, installed, err = c.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.False(t, installed, "same version must not reinstall")

	latest = "2"
	gen, installed, err = c.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, StateInstalled, gen.State)

	_, installed, err = c.CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.False(t, installed, "waiting version must not reinstall")
}

func TestCheckForUpdateWithoutSource(t *testing.T) {
	c, _ := newController(t, &fakeOrigin{}, nil)
	_, installed, err := c.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestRestoreActiveGeneration(t *testing.T) {
	o := &fakeOrigin{}
	o.set("r1")
	store := kv.NewMemoryStore()
	blobs, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	reg := cache.NewRegistry(cache.WithBlobStore(blobs))
	c := New(Options{AppID: "quizapp", Origin: origin, Assets: assets, Registry: reg, Network: o, KV: store})
	_, err = c.Install(ctx, "3")
	require.NoError(t, err)

	// a new process over the same persistence
	reg2 := cache.NewRegistry(cache.WithBlobStore(blobs))
	_, err = reg2.Restore()
	require.NoError(t, err)
	c2 := New(Options{AppID: "quizapp", Origin: origin, Assets: assets, Registry: reg2, Network: o, KV: store})

	ok, err := c2.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "quizapp-static-v3", c2.StaticStore())
	assert.Equal(t, "r1 /", body(t, reg2, c2.StaticStore(), "/"))
}

func TestRestoreIgnoresMissingStore(t *testing.T) {
	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), activeKey, []byte(`{"version":"7"}`)))
	c, _ := newController(t, &fakeOrigin{}, store)

	ok, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, c.StaticStore())
}
