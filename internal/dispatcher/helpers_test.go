package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"emlocator/internal/cachestore"
	"emlocator/internal/config"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://app.test"

var errNetworkDown = errors.New("network down")

type route struct {
	status      int
	contentType string
	body        string
}

// fakeNetwork answers from a fixed route table and records every request.
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]route
	calls   []string
	offline bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]route{
		testOrigin + "/":                     {http.StatusOK, "text/html", "<html>shell</html>"},
		testOrigin + "/static/css/style.css": {http.StatusOK, "text/css", "body{}"},
		testOrigin + "/static/js/map.js":     {http.StatusOK, "application/javascript", "map()"},
		testOrigin + "/api/services":         {http.StatusOK, "application/json", `[{"id":1}]`},
		testOrigin + "/static/missing.png":   {http.StatusNotFound, "text/plain", "not found"},
		"https://cdn.test/leaflet.css":       {http.StatusOK, "text/css", ".leaflet{}"},
		"https://cdn.test/broken.css":        {http.StatusInternalServerError, "text/plain", "boom"},
	}}
}

func (f *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	if f.offline {
		return nil, errNetworkDown
	}
	rt, ok := f.routes[req.URL.String()]
	if !ok {
		rt = route{http.StatusNotFound, "text/plain", "no route"}
	}
	h := http.Header{}
	h.Set("Content-Type", rt.contentType)
	h.Set("Content-Length", strconv.Itoa(len(rt.body)))
	return &http.Response{
		StatusCode:    rt.status,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(rt.body)),
		ContentLength: int64(len(rt.body)),
		Request:       req,
	}, nil
}

func (f *fakeNetwork) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeNetwork) setRoute(url string, rt route) {
	f.mu.Lock()
	f.routes[url] = rt
	f.mu.Unlock()
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

// brokenStorage injects failures into an otherwise working backend.
type brokenStorage struct {
	cachestore.Storage
	openErr  error
	namesErr error
}

func (b brokenStorage) Open(ctx context.Context, name string) (cachestore.Store, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.Storage.Open(ctx, name)
}

func (b brokenStorage) Names(ctx context.Context) ([]string, error) {
	if b.namesErr != nil {
		return nil, b.namesErr
	}
	return b.Storage.Names(ctx)
}

func testConfig(t *testing.T, mutate func(*config.Config)) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Origin = testOrigin
	cfg.Dispatcher.Manifest = []string{
		"/",
		"/static/css/style.css",
		"https://cdn.test/leaflet.css",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Finalize())
	return cfg
}

func newTestDispatcher(t *testing.T, cfg config.Config, storage cachestore.Storage, net *fakeNetwork) *Dispatcher {
	t.Helper()
	d, err := New(cfg, Deps{Storage: storage, Network: net})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

// started returns an activated dispatcher over a fresh memory backend.
func started(t *testing.T) (*Dispatcher, *cachestore.Memory, *fakeNetwork) {
	t.Helper()
	mem := cachestore.NewMemory(0)
	net := newFakeNetwork()
	d := newTestDispatcher(t, testConfig(t, nil), mem, net)
	require.NoError(t, d.Start(context.Background()))
	return d, mem, net
}

func do(t *testing.T, d *Dispatcher, method, url string, header map[string]string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return d.RoundTrip(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func storeKeys(t *testing.T, s cachestore.Storage, name string) []string {
	t.Helper()
	ok, err := s.Has(context.Background(), name)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	store, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
