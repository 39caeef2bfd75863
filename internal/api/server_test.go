package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/clock/system"
	"github.com/JakeFAU/changewatch/internal/fetcher"
	"github.com/JakeFAU/changewatch/internal/fetcher/headless"
	"github.com/JakeFAU/changewatch/internal/proxy"
	queueMemory "github.com/JakeFAU/changewatch/internal/queue/memory"
	storageMemory "github.com/JakeFAU/changewatch/internal/storage/memory"
	"github.com/JakeFAU/changewatch/internal/watch"
	"github.com/JakeFAU/changewatch/internal/worker"
)

type apiHarness struct {
	server    *Server
	store     *storageMemory.WatchStore
	queue     *queueMemory.WorkQueue
	notify    *queueMemory.NotificationQueue
	snapshots *storageMemory.BlobStore
	owners    *worker.Ownership
	proxies   *proxy.Pool
	ready     error
}

func newAPIHarness(t *testing.T, cfg Config) *apiHarness {
	t.Helper()
	pool := proxy.New(proxy.Config{
		Enabled: true,
		Proxies: []string{"http://p1:8080", "http://p2:8080"},
	}, zap.NewNop())
	h := &apiHarness{
		store:     storageMemory.NewWatchStore(),
		queue:     queueMemory.NewWorkQueue(),
		notify:    queueMemory.NewNotificationQueue(),
		snapshots: storageMemory.NewBlobStore(),
		owners:    worker.NewOwnership(),
		proxies:   pool,
	}
	fetchers := fetcher.NewRegistry(watch.StrategyRequests)
	fetchers.RegisterInstance(watch.StrategyRequests, "Basic fast plaintext/HTTP client", headless.NewNoop())
	fetchers.RegisterInstance(watch.StrategyWebdriver, "Remote browser", headless.NewNoop())

	h.server = NewServer(Deps{
		Store:         h.store,
		Queue:         h.queue,
		Notifications: h.notify,
		InFlight:      h.owners,
		Snapshots:     h.snapshots,
		Fetchers:      fetchers,
		IDs:           &fakeIDGen{},
		Clock:         system.NewManual(time.Unix(1_700_000_000, 0)),
		URLChecker:    schemeChecker{"json": true, "discord": true},
		Proxies:       h.proxies,
		Ready:         func(context.Context) error { return h.ready },
	}, cfg, zap.NewNop())
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) seed(t *testing.T, w watch.Watch) watch.Watch {
	t.Helper()
	added, err := h.store.Add(context.Background(), w)
	require.NoError(t, err)
	return added
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_CreateWatchQueuesFirstCheck(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/v1/watches", map[string]any{
		"url":               "https://example.com/page",
		"tag":               "news",
		"notification_urls": []string{"json://hooks.example.com/x"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	require.Equal(t, "watch-1", resp["uuid"])
	require.Equal(t, true, resp["queued"])

	stored, err := h.store.Get(context.Background(), "watch-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/page", stored.URL)
	require.Equal(t, watch.StrategyRequests, stored.FetchStrategy)
	require.Equal(t, int64(1_700_000_000), stored.DateCreated)
	require.Zero(t, stored.LastChecked)
	require.True(t, h.queue.Contains("watch-1"))
}

func TestServer_CreateWatchValidation(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})

	cases := map[string]any{
		"invalid json":     "{",
		"missing url":      map[string]any{"tag": "x"},
		"non http url":     map[string]any{"url": "ftp://example.com"},
		"bad minutes":      map[string]any{"url": "https://example.com", "minutes_between_check": 0},
		"bad format":       map[string]any{"url": "https://example.com", "notification_format": "PDF"},
		"unknown strategy": map[string]any{"url": "https://example.com", "fetch_backend": "carrier_pigeon"},
		"unknown scheme":   map[string]any{"url": "https://example.com", "notification_urls": []string{"mailto://a@b"}},
		"unknown field":    map[string]any{"url": "https://example.com", "colour": "blue"},
		"bad css filter":   map[string]any{"url": "https://example.com", "css_filter": "[["},
		"bad ignore regex": map[string]any{"url": "https://example.com", "ignore_text": []string{"/(/"}},
	}
	for name, body := range cases {
		rec := h.do(t, http.MethodPost, "/v1/watches", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	list, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestServer_GetListAndUpdate(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example", Tag: "one", DateCreated: 1})
	h.seed(t, watch.Watch{ID: "b", URL: "https://b.example", Tag: "two", DateCreated: 2})

	rec := h.do(t, http.MethodGet, "/v1/watches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[map[string][]watch.Watch](t, rec)
	require.Len(t, all["watches"], 2)

	rec = h.do(t, http.MethodGet, "/v1/watches?tag=two", nil)
	tagged := decode[map[string][]watch.Watch](t, rec)
	require.Len(t, tagged["watches"], 1)
	require.Equal(t, "b", tagged["watches"][0].ID)

	rec = h.do(t, http.MethodGet, "/v1/watches/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://a.example", decode[watch.Watch](t, rec).URL)

	rec = h.do(t, http.MethodPut, "/v1/watches/a", map[string]any{"url": "https://a2.example", "css_filter": "#main"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[watch.Watch](t, rec)
	require.Equal(t, "https://a2.example", updated.URL)
	require.Equal(t, "#main", updated.CSSFilter)
	require.Equal(t, int64(1), updated.DateCreated)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/watches/missing", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPut, "/v1/watches/missing", map[string]any{"url": "https://x.example"}).Code)
}

func TestServer_UpdateRejectsBadRules(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example", CSSFilter: "#main"})

	rec := h.do(t, http.MethodPut, "/v1/watches/a", map[string]any{"url": "https://a.example", "css_filter": "[["})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "css filter")

	stored, err := h.store.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "#main", stored.CSSFilter)
}

func TestServer_GetReportsChecking(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example"})

	rec := h.do(t, http.MethodGet, "/v1/watches/a", nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["checking"])

	require.True(t, h.owners.Claim(0, "a"))
	rec = h.do(t, http.MethodGet, "/v1/watches/a", nil)
	got := decode[map[string]any](t, rec)
	require.Equal(t, true, got["checking"])
	require.Equal(t, "https://a.example", got["url"])

	h.owners.Release(0)
	rec = h.do(t, http.MethodGet, "/v1/watches/a", nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["checking"])
}

func TestServer_ProxiesListAndReset(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	for range proxy.DemoteThreshold + 1 {
		h.proxies.MarkFailure("http://p1:8080")
	}
	require.Equal(t, []string{"http://p2:8080"}, h.proxies.Candidates())

	rec := h.do(t, http.MethodGet, "/v1/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]proxy.Record](t, rec)["proxies"]
	require.Len(t, listed, 2)
	require.Equal(t, "http://p1:8080", listed[0].Address)
	require.True(t, listed[0].Bad)
	require.Equal(t, proxy.DemoteThreshold+1, listed[0].Failures)
	require.False(t, listed[1].Bad)

	rec = h.do(t, http.MethodPost, "/v1/proxies/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, r := range decode[map[string][]proxy.Record](t, rec)["proxies"] {
		require.False(t, r.Bad, r.Address)
		require.Zero(t, r.Failures, r.Address)
	}
	require.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, h.proxies.Candidates())
}

func TestServer_DeleteRemovesSnapshots(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example"})
	ref, err := h.snapshots.PutObject(ctx, "snapshots/a/100.txt", "text/plain", []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.store.AppendHistory(ctx, "a", watch.HistoryEntry{Timestamp: 100, ContentRef: ref}, "fp"))

	rec := h.do(t, http.MethodDelete, "/v1/watches/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, h.snapshots.Len())
	exists, err := h.store.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, exists)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/watches/a", nil).Code)
}

func TestServer_CheckNowSkipsInFlight(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example"})
	h.seed(t, watch.Watch{ID: "b", URL: "https://b.example"})

	rec := h.do(t, http.MethodPost, "/v1/watches/a/checknow", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decode[map[string]any](t, rec)["queued"])

	// Already queued.
	rec = h.do(t, http.MethodPost, "/v1/watches/a/checknow", nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["queued"])

	// Owned by a worker.
	require.True(t, h.owners.Claim(0, "b"))
	rec = h.do(t, http.MethodPost, "/v1/watches/b/checknow", nil)
	require.Equal(t, false, decode[map[string]any](t, rec)["queued"])
	require.Equal(t, 1, h.queue.Len())

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/watches/zzz/checknow", nil).Code)
}

func TestServer_CheckAllByTag(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example", Tag: "news"})
	h.seed(t, watch.Watch{ID: "b", URL: "https://b.example", Tag: "news", Paused: true})
	h.seed(t, watch.Watch{ID: "c", URL: "https://c.example", Tag: "shop"})

	rec := h.do(t, http.MethodPost, "/v1/checknow?tag=news", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, decode[map[string]int](t, rec)["queued"])
	require.True(t, h.queue.Contains("a"))

	rec = h.do(t, http.MethodPost, "/v1/checknow", nil)
	require.Equal(t, 1, decode[map[string]int](t, rec)["queued"], "a is already queued, b is paused")
	require.True(t, h.queue.Contains("c"))
	require.False(t, h.queue.Contains("b"))
}

func TestServer_CloneAndPause(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example", Tag: "t"})
	require.NoError(t, h.store.AppendHistory(ctx, "a", watch.HistoryEntry{Timestamp: 5, ContentRef: "mem://x"}, "fp"))

	rec := h.do(t, http.MethodPost, "/v1/watches/a/clone", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	cloneID := resp["uuid"].(string)
	require.Equal(t, "watch-1", cloneID)

	clone, err := h.store.Get(ctx, cloneID)
	require.NoError(t, err)
	require.Equal(t, "https://a.example", clone.URL)
	require.Empty(t, clone.History)
	require.True(t, h.queue.Contains(cloneID))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/watches/a/pause", nil).Code)
	paused, err := h.store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, paused.Paused)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/watches/a/unpause", nil).Code)
	paused, err = h.store.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, paused.Paused)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/watches/nope/pause", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/watches/nope/clone", nil).Code)
}

func TestServer_TestNotification(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{NotificationURLs: []string{"json://global.example/hook"}})
	ctx := context.Background()
	h.seed(t, watch.Watch{ID: "own", URL: "https://a.example", NotificationURLs: []string{"discord://1/tok"}, NotificationFormat: watch.FormatHTML})
	h.seed(t, watch.Watch{ID: "global", URL: "https://b.example"})
	ref, err := h.snapshots.PutObject(ctx, "snapshots/global/1.txt", "text/plain", []byte("snapshot text"))
	require.NoError(t, err)
	require.NoError(t, h.store.AppendHistory(ctx, "global", watch.HistoryEntry{Timestamp: 1, ContentRef: ref}, "fp"))

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/watches/own/test-notification", nil).Code)
	job, ok := h.notify.TryPop()
	require.True(t, ok)
	require.Equal(t, []string{"discord://1/tok"}, job.URLs)
	require.Equal(t, watch.FormatHTML, job.Format)
	require.Equal(t, testNotificationTitle, job.Title)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/watches/global/test-notification", nil).Code)
	job, ok = h.notify.TryPop()
	require.True(t, ok)
	require.Equal(t, []string{"json://global.example/hook"}, job.URLs)
	require.Equal(t, watch.FormatText, job.Format)
	require.Equal(t, "snapshot text", job.CurrentSnapshot)
}

func TestServer_TestNotificationWithoutDestinations(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})
	h.seed(t, watch.Watch{ID: "a", URL: "https://a.example"})

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/watches/a/test-notification", nil).Code)
	_, ok := h.notify.TryPop()
	require.False(t, ok)
}

func TestServer_FetchersAndProbes(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})

	rec := h.do(t, http.MethodGet, "/v1/fetchers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]fetcher.Strategy](t, rec)["fetchers"]
	require.Len(t, list, 2)
	require.Equal(t, watch.StrategyRequests, list[0].ID)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", nil).Code)
	h.ready = errors.New("browser unreachable")
	rec = h.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "browser unreachable")

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{AuthEnabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/v1/watches", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/watches?api_key=secret", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/fetchers", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// --- fakes ---

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("watch-%d", g.n), nil
}

type schemeChecker map[string]bool

func (c schemeChecker) CheckURL(raw string) error {
	for scheme := range c {
		if len(raw) > len(scheme)+3 && raw[:len(scheme)+3] == scheme+"://" {
			return nil
		}
	}
	return fmt.Errorf("unsupported destination %q", raw)
}
