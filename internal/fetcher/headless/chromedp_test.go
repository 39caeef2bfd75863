package headless

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/watch"
)

func TestNewRemote_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRemote(Config{}, nil)
	require.Error(t, err)

	_, err = NewRemote(Config{BrowserURL: "ws://localhost:9222", MaxParallel: -1}, nil)
	require.Error(t, err)

	f, err := NewRemote(Config{BrowserURL: "ws://localhost:9222", MaxParallel: 2}, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 2, cap(f.limiter))
}

func TestFetcher_Defaults(t *testing.T) {
	t.Parallel()

	f := &Fetcher{}
	require.Equal(t, 45*time.Second, f.navTimeout())
	require.Equal(t, 5*time.Second, f.SettleDelay())

	f.cfg.NavigationTimeout = time.Second
	f.cfg.SettleDelay = 10 * time.Millisecond
	require.Equal(t, time.Second, f.navTimeout())
	require.Equal(t, 10*time.Millisecond, f.SettleDelay())
}

func TestFetcher_UnreachableBrowser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	f, err := NewRemote(Config{BrowserURL: wsURL, ReadyTimeout: 2 * time.Second, NavigationTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	defer f.Close()

	require.Error(t, f.IsReady(context.Background()))

	_, err = f.Fetch(context.Background(), watch.FetchRequest{WatchID: "w1", URL: "https://example.com"})
	require.Error(t, err)
	require.Equal(t, watch.KindFetch, watch.Classify(err))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-None": {}})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-None")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://example.com/iframe"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestNoop(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	_, err := fetcher.Fetch(context.Background(), watch.FetchRequest{WatchID: "w1"})
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, fetcher.IsReady(context.Background()), ErrNotConfigured)
}
