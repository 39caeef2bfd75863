package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/proxy"
	"github.com/JakeFAU/changewatch/internal/watch"
)

func TestFetcher_FetchDirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "<p>%s|%s</p>", r.Header.Get("X-Trace"), r.UserAgent())
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "changewatch-test", Timeout: time.Second}, zap.NewNop())
	resp, err := f.Fetch(context.Background(), watch.FetchRequest{
		WatchID: "w1",
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<p>yes|changewatch-test</p>", string(resp.Body))
	require.NoError(t, f.IsReady(context.Background()))
}

func TestFetcher_EmptyBodyIsEmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), watch.FetchRequest{WatchID: "w1", URL: srv.URL})
	require.ErrorIs(t, err, watch.ErrEmptyReply)
	require.Equal(t, watch.KindEmptyReply, watch.Classify(err))
}

func TestFetcher_ErrorStatusWithBodyIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	resp, err := f.Fetch(context.Background(), watch.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "gone", string(resp.Body))
}

func TestFetcher_ConnectionErrorIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), watch.FetchRequest{WatchID: "w1", URL: addr})
	require.Error(t, err)
	require.Equal(t, watch.KindFetch, watch.Classify(err))
}

func TestFetcher_ProxyFailoverAndDemotion(t *testing.T) {
	t.Parallel()

	var badHits, goodHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badHits.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		_, _ = w.Write([]byte("via proxy " + r.URL.Host))
	}))
	defer good.Close()

	pool := proxy.New(proxy.Config{Enabled: true, Proxies: []string{bad.URL, good.URL}}, zap.NewNop())
	f := New(Config{Timeout: time.Second, Proxies: pool}, zap.NewNop())
	req := watch.FetchRequest{WatchID: "w1", URL: "http://monitored.example/page"}

	for attempt := 1; attempt <= 7; attempt++ {
		resp, err := f.Fetch(context.Background(), req)
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, "via proxy monitored.example", string(resp.Body))
	}
	require.Equal(t, int32(6), badHits.Load(), "seventh attempt skips the demoted proxy")
	require.Equal(t, int32(7), goodHits.Load())

	records := pool.Records()
	require.True(t, records[0].Bad)
	require.False(t, records[1].Bad, "a working proxy is never demoted")
}

func TestFetcher_AllProxiesFail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()

	pool := proxy.New(proxy.Config{Enabled: true, Proxies: []string{dead}}, nil)
	f := New(Config{Timeout: time.Second, Proxies: pool}, nil)
	_, err := f.Fetch(context.Background(), watch.FetchRequest{WatchID: "w1", URL: "http://monitored.example"})
	require.Error(t, err)
	require.Equal(t, watch.KindProxy, watch.Classify(err))
	require.Equal(t, 1, pool.Records()[0].Failures)

	pool = proxy.New(proxy.Config{Enabled: true, Proxies: []string{dead}}, nil)
	for i := 0; i < 6; i++ {
		pool.MarkFailure(dead)
	}
	f = New(Config{Timeout: time.Second, Proxies: pool}, nil)
	_, err = f.Fetch(context.Background(), watch.FetchRequest{URL: "http://monitored.example"})
	require.Equal(t, watch.KindProxy, watch.Classify(err))
}

func TestFetcher_ContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(ctx, watch.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := watch.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result watch.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// --- fakes ---

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
