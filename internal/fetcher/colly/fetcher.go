// Package collyfetcher implements the plain HTTP fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/proxy"
	"github.com/JakeFAU/changewatch/internal/watch"
)

// Description is shown when listing available fetch strategies.
const Description = "Basic fast Plaintext/HTTP Client (Can use proxy)"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Proxies is optional; an inactive pool means direct connections.
	Proxies *proxy.Pool
}

// Fetcher implements watch.Fetcher using the Colly collector.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

var _ watch.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Fetcher{
		cfg:        cfg,
		logger:     logger.Named("colly_fetcher"),
		transports: make(map[string]*http.Transport),
	}
}

// IsReady always succeeds; plain HTTP needs no external service.
func (f *Fetcher) IsReady(context.Context) error {
	return nil
}

// Fetch retrieves request.URL, going through each usable proxy in order when
// proxying is active.
func (f *Fetcher) Fetch(ctx context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	if !f.cfg.Proxies.Active() {
		resp, err := f.fetchVia(ctx, request, "")
		if err != nil {
			return watch.FetchResponse{}, watch.NewCheckError(watch.KindFetch, request.WatchID, err)
		}
		return checkBody(request.WatchID, resp)
	}

	candidates := f.cfg.Proxies.Candidates()
	if len(candidates) == 0 {
		return watch.FetchResponse{}, watch.NewCheckError(watch.KindProxy, request.WatchID,
			errors.New("no usable proxies remain"))
	}
	var lastErr error
	for _, addr := range candidates {
		resp, err := f.fetchVia(ctx, request, addr)
		if err == nil {
			f.cfg.Proxies.MarkSuccess(addr)
			f.logger.Debug("fetched through proxy", zap.String("proxy", addr), zap.String("url", request.URL))
			return checkBody(request.WatchID, resp)
		}
		if ctx.Err() != nil {
			return watch.FetchResponse{}, watch.NewCheckError(watch.KindFetch, request.WatchID, err)
		}
		lastErr = err
		f.cfg.Proxies.MarkFailure(addr)
		f.logger.Info("proxy attempt failed",
			zap.String("proxy", addr),
			zap.String("url", request.URL),
			zap.Error(err),
		)
	}
	return watch.FetchResponse{}, watch.NewCheckError(watch.KindProxy, request.WatchID,
		fmt.Errorf("all %d proxies failed: %w", len(candidates), lastErr))
}

func checkBody(watchID string, resp watch.FetchResponse) (watch.FetchResponse, error) {
	if len(resp.Body) == 0 {
		return watch.FetchResponse{}, watch.NewCheckError(watch.KindEmptyReply, watchID,
			fmt.Errorf("%w: status %d", watch.ErrEmptyReply, resp.StatusCode))
	}
	return resp, nil
}

func (f *Fetcher) fetchVia(ctx context.Context, request watch.FetchRequest, proxyAddr string) (watch.FetchResponse, error) {
	transport, err := f.transportFor(proxyAddr)
	if err != nil {
		return watch.FetchResponse{}, err
	}
	var (
		result   watch.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, transport, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return watch.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request watch.FetchRequest,
	transport http.RoundTripper,
	start time.Time,
	result *watch.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	// A fresh collector per fetch: clones share the backend, so setting a
	// per-proxy transport on a clone would leak across workers.
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request watch.FetchRequest,
	start time.Time,
	result *watch.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = watch.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) transportFor(proxyAddr string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[proxyAddr]; ok {
		return t, nil
	}
	t := newHTTPTransport()
	if proxyAddr != "" {
		u, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxyAddr, err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	f.transports[proxyAddr] = t
	return t, nil
}

func copyHeaders(request watch.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// Certificate verification is off for every fetch, including self-signed
// and expired certificates.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
