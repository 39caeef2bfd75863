// Package worker implements the check pipeline and the pool that runs it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/diff"
	"github.com/JakeFAU/changewatch/internal/metrics"
	"github.com/JakeFAU/changewatch/internal/watch"
)

const (
	defaultIdleInterval = time.Second
	defaultFetchTimeout = 15 * time.Second
	snapshotContentType = "text/plain; charset=utf-8"
)

// Notifications are the global notification defaults used when a watch has
// no destinations of its own.
type Notifications struct {
	URLs   []string
	Title  string
	Body   string
	Format watch.Format
}

// Config controls Worker behavior.
type Config struct {
	IdleInterval   time.Duration
	FetchTimeout   time.Duration
	Headers        map[string]string
	SnapshotPrefix string
	Notifications  Notifications
}

// FetcherSource resolves the fetcher for a strategy id.
type FetcherSource interface {
	Get(id string) (watch.Fetcher, string, error)
}

// Limiter delays a fetch until the target host allows it.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Deps are the collaborators shared by every worker in a pool.
type Deps struct {
	Queue         watch.WorkQueue
	Notifications watch.NotificationQueue
	Registry      watch.Registry
	Snapshots     watch.BlobStore
	Fetchers      FetcherSource
	Diff          *diff.Engine
	Limiter       Limiter
	Clock         watch.Clock
	Ownership     *Ownership
}

// Worker consumes watch IDs and runs one check per item.
type Worker struct {
	index  int
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker. index identifies it in the ownership tracker.
func New(index int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if deps.Diff == nil {
		deps.Diff = diff.New(nil)
	}
	if deps.Ownership == nil {
		deps.Ownership = NewOwnership()
	}
	return &Worker{
		index:  index,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", index)),
		tracer: otel.Tracer("github.com/JakeFAU/changewatch/internal/worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		id, ok := w.deps.Queue.TryDequeue()
		if !ok {
			if !sleep(ctx, w.cfg.IdleInterval) {
				return
			}
			continue
		}
		w.handle(ctx, id)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) handle(ctx context.Context, id string) {
	defer w.deps.Queue.Done(id)

	if !w.deps.Ownership.Claim(w.index, id) {
		w.logger.Warn("watch already owned by another worker", zap.String("watch_id", id))
		metrics.ObserveCheck(metrics.OutcomeSkipped)
		return
	}
	defer w.deps.Ownership.Release(w.index)

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.check", trace.WithAttributes(attribute.String("watch.id", id)))
	defer span.End()

	outcome, err := w.check(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := watch.Classify(err)
		metrics.ObserveCheckError(string(kind))
		outcome = metrics.OutcomeError
		w.logger.Error("watch check failed",
			zap.String("watch_id", id),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	if outcome != "" {
		span.SetAttributes(attribute.String("check.outcome", outcome))
		metrics.ObserveCheck(outcome)
	}
}

// check runs the pipeline for one watch. Every failure after the registry
// read is recorded on the watch and returned as a *watch.CheckError.
func (w *Worker) check(ctx context.Context, id string) (outcome string, err error) {
	wt, err := w.deps.Registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			w.logger.Debug("watch removed before check", zap.String("watch_id", id))
			return "", nil
		}
		return "", watch.NewCheckError(watch.KindUnexpected, id, fmt.Errorf("load watch: %w", err))
	}

	ts := w.now().Unix()
	result := watch.CheckResult{Timestamp: ts}
	defer func() {
		if r := recover(); r != nil {
			err = watch.NewCheckError(watch.KindUnexpected, id, fmt.Errorf("panic: %v", r))
			outcome = ""
		}
		result.Err = err
		w.record(ctx, id, result)
	}()

	started := time.Now()
	resp, fetchErr := w.fetch(ctx, wt)
	result.FetchTime = watch.RoundFetchTime(time.Since(started))
	result.StatusCode = resp.StatusCode
	if fetchErr != nil {
		kind := watch.KindFetch
		if watch.Classify(fetchErr) == watch.KindProxy {
			kind = watch.KindProxy
		}
		return "", watch.NewCheckError(kind, id, fetchErr)
	}

	outcome, err = w.process(ctx, wt, resp.Body, ts)
	if err != nil {
		kind := watch.KindUnexpected
		if watch.Classify(err) == watch.KindPermission {
			kind = watch.KindPermission
		}
		return "", watch.NewCheckError(kind, id, err)
	}
	w.logger.Debug("watch checked",
		zap.String("watch_id", id),
		zap.String("url", wt.URL),
		zap.String("outcome", outcome),
		zap.Float64("fetch_time", result.FetchTime),
	)
	return outcome, nil
}

func (w *Worker) record(ctx context.Context, id string, result watch.CheckResult) {
	if err := w.deps.Registry.RecordCheckResult(ctx, id, result); err != nil && !errors.Is(err, watch.ErrNotFound) {
		w.logger.Error("record check result failed", zap.String("watch_id", id), zap.Error(err))
	}
}

func (w *Worker) fetch(ctx context.Context, wt watch.Watch) (watch.FetchResponse, error) {
	f, strategy, err := w.deps.Fetchers.Get(wt.FetchStrategy)
	if err != nil {
		return watch.FetchResponse{}, fmt.Errorf("resolve fetcher: %w", err)
	}
	if wt.FetchStrategy != "" && strategy != wt.FetchStrategy {
		w.logger.Warn("unknown fetch strategy, using fallback",
			zap.String("watch_id", wt.ID),
			zap.String("requested", wt.FetchStrategy),
			zap.String("strategy", strategy),
		)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchBudget(f, w.cfg.FetchTimeout))
	defer cancel()

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(fetchCtx, wt.URL); err != nil {
			return watch.FetchResponse{}, fmt.Errorf("rate limit %s: %w", wt.URL, err)
		}
	}

	start := time.Now()
	resp, err := f.Fetch(fetchCtx, watch.FetchRequest{
		WatchID: wt.ID,
		URL:     wt.URL,
		Timeout: w.cfg.FetchTimeout,
		Headers: w.headersFor(wt),
	})
	metrics.ObserveFetch(strategy, time.Since(start))
	if err != nil {
		return resp, fmt.Errorf("fetch %s: %w", wt.URL, err)
	}
	return resp, nil
}

// settler is implemented by fetchers that wait for the page to settle after
// loading it.
type settler interface {
	SettleDelay() time.Duration
}

// fetchBudget is the overall deadline for one fetch: the request timeout plus
// any settle delay the fetcher adds on top of it.
func fetchBudget(f watch.Fetcher, timeout time.Duration) time.Duration {
	if s, ok := f.(settler); ok {
		return timeout + s.SettleDelay()
	}
	return timeout
}

// headersFor merges the global request headers with the watch's own; the
// watch wins on conflicts.
func (w *Worker) headersFor(wt watch.Watch) http.Header {
	h := make(http.Header, len(w.cfg.Headers)+len(wt.Headers))
	for k, v := range w.cfg.Headers {
		h.Set(k, v)
	}
	for k, v := range wt.Headers {
		h.Set(k, v)
	}
	return h
}

func (w *Worker) process(ctx context.Context, wt watch.Watch, body []byte, ts int64) (string, error) {
	normalized, err := w.deps.Diff.Normalize(body, diff.RulesFor(wt))
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	fingerprint, err := w.deps.Diff.Fingerprint(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	first := len(wt.History) == 0
	if !first && !diff.Changed(wt.PreviousMD5, fingerprint) {
		return metrics.OutcomeUnchanged, nil
	}

	histTS := historyTimestamp(wt, ts)
	ref, err := w.deps.Snapshots.PutObject(ctx, w.snapshotPath(wt.ID, histTS), snapshotContentType, normalized)
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	if err := w.deps.Registry.AppendHistory(ctx, wt.ID, watch.HistoryEntry{Timestamp: histTS, ContentRef: ref}, fingerprint); err != nil {
		return "", fmt.Errorf("append history: %w", err)
	}
	if first {
		return metrics.OutcomeFirst, nil
	}

	w.logger.Info("change detected", zap.String("watch_id", wt.ID), zap.String("url", wt.URL))
	if err := w.queueNotification(ctx, wt, normalized); err != nil {
		return "", err
	}
	return metrics.OutcomeChanged, nil
}

// historyTimestamp keeps history keys strictly increasing so a recheck within
// the same second never reuses the snapshot of the newest entry.
func historyTimestamp(wt watch.Watch, ts int64) int64 {
	if latest, ok := wt.Latest(); ok && latest.Timestamp >= ts {
		return latest.Timestamp + 1
	}
	return ts
}

// queueNotification resolves destinations (watch first, then global) and
// pushes a job carrying diffs against the previous snapshot.
func (w *Worker) queueNotification(ctx context.Context, wt watch.Watch, current []byte) error {
	job := watch.NotificationJob{
		WatchID:  wt.ID,
		WatchURL: wt.URL,
		URLs:     wt.NotificationURLs,
		Title:    wt.NotificationTitle,
		Body:     wt.NotificationBody,
		Format:   wt.NotificationFormat,
	}
	if len(job.URLs) == 0 {
		global := w.cfg.Notifications
		job.URLs, job.Title, job.Body, job.Format = global.URLs, global.Title, global.Body, global.Format
	}
	if len(job.URLs) == 0 {
		w.logger.Debug("no notification destinations", zap.String("watch_id", wt.ID))
		return nil
	}
	if !job.Format.Valid() {
		job.Format = w.cfg.Notifications.Format
	}
	if !job.Format.Valid() {
		job.Format = watch.FormatText
	}

	prev, _ := wt.Latest()
	previous, err := w.deps.Snapshots.GetObject(ctx, prev.ContentRef)
	if err != nil {
		return fmt.Errorf("load previous snapshot: %w", err)
	}
	job.CurrentSnapshot = string(current)
	job.Diff, job.DiffFull = w.deps.Diff.Render(previous, current, job.Format.LineSeparator())
	job.URLs = append([]string(nil), job.URLs...)
	w.deps.Notifications.Push(job)
	w.logger.Debug("notification queued", zap.String("watch_id", wt.ID), zap.Int("destinations", len(job.URLs)))
	return nil
}

func (w *Worker) snapshotPath(id string, ts int64) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%d.txt", id, ts)
	}
	return fmt.Sprintf("%s/%s/%d.txt", prefix, id, ts)
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now()
	}
	return w.deps.Clock.Now()
}
