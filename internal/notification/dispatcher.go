package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/metrics"
	"github.com/JakeFAU/changewatch/internal/watch"
)

// ErrInvalidDestination marks destination URLs that can never succeed, so
// they are not retried.
var ErrInvalidDestination = errors.New("invalid notification destination")

// Sender delivers one message to one destination.
type Sender interface {
	Send(ctx context.Context, dest *url.URL, msg Message) error
}

// Config controls Dispatcher behavior.
type Config struct {
	IdleInterval time.Duration
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
	// MaxAttempts per destination; 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Result is the delivery outcome for one destination.
type Result struct {
	URL string
	Err error
}

// Dispatcher is the single consumer of the notification queue.
type Dispatcher struct {
	queue  watch.NotificationQueue
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewDispatcher constructs a Dispatcher with no senders registered.
func NewDispatcher(queue watch.NotificationQueue, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{
		queue:   queue,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/changewatch/internal/notification"),
		senders: make(map[string]Sender),
	}
}

// Register binds sender to each scheme.
func (d *Dispatcher) Register(sender Sender, schemes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range schemes {
		d.senders[strings.ToLower(s)] = sender
	}
}

// Schemes lists the registered URL schemes.
func (d *Dispatcher) Schemes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.senders))
	for s := range d.senders {
		out = append(out, s)
	}
	return out
}

// Run pops jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("notification dispatcher starting")
	for ctx.Err() == nil {
		job, ok := d.queue.TryPop()
		if !ok {
			t := time.NewTimer(d.cfg.IdleInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				d.logger.Info("notification dispatcher stopped")
				return
			case <-t.C:
			}
			continue
		}
		d.Deliver(ctx, job)
	}
	d.logger.Info("notification dispatcher stopped")
}

// Deliver sends job to every destination independently. A failing
// destination never prevents delivery to the others.
func (d *Dispatcher) Deliver(ctx context.Context, job watch.NotificationJob) []Result {
	ctx, span := d.tracer.Start(ctx, "notification.deliver", trace.WithAttributes(
		attribute.String("watch.id", job.WatchID),
		attribute.Int("notification.destinations", len(job.URLs)),
	))
	defer span.End()

	msg := Render(job)
	results := make([]Result, 0, len(job.URLs))
	failed := 0
	for _, raw := range job.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		scheme, err := d.deliverOne(ctx, raw, msg)
		outcome := "sent"
		if err != nil {
			failed++
			outcome = "failed"
			d.logger.Error("notification delivery failed",
				zap.String("watch_id", job.WatchID),
				zap.String("destination", redact(raw)),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("notification sent",
				zap.String("watch_id", job.WatchID),
				zap.String("destination", redact(raw)),
			)
		}
		metrics.ObserveNotification(scheme, outcome)
		results = append(results, Result{URL: raw, Err: err})
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d destinations failed", failed, len(results)))
	}
	return results
}

func (d *Dispatcher) deliverOne(ctx context.Context, raw string, msg Message) (string, error) {
	dest, err := url.Parse(raw)
	if err != nil {
		return "invalid", fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	scheme := strings.ToLower(dest.Scheme)
	d.mu.RLock()
	sender, ok := d.senders[scheme]
	d.mu.RUnlock()
	if !ok {
		return "unknown", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, dest.Scheme)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		if err := sender.Send(attemptCtx, dest, msg); err != nil {
			if errors.Is(err, ErrInvalidDestination) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.cfg.MaxAttempts)))
	if err != nil {
		return scheme, fmt.Errorf("send via %s: %w", scheme, err)
	}
	return scheme, nil
}

// Close releases sender resources such as cached broker clients.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[Sender]bool)
	var errs []error
	for _, s := range d.senders {
		if seen[s] {
			continue
		}
		seen[s] = true
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// redact drops credentials and paths, which often hold webhook tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
