// Package proxy tracks configured HTTP proxies and demotes the ones that keep failing.
package proxy

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/metrics"
)

// DemoteThreshold is the failure count a proxy may reach before it is marked
// bad; the next failure demotes it.
const DemoteThreshold = 5

// Config controls pool behavior.
type Config struct {
	Enabled bool
	Proxies []string
	// RetryAfter re-admits a bad proxy with a fresh counter once elapsed.
	// Zero keeps bad proxies excluded until Reset.
	RetryAfter time.Duration
	Now        func() time.Time
}

// Record is a point-in-time view of one proxy.
type Record struct {
	Address  string    `json:"address"`
	Failures int       `json:"failures"`
	Bad      bool      `json:"bad"`
	BadSince time.Time `json:"bad_since,omitempty"`
}

// Pool is safe for concurrent use by all workers.
type Pool struct {
	mu       sync.Mutex
	enabled  bool
	order    []string
	failures map[string]int
	bad      map[string]time.Time
	retry    time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// New builds a Pool from cfg. Duplicate and empty addresses are dropped.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pool{
		enabled:  cfg.Enabled,
		failures: make(map[string]int),
		bad:      make(map[string]time.Time),
		retry:    cfg.RetryAfter,
		now:      cfg.Now,
		logger:   logger.Named("proxy"),
	}
	for _, addr := range cfg.Proxies {
		if addr == "" || slices.Contains(p.order, addr) {
			continue
		}
		p.order = append(p.order, addr)
	}
	return p
}

// Active reports whether fetches should go through the pool.
func (p *Pool) Active() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && len(p.order) > 0
}

// Candidates returns the non-bad proxies in configured order.
func (p *Pool) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readmitLocked()
	out := make([]string, 0, len(p.order))
	for _, addr := range p.order {
		if _, isBad := p.bad[addr]; !isBad {
			out = append(out, addr)
		}
	}
	return out
}

// MarkFailure increments the counter for addr and reports whether this
// failure demoted it.
func (p *Pool) MarkFailure(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.order, addr) {
		return false
	}
	p.failures[addr]++
	count := p.failures[addr]
	demoted := false
	if _, already := p.bad[addr]; !already && count > DemoteThreshold {
		p.bad[addr] = p.now()
		demoted = true
		p.logger.Warn("proxy demoted", zap.String("proxy", addr), zap.Int("failures", count))
	}
	metrics.ObserveProxyFailure(addr, demoted)
	return demoted
}

// MarkSuccess clears the consecutive failure counter for addr.
func (p *Pool) MarkSuccess(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, addr)
}

// Reset re-admits every proxy with a fresh counter.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = make(map[string]int)
	p.bad = make(map[string]time.Time)
}

// Records returns a snapshot of every proxy in configured order.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readmitLocked()
	out := make([]Record, 0, len(p.order))
	for _, addr := range p.order {
		since, isBad := p.bad[addr]
		out = append(out, Record{Address: addr, Failures: p.failures[addr], Bad: isBad, BadSince: since})
	}
	return out
}

func (p *Pool) readmitLocked() {
	if p.retry <= 0 {
		return
	}
	now := p.now()
	for addr, since := range p.bad {
		if now.Sub(since) >= p.retry {
			delete(p.bad, addr)
			delete(p.failures, addr)
			p.logger.Info("proxy re-admitted", zap.String("proxy", addr))
		}
	}
}
