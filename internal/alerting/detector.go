// Package alerting watches a sliding window of cache misses and upstream
// server errors and sends one aggregated notification when either crosses
// its threshold.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/felipepmaragno/model-router/internal/notifications"
)

const (
	KindCacheMiss     = "cache_miss"
	KindUpstreamError = "upstream_error"

	sendTimeout = 10 * time.Second
)

type Config struct {
	Enabled            bool
	CacheMissThreshold int           // Qualifying misses in Window that raise an alert
	ErrorThreshold     int           // Upstream 5xx responses in Window that raise an alert
	Window             time.Duration // Sliding window length
	Interval           time.Duration // Minimum time between two alerts of one kind
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CacheMissThreshold: 5,
		ErrorThreshold:     6,
		Window:             time.Minute,
		Interval:           5 * time.Minute,
	}
}

type cacheMiss struct {
	at      time.Time
	alias   string
	binding string
	lossUSD float64
}

type upstreamFailure struct {
	at      time.Time
	binding string
	status  int
}

type Detector struct {
	cfg      Config
	notifier notifications.Notifier
	dedup    AlertDeduplicator
	now      func() time.Time

	mu       sync.Mutex
	misses   []cacheMiss
	failures []upstreamFailure

	wg sync.WaitGroup
}

type Option func(*Detector)

func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		d.now = clock
	}
}

// NewDetector creates a detector. A nil dedup uses an in-memory deduplicator
// with cfg.Interval.
func NewDetector(cfg Config, notifier notifications.Notifier, dedup AlertDeduplicator, opts ...Option) *Detector {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator(cfg.Interval)
	}

	d := &Detector{
		cfg:      cfg,
		notifier: notifier,
		dedup:    dedup,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RecordCacheMiss adds a qualifying cache miss to the window.
func (d *Detector) RecordCacheMiss(alias, binding string, lossUSD float64) {
	if !d.cfg.Enabled || d.cfg.CacheMissThreshold <= 0 {
		return
	}

	now := d.now()

	d.mu.Lock()
	d.misses = append(pruneMisses(d.misses, now.Add(-d.cfg.Window)), cacheMiss{
		at: now, alias: alias, binding: binding, lossUSD: lossUSD,
	})
	window := append([]cacheMiss(nil), d.misses...)
	d.mu.Unlock()

	slog.Warn("cache miss recorded",
		"alias", alias,
		"binding", binding,
		"loss_usd", lossUSD,
		"in_window", len(window),
	)

	if len(window) >= d.cfg.CacheMissThreshold {
		d.dispatch(KindCacheMiss, now, cacheMissAlert(window, d.cfg.Window))
	}
}

// RecordUpstreamError adds an upstream failure to the window. Only 5xx
// statuses are tracked.
func (d *Detector) RecordUpstreamError(binding string, status int) {
	if !d.cfg.Enabled || d.cfg.ErrorThreshold <= 0 {
		return
	}
	if status < 500 || status > 599 {
		return
	}

	now := d.now()

	d.mu.Lock()
	d.failures = append(pruneFailures(d.failures, now.Add(-d.cfg.Window)), upstreamFailure{
		at: now, binding: binding, status: status,
	})
	window := append([]upstreamFailure(nil), d.failures...)
	d.mu.Unlock()

	if len(window) >= d.cfg.ErrorThreshold {
		d.dispatch(KindUpstreamError, now, upstreamErrorAlert(window, d.cfg.Window))
	}
}

// Wait blocks until in-flight alerts have been sent.
func (d *Detector) Wait() {
	d.wg.Wait()
}

func (d *Detector) dispatch(kind string, upTo time.Time, n notifications.Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if !d.dedup.ShouldAlert(ctx, kind) {
			slog.Debug("alert suppressed", "kind", kind)
			return
		}

		d.clear(kind, upTo)

		if err := d.notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send alert", "kind", kind, "error", err)
			d.dedup.ClearAlert(ctx, kind)
			return
		}
	}()
}

func (d *Detector) clear(kind string, upTo time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch kind {
	case KindCacheMiss:
		d.misses = pruneMisses(d.misses, upTo)
	case KindUpstreamError:
		d.failures = pruneFailures(d.failures, upTo)
	}
}

// pruneMisses drops entries at or before cutoff.
func pruneMisses(events []cacheMiss, cutoff time.Time) []cacheMiss {
	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func pruneFailures(events []upstreamFailure, cutoff time.Time) []upstreamFailure {
	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func cacheMissAlert(window []cacheMiss, length time.Duration) notifications.Notification {
	var total float64
	bindings := make(map[string]int)
	aliases := make(map[string]int)
	for _, e := range window {
		total += e.lossUSD
		bindings[e.binding]++
		aliases[e.alias]++
	}

	return notifications.Notification{
		Type:    notifications.NotificationCacheMissAlert,
		Message: fmt.Sprintf("%d prompt cache misses in the last %s, estimated loss $%.2f", len(window), length, total),
		Data: map[string]any{
			"count":          len(window),
			"total_loss_usd": total,
			"window_seconds": length.Seconds(),
			"bindings":       bindings,
			"aliases":        aliases,
		},
	}
}

func upstreamErrorAlert(window []upstreamFailure, length time.Duration) notifications.Notification {
	bindings := make(map[string]int)
	statuses := make(map[string]int)
	for _, e := range window {
		bindings[e.binding]++
		statuses[strconv.Itoa(e.status)]++
	}

	return notifications.Notification{
		Type:    notifications.NotificationUpstreamErrorAlert,
		Message: fmt.Sprintf("%d upstream server errors in the last %s", len(window), length),
		Data: map[string]any{
			"count":          len(window),
			"window_seconds": length.Seconds(),
			"bindings":       bindings,
			"statuses":       statuses,
		},
	}
}
