// Package failover owns the per-alias failover state machine.
//
// States:
//   - Active: requests for the alias go to its primary binding
//   - FailedOver: requests go to the failover binding until the cooldown
//     elapses or a health probe against the primary succeeds
//
// Implementations of Store:
//   - InMemoryStore: single instance, one mutex per alias
//   - RedisStore: shared across instances, transitions run as Lua scripts
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/metrics"
)

// Status is the failover status of one alias.
type Status int

const (
	StatusActive     Status = iota // Primary binding serves
	StatusFailedOver               // Failover binding serves
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFailedOver:
		return "failed_over"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ParseStatus(s string) Status {
	if s == "failed_over" {
		return StatusFailedOver
	}
	return StatusActive
}

// State is a point-in-time copy of an alias' failover state.
type State struct {
	Alias            string    `json:"alias"`
	Status           Status    `json:"status"`
	ActivatedAt      time.Time `json:"activated_at,omitempty"`
	RecoveryDeadline time.Time `json:"recovery_deadline,omitempty"`
	TriggerCount     int       `json:"trigger_count"`
	LastLossUSD      float64   `json:"last_loss_usd"`
}

// FailedOver reports whether the failover binding should serve.
func (s State) FailedOver() bool {
	return s.Status == StatusFailedOver
}

// Signal reports an estimated cache-miss loss for one completed call.
type Signal struct {
	Alias            string
	Binding          string
	EstimatedLossUSD float64
	PromptTokens     int
}

// Outcome is what Signal did with a signal.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeActivated
	OutcomeDuplicate
	OutcomeMisconfigured
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActivated:
		return "activated"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeMisconfigured:
		return "misconfigured"
	default:
		return "ignored"
	}
}

type EventType string

const (
	EventActivated     EventType = "failover_activated"
	EventRecovered     EventType = "failover_recovered"
	EventMisconfigured EventType = "failover_misconfigured"
)

const (
	ReasonCacheMiss       = "cache_miss_loss"
	ReasonCooldownElapsed = "cooldown_elapsed"
	ReasonHealthProbe     = "health_probe"
	ReasonNoFailover      = "failover_binding_missing"
)

// Event describes a transition (or a refused one) for an alias.
type Event struct {
	Type    EventType `json:"type"`
	Alias   string    `json:"alias"`
	Binding string    `json:"binding,omitempty"`
	Reason  string    `json:"reason"`
	LossUSD float64   `json:"loss_usd,omitempty"`
	State   State     `json:"state"`
	At      time.Time `json:"at"`
}

// Config defines failover behavior.
type Config struct {
	Enabled       bool
	Threshold     float64       // Loss in USD that must be exceeded
	Cooldown      time.Duration // Time in FailedOver before automatic recovery
	ProbeInterval time.Duration // 0 disables the periodic health prober
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Threshold: 1.50,
		Cooldown:  15 * time.Minute,
	}
}

type recoveryTimer struct {
	timer       *time.Timer
	activatedAt time.Time
}

// Manager applies failover transitions per alias and schedules recovery.
type Manager struct {
	cfg   Config
	store Store
	clock func() time.Time

	mu              sync.Mutex
	aliases         map[string]bool
	locks           map[string]*sync.Mutex
	timers          map[string]*recoveryTimer
	lastMisconfig   map[string]time.Time
	hooks           []func(Event)
	closed          bool
	events          chan Event
	dispatcherDone  chan struct{}
	closeEventsOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now, used for deadline comparisons.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

// DefaultEventBuffer is how many events may queue for hooks before new
// ones are dropped.
const DefaultEventBuffer = 256

// WithEventBuffer overrides DefaultEventBuffer. Sizes below 1 are ignored.
func WithEventBuffer(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.events = make(chan Event, size)
		}
	}
}

// NewManager creates a manager over store. A nil store means in-memory.
func NewManager(cfg Config, store Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewInMemoryStore()
	}

	m := &Manager{
		cfg:            cfg,
		store:          store,
		clock:          time.Now,
		aliases:        make(map[string]bool),
		locks:          make(map[string]*sync.Mutex),
		timers:         make(map[string]*recoveryTimer),
		lastMisconfig:  make(map[string]time.Time),
		events:         make(chan Event, DefaultEventBuffer),
		dispatcherDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.dispatch()

	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// OnTransition registers a hook. Hooks run in event order on one goroutine.
func (m *Manager) OnTransition(hook func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Register creates the state for alias in Active if it does not exist yet.
// Registering an alias again replaces its configuration and cancels any
// pending recovery timer.
func (m *Manager) Register(ctx context.Context, alias string, hasFailover bool) error {
	lock := m.lockFor(alias)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if _, exists := m.aliases[alias]; exists {
		m.stopTimerLocked(alias)
	}
	m.aliases[alias] = hasFailover
	m.mu.Unlock()

	if err := m.store.Init(ctx, alias); err != nil {
		return fmt.Errorf("init failover state for %s: %w", alias, err)
	}

	if !hasFailover {
		slog.Warn("failover binding not configured, failover disabled for alias", "alias", alias)
	}

	return nil
}

// HasFailover reports whether alias has a failover binding configured.
func (m *Manager) HasFailover(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliases[alias]
}

// Snapshot returns a consistent copy of the alias state. A FailedOver
// state whose deadline has passed reads as Active; the recovery timer
// applies the transition.
func (m *Manager) Snapshot(ctx context.Context, alias string) (State, error) {
	if !m.registered(alias) {
		return State{}, fmt.Errorf("snapshot %s: %w", alias, domain.ErrUnknownAlias)
	}

	st, err := m.store.Get(ctx, alias)
	if err != nil {
		return State{}, fmt.Errorf("get failover state: %w", err)
	}

	if st.Status != StatusFailedOver {
		return st, nil
	}

	m.ensureTimer(alias, st)

	if !m.clock().Before(st.RecoveryDeadline) {
		st.Status = StatusActive
		st.ActivatedAt = time.Time{}
		st.RecoveryDeadline = time.Time{}
	}

	return st, nil
}

// States returns snapshots of every registered alias sorted by alias.
func (m *Manager) States(ctx context.Context) ([]State, error) {
	m.mu.Lock()
	aliases := make([]string, 0, len(m.aliases))
	for alias := range m.aliases {
		aliases = append(aliases, alias)
	}
	m.mu.Unlock()

	sort.Strings(aliases)

	states := make([]State, 0, len(aliases))
	for _, alias := range aliases {
		st, err := m.Snapshot(ctx, alias)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// Signal applies Active -> FailedOver when the loss exceeds the threshold.
// Signals for an alias that is already failed over change nothing.
func (m *Manager) Signal(ctx context.Context, sig Signal) (Outcome, error) {
	if !m.cfg.Enabled {
		return OutcomeIgnored, nil
	}

	m.mu.Lock()
	hasFailover, ok := m.aliases[sig.Alias]
	m.mu.Unlock()
	if !ok {
		return OutcomeIgnored, fmt.Errorf("signal for %s: %w", sig.Alias, domain.ErrUnknownAlias)
	}

	if sig.EstimatedLossUSD <= m.cfg.Threshold {
		return OutcomeIgnored, nil
	}

	if !hasFailover {
		m.refuseMisconfigured(sig)
		return OutcomeMisconfigured, fmt.Errorf("activate failover for %s: %w", sig.Alias, domain.ErrConfiguration)
	}

	lock := m.lockFor(sig.Alias)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	prev, next, activated, err := m.store.Activate(ctx, sig.Alias, now, now.Add(m.cfg.Cooldown), sig.EstimatedLossUSD)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("activate failover for %s: %w", sig.Alias, err)
	}

	if !activated {
		slog.Debug("failover already active, signal ignored",
			"alias", sig.Alias,
			"loss_usd", sig.EstimatedLossUSD,
			"recovery_deadline", prev.RecoveryDeadline,
		)
		return OutcomeDuplicate, nil
	}

	if prev.Status == StatusFailedOver {
		// The previous activation expired before its timer ran.
		recovered := prev
		recovered.Status = StatusActive
		recovered.ActivatedAt = time.Time{}
		recovered.RecoveryDeadline = time.Time{}
		m.emit(Event{Type: EventRecovered, Alias: sig.Alias, Reason: ReasonCooldownElapsed, State: recovered, At: now})
	}

	m.mu.Lock()
	m.stopTimerLocked(sig.Alias)
	m.mu.Unlock()
	m.scheduleRecovery(sig.Alias, next)

	slog.Warn("failover activated",
		"alias", sig.Alias,
		"binding", sig.Binding,
		"loss_usd", sig.EstimatedLossUSD,
		"threshold_usd", m.cfg.Threshold,
		"prompt_tokens", sig.PromptTokens,
		"recovery_deadline", next.RecoveryDeadline,
		"trigger_count", next.TriggerCount,
	)

	m.emit(Event{
		Type:    EventActivated,
		Alias:   sig.Alias,
		Binding: sig.Binding,
		Reason:  ReasonCacheMiss,
		LossUSD: sig.EstimatedLossUSD,
		State:   next,
		At:      now,
	})

	return OutcomeActivated, nil
}

// Probe runs check against the primary binding of alias. When the check
// succeeds and the alias is failed over, it recovers immediately.
func (m *Manager) Probe(ctx context.Context, alias string, check func(context.Context) error) (bool, error) {
	if !m.registered(alias) {
		return false, fmt.Errorf("probe %s: %w", alias, domain.ErrUnknownAlias)
	}

	if err := check(ctx); err != nil {
		slog.Info("health probe failed, staying on failover binding", "alias", alias, "error", err)
		return false, fmt.Errorf("probe primary binding for %s: %w", alias, err)
	}

	lock := m.lockFor(alias)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	st, recovered, err := m.store.Recover(ctx, alias, time.Time{}, now, true)
	if err != nil {
		return false, fmt.Errorf("recover %s: %w", alias, err)
	}
	if !recovered {
		return false, nil
	}

	m.mu.Lock()
	m.stopTimerLocked(alias)
	m.mu.Unlock()

	slog.Info("failover recovered", "alias", alias, "reason", ReasonHealthProbe)
	m.emit(Event{Type: EventRecovered, Alias: alias, Reason: ReasonHealthProbe, State: st, At: now})

	return true, nil
}

// RunProber probes every failed-over alias each interval until ctx ends.
func (m *Manager) RunProber(ctx context.Context, interval time.Duration, probe func(ctx context.Context, alias string) error) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states, err := m.States(ctx)
			if err != nil {
				slog.Error("list failover states for probing", "error", err)
				continue
			}
			for _, st := range states {
				if !st.FailedOver() {
					continue
				}
				alias := st.Alias
				m.Probe(ctx, alias, func(ctx context.Context) error {
					return probe(ctx, alias)
				})
			}
		}
	}
}

// Close cancels all recovery timers and stops event delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for alias := range m.timers {
		m.stopTimerLocked(alias)
	}
	m.mu.Unlock()

	m.closeEventsOnce.Do(func() {
		close(m.events)
	})
	<-m.dispatcherDone
}

// ReportMisconfigured logs and emits a misconfiguration event for an alias
// whose state asks for a failover binding it does not have. Events are
// limited to one per cooldown per alias.
func (m *Manager) ReportMisconfigured(alias, binding string) {
	m.refuseMisconfigured(Signal{Alias: alias, Binding: binding})
}

func (m *Manager) refuseMisconfigured(sig Signal) {
	now := m.now()

	slog.Warn("failover binding not configured",
		"alias", sig.Alias,
		"binding", sig.Binding,
		"loss_usd", sig.EstimatedLossUSD,
		"error", domain.ErrConfiguration,
	)

	m.mu.Lock()
	last, seen := m.lastMisconfig[sig.Alias]
	notify := !seen || now.Sub(last) >= m.cfg.Cooldown
	if notify {
		m.lastMisconfig[sig.Alias] = now
	}
	m.mu.Unlock()

	if notify {
		m.emit(Event{
			Type:    EventMisconfigured,
			Alias:   sig.Alias,
			Binding: sig.Binding,
			Reason:  ReasonNoFailover,
			LossUSD: sig.EstimatedLossUSD,
			State:   State{Alias: sig.Alias, Status: StatusActive},
			At:      now,
		})
	}
}

func (m *Manager) recoverFromTimer(alias string, activatedAt time.Time) {
	lock := m.lockFor(alias)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if rt, ok := m.timers[alias]; ok && rt.activatedAt.Equal(activatedAt) {
		delete(m.timers, alias)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := m.now()
	st, recovered, err := m.store.Recover(ctx, alias, activatedAt, now, false)
	if err != nil {
		slog.Error("failover recovery failed, retrying", "alias", alias, "error", err)
		m.scheduleAfter(alias, activatedAt, 5*time.Second)
		return
	}

	if !recovered {
		cur, err := m.store.Get(ctx, alias)
		if err == nil && cur.FailedOver() && cur.ActivatedAt.Equal(activatedAt) {
			m.scheduleRecovery(alias, cur)
		}
		return
	}

	slog.Info("failover recovered", "alias", alias, "reason", ReasonCooldownElapsed)
	m.emit(Event{Type: EventRecovered, Alias: alias, Reason: ReasonCooldownElapsed, State: st, At: now})
}

// ensureTimer schedules recovery for an activation this instance has no
// timer for, which happens when another instance activated it.
func (m *Manager) ensureTimer(alias string, st State) {
	m.mu.Lock()
	rt, ok := m.timers[alias]
	covered := ok && rt.activatedAt.Equal(st.ActivatedAt)
	m.mu.Unlock()

	if !covered {
		m.scheduleRecovery(alias, st)
	}
}

func (m *Manager) scheduleRecovery(alias string, st State) {
	m.scheduleAfter(alias, st.ActivatedAt, st.RecoveryDeadline.Sub(m.clock()))
}

func (m *Manager) scheduleAfter(alias string, activatedAt time.Time, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.stopTimerLocked(alias)

	m.timers[alias] = &recoveryTimer{
		activatedAt: activatedAt,
		timer: time.AfterFunc(delay, func() {
			m.recoverFromTimer(alias, activatedAt)
		}),
	}
}

func (m *Manager) stopTimerLocked(alias string) {
	if rt, ok := m.timers[alias]; ok {
		rt.timer.Stop()
		delete(m.timers, alias)
	}
}

func (m *Manager) pendingTimer(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[alias]
	return ok
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		metrics.RecordFailoverEventDropped(ev.Alias, string(ev.Type))
		slog.Error("failover event dropped, hook queue full", "type", ev.Type, "alias", ev.Alias)
	}
}

func (m *Manager) dispatch() {
	defer close(m.dispatcherDone)

	for ev := range m.events {
		m.mu.Lock()
		hooks := make([]func(Event), len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		for _, hook := range hooks {
			hook(ev)
		}
	}
}

func (m *Manager) registered(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.aliases[alias]
	return ok
}

func (m *Manager) lockFor(alias string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[alias]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[alias] = lock
	}
	return lock
}

// now truncates to milliseconds so activation times round-trip through Redis.
func (m *Manager) now() time.Time {
	return m.clock().Truncate(time.Millisecond)
}
