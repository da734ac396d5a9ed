// Package gateway runs one client request through resolution, the upstream
// call and cost accounting.
//
// Flow:
//
//	Resolve(alias) -> Provider.Complete|Stream (bounded by UpstreamTimeout)
//	  -> Estimate(usage) -> Signal(failover) on a qualifying cache miss
//
// Usage is accounted only for calls that completed. Timeouts, upstream
// errors and cancelled streams never produce a failover signal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/model-router/internal/alerting"
	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/failover"
	"github.com/felipepmaragno/model-router/internal/metrics"
	"github.com/felipepmaragno/model-router/internal/queue"
	"github.com/felipepmaragno/model-router/internal/relay"
	"github.com/felipepmaragno/model-router/internal/router"
	"github.com/felipepmaragno/model-router/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultUpstreamTimeout = 180 * time.Second
	publishTimeout         = 10 * time.Second
)

type Config struct {
	UpstreamTimeout  time.Duration
	StreamBufferSize int
}

func DefaultConfig() Config {
	return Config{
		UpstreamTimeout:  DefaultUpstreamTimeout,
		StreamBufferSize: relay.DefaultBufferSize,
	}
}

type Gateway struct {
	cfg       Config
	router    *router.Router
	failover  *failover.Manager
	estimator *cost.Estimator
	detector  *alerting.Detector
	publisher queue.Publisher

	wg sync.WaitGroup
}

type Option func(*Gateway)

// WithDetector feeds cache misses and upstream 5xx responses to d.
func WithDetector(d *alerting.Detector) Option {
	return func(g *Gateway) {
		g.detector = d
	}
}

// WithPublisher publishes every qualifying cache miss to p.
func WithPublisher(p queue.Publisher) Option {
	return func(g *Gateway) {
		g.publisher = p
	}
}

func New(cfg Config, r *router.Router, fm *failover.Manager, est *cost.Estimator, opts ...Option) *Gateway {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = relay.DefaultBufferSize
	}

	g := &Gateway{
		cfg:       cfg,
		router:    r,
		failover:  fm,
		estimator: est,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Router() *router.Router {
	return g.router
}

// Accounting is what the gateway concluded from a completed call's usage.
type Accounting struct {
	Estimate cost.Estimate
	Outcome  failover.Outcome
}

// Result is a buffered completion, already carrying the client alias in
// Model.
type Result struct {
	Resolution router.Resolution
	Completion *domain.Completion
	Accounting Accounting
}

// Complete performs a buffered call.
func (g *Gateway) Complete(ctx context.Context, rc *domain.RequestContext) (*Result, error) {
	start := time.Now()

	ctx, span := telemetry.StartRequest(ctx, rc)
	defer span.End()

	res, err := g.resolve(ctx, span, rc)
	if err != nil {
		g.recordRequest(rc, "", err, start)
		return nil, err
	}
	b := res.Binding

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)
	defer cancel()

	c, err := b.Provider.Complete(callCtx, b.Model, rc)
	if err != nil {
		err = g.upstreamFailed(ctx, span, rc, res, err)
		g.recordRequest(rc, b.Name, err, start)
		return nil, err
	}

	c.Model = rc.Alias
	acct := g.account(ctx, span, rc, res, c.Usage)
	g.recordRequest(rc, b.Name, nil, start)

	slog.Info("request completed",
		"request_id", rc.RequestID,
		"alias", rc.Alias,
		"binding", b.Name,
		"role", res.Role,
		"prompt_tokens", c.Usage.PromptTokens,
		"completion_tokens", c.Usage.CompletionTokens,
		"cache_read_tokens", c.Usage.CacheReadTokens,
		"cost_usd", acct.Estimate.IncurredUSD,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return &Result{Resolution: res, Completion: c, Accounting: acct}, nil
}

// StreamCall is an in-flight streamed call. The caller reads Frames until
// it is closed, then calls Wait. Close may be called at any time to abandon
// the stream and release the upstream connection.
type StreamCall struct {
	Resolution router.Resolution
	Frames     <-chan domain.StreamFrame

	stream *relay.Stream
	cancel context.CancelFunc
	finish func(err error) error

	once sync.Once
	err  error
}

// Wait returns the stream's outcome once Frames is closed. A nil error means
// the upstream finished cleanly and Usage is complete.
func (s *StreamCall) Wait() error {
	s.once.Do(func() {
		err := <-s.stream.Err
		s.cancel()
		s.err = s.finish(err)
	})
	return s.err
}

func (s *StreamCall) Usage() domain.Usage {
	return s.stream.Usage()
}

func (s *StreamCall) Close() {
	s.cancel()
}

// Stream starts a streamed call. Errors before the upstream call starts
// (unknown alias) are returned directly; upstream failures arrive through
// Wait.
func (g *Gateway) Stream(ctx context.Context, rc *domain.RequestContext) (*StreamCall, error) {
	start := time.Now()

	ctx, span := telemetry.StartRequest(ctx, rc)

	res, err := g.resolve(ctx, span, rc)
	if err != nil {
		g.recordRequest(rc, "", err, start)
		span.End()
		return nil, err
	}
	b := res.Binding

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.UpstreamTimeout)

	frames, errs := b.Provider.Stream(callCtx, b.Model, rc)

	metrics.IncrementActiveStreams()
	s := relay.Run(callCtx, frames, errs, rc.Alias, g.cfg.StreamBufferSize, func(u domain.Usage) {
		g.account(ctx, span, rc, res, u)
	})

	call := &StreamCall{
		Resolution: res,
		Frames:     s.Frames,
		stream:     s,
		cancel:     cancel,
	}
	call.finish = func(err error) error {
		defer span.End()
		defer metrics.DecrementActiveStreams()

		if err != nil {
			err = g.upstreamFailed(ctx, span, rc, res, err)
			g.recordRequest(rc, b.Name, err, start)
			return err
		}

		g.recordRequest(rc, b.Name, nil, start)
		u := s.Usage()
		slog.Info("streaming request completed",
			"request_id", rc.RequestID,
			"alias", rc.Alias,
			"binding", b.Name,
			"role", res.Role,
			"prompt_tokens", u.PromptTokens,
			"completion_tokens", u.CompletionTokens,
			"cache_read_tokens", u.CacheReadTokens,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	return call, nil
}

// Close waits for background cache-miss publishing to finish.
func (g *Gateway) Close() {
	g.wg.Wait()
}

func (g *Gateway) resolve(ctx context.Context, span trace.Span, rc *domain.RequestContext) (router.Resolution, error) {
	res, err := g.router.Resolve(ctx, rc.Alias)
	if err != nil {
		telemetry.RecordError(span, err)
		return router.Resolution{}, fmt.Errorf("resolve alias: %w", err)
	}

	b := res.Binding
	telemetry.RecordBinding(span, b.Name, b.Provider.ID(), b.Model, res.Role, res.Forced)
	return res, nil
}

// upstreamFailed normalises a failed call's error and feeds error metrics
// and the upstream error detector. A deadline hit by the upstream call
// becomes ErrUpstreamTimeout; a cancellation by the caller stays as is.
func (g *Gateway) upstreamFailed(ctx context.Context, span trace.Span, rc *domain.RequestContext, res router.Resolution, err error) error {
	b := res.Binding

	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUpstreamTimeout) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	}

	errorType := "upstream_error"
	var upstreamErr *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrUpstreamTimeout):
		errorType = "timeout"
	case errors.As(err, &upstreamErr):
		errorType = fmt.Sprintf("status_%d", upstreamErr.Status)
		if g.detector != nil {
			g.detector.RecordUpstreamError(b.Name, upstreamErr.Status)
		}
	case errors.Is(err, domain.ErrParsing):
		errorType = "parsing"
	case errors.Is(err, context.Canceled):
		errorType = "canceled"
	}

	if errorType != "canceled" {
		metrics.RecordUpstreamError(b.Name, errorType)
		telemetry.RecordError(span, err)
		slog.Error("upstream call failed",
			"request_id", rc.RequestID,
			"alias", rc.Alias,
			"binding", b.Name,
			"provider", b.Provider.ID(),
			"error_type", errorType,
			"error", err,
		)
	}

	return fmt.Errorf("call %s: %w", b.Name, err)
}

// account runs once per completed call. It must not depend on the client
// still being connected.
func (g *Gateway) account(ctx context.Context, span trace.Span, rc *domain.RequestContext, res router.Resolution, usage domain.Usage) Accounting {
	ctx = context.WithoutCancel(ctx)
	b := res.Binding

	metrics.RecordTokens(rc.Alias, b.Name, usage.PromptTokens, usage.CompletionTokens, usage.CacheReadTokens, usage.CacheCreationTokens)
	telemetry.RecordUsage(span, usage)

	sig, est, ok := g.estimator.Signal(rc.Alias, b.Name, b.Pricing, usage)
	metrics.RecordCost(rc.Alias, b.Name, est.IncurredUSD)
	telemetry.RecordEstimate(span, est)

	acct := Accounting{Estimate: est, Outcome: failover.OutcomeIgnored}
	if !ok {
		return acct
	}

	metrics.RecordCacheMiss(rc.Alias, b.Name, est.LossUSD)
	if g.detector != nil {
		g.detector.RecordCacheMiss(rc.Alias, b.Name, est.LossUSD)
	}

	// Only a miss on the primary binding can activate failover. The alias
	// may have recovered while a failover-binding call was in flight.
	if res.Role != router.RolePrimary {
		return acct
	}

	outcome, err := g.failover.Signal(ctx, sig)
	if err != nil && !errors.Is(err, domain.ErrConfiguration) {
		slog.Error("failover signal failed",
			"request_id", rc.RequestID,
			"alias", rc.Alias,
			"error", err,
		)
	}
	acct.Outcome = outcome

	g.publish(rc, res, usage, est, outcome)

	return acct
}

func (g *Gateway) publish(rc *domain.RequestContext, res router.Resolution, usage domain.Usage, est cost.Estimate, outcome failover.Outcome) {
	if g.publisher == nil {
		return
	}

	ev := queue.CacheMissEvent{
		ID:           uuid.NewString(),
		RequestID:    rc.RequestID,
		Alias:        rc.Alias,
		Binding:      res.Binding.Name,
		Model:        res.Binding.Model,
		PromptTokens: usage.PromptTokens,
		IncurredUSD:  est.IncurredUSD,
		LossUSD:      est.LossUSD,
		Outcome:      outcome.String(),
		Stream:       rc.Stream,
		CreatedAt:    time.Now().UTC(),
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := g.publisher.Publish(ctx, ev); err != nil {
			slog.Warn("failed to publish cache miss event", "alias", ev.Alias, "error", err)
		}
	}()
}

func (g *Gateway) recordRequest(rc *domain.RequestContext, binding string, err error, start time.Time) {
	alias := rc.Alias
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownAlias):
		// Client-supplied names stay out of the label set.
		alias, status = "unknown", "unknown_alias"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = "timeout"
	case errors.Is(err, context.Canceled):
		status = "canceled"
	default:
		status = "error"
	}

	metrics.RecordRequest(alias, binding, rc.Dialect.String(), status, time.Since(start).Seconds())
}
