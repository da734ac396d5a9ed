// Package router resolves client model aliases to upstream bindings using
// the failover state of each alias.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/failover"
)

// Provider is an upstream client. model is the real upstream model id of
// the binding being called.
type Provider interface {
	ID() string
	Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error)
	Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error)
	HealthCheck(ctx context.Context) error
}

// Binding is one upstream target behind an alias.
type Binding struct {
	Name     string
	Provider Provider
	Model    string
	Pricing  cost.Pricing
}

// Route holds the bindings of one alias. Failover is nil when the alias has
// no failover binding configured.
type Route struct {
	Alias    string
	Primary  Binding
	Failover *Binding
}

const (
	RolePrimary  = "primary"
	RoleFailover = "failover"
)

// Resolution is the binding a single request will use.
type Resolution struct {
	Alias   string
	Binding Binding
	Role    string
	State   failover.State
	// Forced is set when the state asked for a failover binding that does
	// not exist and the primary was used instead. Warning carries the
	// configuration error.
	Forced  bool
	Warning error
}

type Router struct {
	failover *failover.Manager

	mu     sync.RWMutex
	routes map[string]Route
}

func New(fm *failover.Manager) *Router {
	return &Router{
		failover: fm,
		routes:   make(map[string]Route),
	}
}

// AddRoute configures an alias and registers it with the failover manager.
// Adding an alias again replaces its bindings.
func (r *Router) AddRoute(ctx context.Context, route Route) error {
	if route.Alias == "" {
		return fmt.Errorf("add route: empty alias: %w", domain.ErrConfiguration)
	}
	if route.Primary.Provider == nil {
		return fmt.Errorf("add route %s: primary binding has no provider: %w", route.Alias, domain.ErrConfiguration)
	}
	if route.Failover != nil && route.Failover.Provider == nil {
		return fmt.Errorf("add route %s: failover binding has no provider: %w", route.Alias, domain.ErrConfiguration)
	}

	if err := r.failover.Register(ctx, route.Alias, route.Failover != nil); err != nil {
		return fmt.Errorf("add route %s: %w", route.Alias, err)
	}

	r.mu.Lock()
	r.routes[route.Alias] = route
	r.mu.Unlock()

	return nil
}

// Resolve reads the failover state of alias once and picks the binding.
// It never changes failover state.
func (r *Router) Resolve(ctx context.Context, alias string) (Resolution, error) {
	route, ok := r.Route(alias)
	if !ok {
		return Resolution{}, fmt.Errorf("resolve: %w", &domain.AliasError{Alias: alias})
	}

	st, err := r.failover.Snapshot(ctx, alias)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %q: %w", alias, err)
	}

	res := Resolution{
		Alias:   alias,
		Binding: route.Primary,
		Role:    RolePrimary,
		State:   st,
	}

	if !st.FailedOver() {
		return res, nil
	}

	if route.Failover == nil {
		res.Forced = true
		res.Warning = fmt.Errorf("alias %s is failed over without a failover binding: %w", alias, domain.ErrConfiguration)
		slog.Warn("failover binding not configured, using primary",
			"alias", alias,
			"binding", route.Primary.Name,
		)
		r.failover.ReportMisconfigured(alias, route.Primary.Name)
		return res, nil
	}

	res.Binding = *route.Failover
	res.Role = RoleFailover
	return res, nil
}

func (r *Router) Route(alias string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[alias]
	return route, ok
}

// Aliases returns the configured aliases in sorted order.
func (r *Router) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.routes))
	for alias := range r.routes {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// Bindings returns the primary and, when configured, the failover binding.
func (r *Router) Bindings(alias string) (Binding, *Binding, error) {
	route, ok := r.Route(alias)
	if !ok {
		return Binding{}, nil, fmt.Errorf("bindings: %w", &domain.AliasError{Alias: alias})
	}
	return route.Primary, route.Failover, nil
}

// ProbePrimary health checks the primary binding of alias.
func (r *Router) ProbePrimary(ctx context.Context, alias string) error {
	primary, _, err := r.Bindings(alias)
	if err != nil {
		return err
	}
	return primary.Provider.HealthCheck(ctx)
}
