// Package provider builds upstream clients and alias routes from the
// bindings file.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/model-router/internal/config"
	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/provider/anthropic"
	"github.com/felipepmaragno/model-router/internal/provider/bedrock"
	"github.com/felipepmaragno/model-router/internal/provider/ollama"
	"github.com/felipepmaragno/model-router/internal/provider/openai"
	"github.com/felipepmaragno/model-router/internal/router"
	"github.com/felipepmaragno/model-router/internal/secrets"
)

// Factory creates a client for one upstream. apiKey is already resolved.
type Factory func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error)

type Registry struct {
	resolver  *secrets.Resolver
	pricing   *cost.Table
	factories map[string]Factory
}

type Option func(*Registry)

// WithFactory replaces the factory for a provider kind.
func WithFactory(kind string, f Factory) Option {
	return func(r *Registry) {
		r.factories[kind] = f
	}
}

// NewRegistry returns a registry with factories for every supported
// provider kind. client is shared by the HTTP based upstreams; region is
// used for Bedrock upstreams that do not set their own.
func NewRegistry(resolver *secrets.Resolver, pricing *cost.Table, client *http.Client, region string, opts ...Option) *Registry {
	r := &Registry{
		resolver: resolver,
		pricing:  pricing,
		factories: map[string]Factory{
			config.ProviderAnthropic: func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
				return anthropic.New(apiKey, u.BaseURL, client), nil
			},
			config.ProviderOpenAI: func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
				return openai.New(u.Name, apiKey, u.BaseURL, client), nil
			},
			config.ProviderBedrock: func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
				if u.Region != "" {
					return bedrock.New(ctx, u.Region)
				}
				return bedrock.New(ctx, region)
			},
			config.ProviderOllama: func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
				return ollama.New(u.BaseURL, client), nil
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Routes builds one client per upstream and the route of every alias.
// Upstreams no alias refers to are skipped.
func (r *Registry) Routes(ctx context.Context, b *config.Bindings) ([]router.Route, error) {
	used := make(map[string]bool)
	for _, a := range b.Aliases {
		used[a.Primary.Upstream] = true
		if a.Failover != nil {
			used[a.Failover.Upstream] = true
		}
	}

	clients := make(map[string]router.Provider, len(used))
	for _, u := range b.Upstreams {
		if !used[u.Name] {
			slog.Warn("upstream not referenced by any alias", "upstream", u.Name)
			continue
		}
		p, err := r.build(ctx, u)
		if err != nil {
			return nil, err
		}
		clients[u.Name] = p
		slog.Info("registered upstream", "upstream", u.Name, "provider", u.Provider)
	}

	routes := make([]router.Route, 0, len(b.Aliases))
	for _, a := range b.Aliases {
		route := router.Route{
			Alias:   a.Alias,
			Primary: r.binding(a.Primary, clients[a.Primary.Upstream]),
		}
		if a.Failover != nil {
			fb := r.binding(*a.Failover, clients[a.Failover.Upstream])
			route.Failover = &fb
		}
		routes = append(routes, route)
	}

	return routes, nil
}

func (r *Registry) build(ctx context.Context, u config.Upstream) (router.Provider, error) {
	factory, ok := r.factories[u.Provider]
	if !ok {
		return nil, fmt.Errorf("upstream %s: unsupported provider %q: %w", u.Name, u.Provider, domain.ErrConfiguration)
	}

	var apiKey string
	if u.APIKey != "" {
		key, err := r.resolver.Resolve(ctx, u.APIKey)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: resolve api key: %w", u.Name, err)
		}
		apiKey = key
	}

	p, err := factory(ctx, u, apiKey)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", u.Name, err)
	}
	return p, nil
}

func (r *Registry) binding(t config.Target, p router.Provider) router.Binding {
	pricing := r.pricing.Lookup(t.Model)
	if t.Pricing != nil {
		pricing = *t.Pricing
	}
	return router.Binding{
		Name:     t.Upstream + "/" + t.Model,
		Provider: p,
		Model:    t.Model,
		Pricing:  pricing,
	}
}
