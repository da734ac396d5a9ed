package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/felipepmaragno/model-router/internal/config"
	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/provider/anthropic"
	"github.com/felipepmaragno/model-router/internal/provider/ollama"
	"github.com/felipepmaragno/model-router/internal/provider/openai"
	"github.com/felipepmaragno/model-router/internal/router"
	"github.com/felipepmaragno/model-router/internal/secrets"
)

type fakeProvider struct {
	id     string
	apiKey string
}

func (f *fakeProvider) ID() string { return f.id }
func (f *fakeProvider) Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error) {
	return nil, nil
}
func (f *fakeProvider) Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error) {
	return nil, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func testBindings() *config.Bindings {
	return &config.Bindings{
		Upstreams: []config.Upstream{
			{Name: "anthropic", Provider: config.ProviderAnthropic, APIKey: "secret:anthropic"},
			{Name: "zai", Provider: config.ProviderOpenAI, BaseURL: "https://api.z.ai/api/coding/paas/v4", APIKey: "sk-zai"},
			{Name: "unused", Provider: config.ProviderBedrock},
		},
		Aliases: []config.Alias{
			{
				Alias:    "claude-sonnet-4-5",
				Primary:  config.Target{Upstream: "anthropic", Model: "claude-sonnet-4-5-20250929"},
				Failover: &config.Target{Upstream: "zai", Model: "glm-4.7", Pricing: &cost.Pricing{InputPerMTok: 0.5}},
			},
			{
				Alias:   "claude-opus-4-5",
				Primary: config.Target{Upstream: "anthropic", Model: "claude-opus-4-5"},
			},
		},
	}
}

func TestRegistry_Routes(t *testing.T) {
	store := secrets.StaticStore{"anthropic": "sk-ant"}

	built := map[string]*fakeProvider{}
	fake := func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
		p := &fakeProvider{id: u.Name, apiKey: apiKey}
		built[u.Name] = p
		return p, nil
	}

	reg := NewRegistry(secrets.NewResolver(store, nil), cost.NewTable(cost.Pricing{InputPerMTok: 15}), nil, "us-east-1",
		WithFactory(config.ProviderAnthropic, fake),
		WithFactory(config.ProviderOpenAI, fake),
		WithFactory(config.ProviderBedrock, func(ctx context.Context, u config.Upstream, apiKey string) (router.Provider, error) {
			t.Error("unused upstream should not be built")
			return nil, nil
		}),
	)

	routes, err := reg.Routes(context.Background(), testBindings())
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("len(routes) = %d, want 2", len(routes))
	}

	if built["anthropic"].apiKey != "sk-ant" || built["zai"].apiKey != "sk-zai" {
		t.Errorf("resolved keys: anthropic=%q zai=%q", built["anthropic"].apiKey, built["zai"].apiKey)
	}

	sonnet := routes[0]
	if sonnet.Primary.Name != "anthropic/claude-sonnet-4-5-20250929" || sonnet.Primary.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("primary = %+v", sonnet.Primary)
	}
	if sonnet.Primary.Pricing.InputPerMTok != 3 || !sonnet.Primary.Pricing.CacheAware {
		t.Errorf("primary pricing = %+v, want table price", sonnet.Primary.Pricing)
	}
	if sonnet.Failover == nil || sonnet.Failover.Provider.ID() != "zai" {
		t.Fatalf("failover = %+v", sonnet.Failover)
	}
	if sonnet.Failover.Pricing.InputPerMTok != 0.5 {
		t.Errorf("failover pricing = %+v, want override", sonnet.Failover.Pricing)
	}

	opus := routes[1]
	if opus.Failover != nil {
		t.Error("opus should have no failover binding")
	}
	if opus.Primary.Provider != sonnet.Primary.Provider {
		t.Error("aliases on one upstream should share its client")
	}
}

func TestRegistry_DefaultFactories(t *testing.T) {
	reg := NewRegistry(secrets.NewResolver(nil, nil), cost.NewTable(cost.Pricing{}), nil, "us-east-1")

	b := testBindings()
	b.Upstreams[0].APIKey = "sk-ant"
	routes, err := reg.Routes(context.Background(), b)
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}

	if _, ok := routes[0].Primary.Provider.(*anthropic.Provider); !ok {
		t.Errorf("primary provider = %T, want *anthropic.Provider", routes[0].Primary.Provider)
	}
	if _, ok := routes[0].Failover.Provider.(*openai.Provider); !ok {
		t.Errorf("failover provider = %T, want *openai.Provider", routes[0].Failover.Provider)
	}
	if id := routes[0].Failover.Provider.ID(); id != "zai" {
		t.Errorf("failover provider id = %q, want zai", id)
	}
}

func TestRegistry_OllamaNeedsNoKey(t *testing.T) {
	reg := NewRegistry(secrets.NewResolver(nil, nil), cost.NewTable(cost.Pricing{}), nil, "us-east-1")

	b := &config.Bindings{
		Upstreams: []config.Upstream{
			{Name: "local", Provider: config.ProviderOllama, BaseURL: "http://ollama:11434"},
		},
		Aliases: []config.Alias{
			{Alias: "qwen", Primary: config.Target{Upstream: "local", Model: "qwen3:32b"}},
		},
	}

	routes, err := reg.Routes(context.Background(), b)
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}
	if _, ok := routes[0].Primary.Provider.(*ollama.Provider); !ok {
		t.Errorf("provider = %T, want *ollama.Provider", routes[0].Primary.Provider)
	}
	if routes[0].Primary.Pricing.CacheAware {
		t.Error("unpriced model should not use cache-aware pricing")
	}
}

func TestRegistry_UnresolvedKey(t *testing.T) {
	reg := NewRegistry(secrets.NewResolver(nil, nil), cost.NewTable(cost.Pricing{}), nil, "us-east-1")

	_, err := reg.Routes(context.Background(), testBindings())
	if !errors.Is(err, secrets.ErrUnresolved) {
		t.Errorf("Routes() error = %v, want ErrUnresolved", err)
	}
}

func TestRegistry_UnsupportedProvider(t *testing.T) {
	reg := NewRegistry(secrets.NewResolver(nil, nil), cost.NewTable(cost.Pricing{}), nil, "us-east-1")

	b := &config.Bindings{
		Upstreams: []config.Upstream{{Name: "g", Provider: "gemini", APIKey: "k"}},
		Aliases:   []config.Alias{{Alias: "x", Primary: config.Target{Upstream: "g", Model: "m"}}},
	}
	if _, err := reg.Routes(context.Background(), b); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Routes() error = %v, want ErrConfiguration", err)
	}
}
