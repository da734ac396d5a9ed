// Package cost prices completed upstream calls and estimates the money lost
// when a call that should have hit the prompt cache did not.
package cost

import (
	"strings"
	"sync"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/failover"
)

// DefaultSizeFloor is the prompt size, in tokens, below which a request is
// not expected to be cached.
const DefaultSizeFloor = 1024

const perMillion = 1_000_000

// Pricing holds USD prices per million tokens for one binding.
type Pricing struct {
	InputPerMTok      float64 `yaml:"input_per_mtok" json:"input_per_mtok" validate:"gte=0"`
	OutputPerMTok     float64 `yaml:"output_per_mtok" json:"output_per_mtok" validate:"gte=0"`
	CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok" json:"cache_read_per_mtok" validate:"gte=0"`
	CacheWritePerMTok float64 `yaml:"cache_write_per_mtok" json:"cache_write_per_mtok" validate:"gte=0"`
	// CacheAware marks upstreams that report prompt cache usage. Misses are
	// only estimated for these.
	CacheAware bool `yaml:"cache_aware" json:"cache_aware"`
}

var defaultPricing = map[string]Pricing{
	"claude-opus-4-5":   {InputPerMTok: 5, OutputPerMTok: 25, CacheReadPerMTok: 0.5, CacheWritePerMTok: 6.25, CacheAware: true},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75, CacheAware: true},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5, CacheReadPerMTok: 0.1, CacheWritePerMTok: 1.25, CacheAware: true},
	"claude-opus-4-1":   {InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.5, CacheWritePerMTok: 18.75, CacheAware: true},
	"glm-4.7":           {InputPerMTok: 0.6, OutputPerMTok: 2.2},
}

// Table maps upstream model ids to pricing.
type Table struct {
	mu       sync.RWMutex
	pricing  map[string]Pricing
	fallback Pricing
}

// NewTable returns a table seeded with the built-in prices. fallback is used
// for models the table does not know.
func NewTable(fallback Pricing) *Table {
	pricing := make(map[string]Pricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Table{
		pricing:  pricing,
		fallback: fallback,
	}
}

// Lookup returns the pricing for model. Dated or provider-prefixed ids such
// as "anthropic.claude-sonnet-4-5-20250929-v1:0" match the longest known
// model id they contain.
func (t *Table) Lookup(model string) Pricing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.pricing[model]; ok {
		return p
	}

	best := ""
	for known := range t.pricing {
		if len(known) > len(best) && strings.Contains(model, known) {
			best = known
		}
	}
	if best != "" {
		return t.pricing[best]
	}

	return t.fallback
}

func (t *Table) SetPricing(model string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// Cost returns the USD cost actually incurred by a call.
func Cost(p Pricing, usage domain.Usage) float64 {
	uncached := usage.PromptTokens - usage.CacheReadTokens - usage.CacheCreationTokens
	if uncached < 0 {
		uncached = 0
	}

	return (float64(uncached)*p.InputPerMTok +
		float64(usage.CacheReadTokens)*p.CacheReadPerMTok +
		float64(usage.CacheCreationTokens)*p.CacheWritePerMTok +
		float64(usage.CompletionTokens)*p.OutputPerMTok) / perMillion
}

// Estimate is the outcome of pricing one completed call.
type Estimate struct {
	IncurredUSD float64
	// ExpectedUSD is what the call would have cost with the whole prompt
	// served from cache.
	ExpectedUSD float64
	LossUSD     float64
	// Qualifies is set when the call is a cache miss worth reporting.
	Qualifies bool
}

// Estimator decides whether a completed call was a costly cache miss.
type Estimator struct {
	sizeFloor int
}

func NewEstimator(sizeFloor int) *Estimator {
	if sizeFloor <= 0 {
		sizeFloor = DefaultSizeFloor
	}
	return &Estimator{sizeFloor: sizeFloor}
}

func (e *Estimator) SizeFloor() int {
	return e.sizeFloor
}

// Estimate prices usage against p. The loss is only non-zero for a miss: a
// cache-aware binding, no cache reads or writes, and a prompt of at least
// the size floor.
func (e *Estimator) Estimate(p Pricing, usage domain.Usage) Estimate {
	est := Estimate{
		IncurredUSD: Cost(p, usage),
		ExpectedUSD: (float64(usage.PromptTokens)*p.CacheReadPerMTok +
			float64(usage.CompletionTokens)*p.OutputPerMTok) / perMillion,
	}

	if !p.CacheAware || usage.CacheReadTokens != 0 || usage.CacheCreationTokens != 0 {
		return est
	}
	if usage.PromptTokens < e.sizeFloor {
		return est
	}

	loss := (p.InputPerMTok - p.CacheReadPerMTok) * float64(usage.PromptTokens) / perMillion
	if loss <= 0 {
		return est
	}

	est.LossUSD = loss
	est.Qualifies = true
	return est
}

// Signal builds the failover signal for a completed call. The bool is false
// when the call does not qualify as a cache miss; the estimate is returned
// either way.
func (e *Estimator) Signal(alias, binding string, p Pricing, usage domain.Usage) (failover.Signal, Estimate, bool) {
	est := e.Estimate(p, usage)
	if !est.Qualifies {
		return failover.Signal{}, est, false
	}

	return failover.Signal{
		Alias:            alias,
		Binding:          binding,
		EstimatedLossUSD: est.LossUSD,
		PromptTokens:     usage.PromptTokens,
	}, est, true
}
