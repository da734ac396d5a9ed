package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/felipepmaragno/model-router/internal/cost"
	"gopkg.in/yaml.v3"
)

// Provider kinds accepted in the bindings file.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
	ProviderOllama    = "ollama"
)

// keyless providers authenticate outside the bindings file.
var keyless = map[string]bool{
	ProviderBedrock: true,
	ProviderOllama:  true,
}

// Bindings is the parsed bindings file.
//
//	upstreams:
//	  - name: anthropic
//	    provider: anthropic
//	    api_key: env:ANTHROPIC_API_KEY
//	  - name: zai
//	    provider: openai
//	    base_url: https://api.z.ai/api/coding/paas/v4
//	    api_key: secret:model-router/zai#api_key
//	  - name: local
//	    provider: ollama
//	    base_url: http://ollama:11434
//	aliases:
//	  - alias: claude-sonnet-4-5
//	    primary: {upstream: anthropic, model: claude-sonnet-4-5-20250929}
//	    failover: {upstream: zai, model: glm-4.7}
type Bindings struct {
	Upstreams []Upstream `yaml:"upstreams" validate:"required,min=1,unique=Name,dive"`
	Aliases   []Alias    `yaml:"aliases" validate:"required,min=1,unique=Alias,dive"`
}

// Upstream is one provider endpoint with its credentials. APIKey holds a
// credential reference, resolved at startup; bedrock and ollama upstreams
// take none.
type Upstream struct {
	Name     string `yaml:"name" validate:"required"`
	Provider string `yaml:"provider" validate:"required,oneof=anthropic openai bedrock ollama"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string `yaml:"api_key"`
	Region   string `yaml:"region"`
}

type Alias struct {
	Alias    string  `yaml:"alias" validate:"required"`
	Primary  Target  `yaml:"primary"`
	Failover *Target `yaml:"failover" validate:"omitempty"`
}

// Target points an alias at a model on an upstream. Pricing overrides the
// built-in price table for this target only.
type Target struct {
	Upstream string        `yaml:"upstream" validate:"required"`
	Model    string        `yaml:"model" validate:"required"`
	Pricing  *cost.Pricing `yaml:"pricing" validate:"omitempty"`
}

// LoadBindings reads and validates the bindings file at path.
func LoadBindings(path string) (*Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bindings file: %w", err)
	}
	return ParseBindings(data)
}

func ParseBindings(data []byte) (*Bindings, error) {
	var b Bindings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse bindings file: %w", err)
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}

	return &b, nil
}

// Validate checks field constraints and that every target names a declared
// upstream.
func (b *Bindings) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid bindings: %w", err)
	}

	var errs []error

	upstreams := make(map[string]bool, len(b.Upstreams))
	for _, u := range b.Upstreams {
		upstreams[u.Name] = true
		if u.APIKey == "" && !keyless[u.Provider] {
			errs = append(errs, fmt.Errorf("upstream %s: api_key is required for provider %s", u.Name, u.Provider))
		}
	}

	for _, a := range b.Aliases {
		if !upstreams[a.Primary.Upstream] {
			errs = append(errs, fmt.Errorf("alias %s: primary upstream %q is not declared", a.Alias, a.Primary.Upstream))
		}
		if a.Failover != nil && !upstreams[a.Failover.Upstream] {
			errs = append(errs, fmt.Errorf("alias %s: failover upstream %q is not declared", a.Alias, a.Failover.Upstream))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid bindings: %w", errors.Join(errs...))
	}

	return nil
}

func (b *Bindings) Upstream(name string) (Upstream, bool) {
	for _, u := range b.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return Upstream{}, false
}
