package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validBindings = `
upstreams:
  - name: anthropic
    provider: anthropic
    api_key: env:ANTHROPIC_API_KEY
  - name: zai
    provider: openai
    base_url: https://api.z.ai/api/coding/paas/v4
    api_key: secret:model-router/zai#api_key
  - name: bedrock-east
    provider: bedrock
    region: us-east-1
  - name: local
    provider: ollama
    base_url: http://ollama:11434
aliases:
  - alias: claude-sonnet-4-5
    primary:
      upstream: anthropic
      model: claude-sonnet-4-5-20250929
    failover:
      upstream: zai
      model: glm-4.7
      pricing:
        input_per_mtok: 0.6
        output_per_mtok: 2.2
  - alias: claude-haiku-4-5
    primary:
      upstream: bedrock-east
      model: anthropic.claude-haiku-4-5-20251001-v1:0
  - alias: claude-opus-4-1
    primary:
      upstream: anthropic
      model: claude-opus-4-1-20250805
    failover:
      upstream: local
      model: qwen3:32b
`

func TestParseBindings(t *testing.T) {
	b, err := ParseBindings([]byte(validBindings))
	if err != nil {
		t.Fatalf("ParseBindings() error = %v", err)
	}

	if len(b.Upstreams) != 4 || len(b.Aliases) != 3 {
		t.Fatalf("upstreams=%d aliases=%d", len(b.Upstreams), len(b.Aliases))
	}

	sonnet := b.Aliases[0]
	if sonnet.Failover == nil || sonnet.Failover.Model != "glm-4.7" {
		t.Fatalf("sonnet failover = %+v", sonnet.Failover)
	}
	if sonnet.Failover.Pricing == nil || sonnet.Failover.Pricing.InputPerMTok != 0.6 {
		t.Errorf("failover pricing = %+v", sonnet.Failover.Pricing)
	}
	if b.Aliases[1].Failover != nil {
		t.Error("haiku should have no failover binding")
	}

	u, ok := b.Upstream("zai")
	if !ok || u.Provider != ProviderOpenAI || u.APIKey != "secret:model-router/zai#api_key" {
		t.Errorf("Upstream(zai) = %+v, %v", u, ok)
	}
	if u, ok := b.Upstream("local"); !ok || u.Provider != ProviderOllama || u.APIKey != "" {
		t.Errorf("Upstream(local) = %+v, %v", u, ok)
	}
	if _, ok := b.Upstream("missing"); ok {
		t.Error("Upstream(missing) should not be found")
	}
}

func TestParseBindings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "not yaml",
			yaml:    "upstreams: [",
			wantErr: "parse bindings file",
		},
		{
			name:    "unknown field",
			yaml:    "upstreams: []\naliases: []\nretries: 3\n",
			wantErr: "parse bindings file",
		},
		{
			name:    "no aliases",
			yaml:    "upstreams:\n  - {name: a, provider: anthropic, api_key: k}\n",
			wantErr: "Aliases",
		},
		{
			name: "unsupported provider",
			yaml: `
upstreams:
  - {name: g, provider: gemini, api_key: k}
aliases:
  - {alias: x, primary: {upstream: g, model: m}}
`,
			wantErr: "oneof",
		},
		{
			name: "missing api key",
			yaml: `
upstreams:
  - {name: a, provider: anthropic}
aliases:
  - {alias: x, primary: {upstream: a, model: m}}
`,
			wantErr: "api_key is required for provider anthropic",
		},
		{
			name: "duplicate alias",
			yaml: `
upstreams:
  - {name: a, provider: anthropic, api_key: k}
aliases:
  - {alias: x, primary: {upstream: a, model: m}}
  - {alias: x, primary: {upstream: a, model: n}}
`,
			wantErr: "unique",
		},
		{
			name: "missing model",
			yaml: `
upstreams:
  - {name: a, provider: anthropic, api_key: k}
aliases:
  - {alias: x, primary: {upstream: a}}
`,
			wantErr: "Model",
		},
		{
			name: "undeclared failover upstream",
			yaml: `
upstreams:
  - {name: a, provider: anthropic, api_key: k}
aliases:
  - {alias: x, primary: {upstream: a, model: m}, failover: {upstream: zai, model: glm-4.7}}
`,
			wantErr: `failover upstream "zai" is not declared`,
		},
		{
			name: "negative pricing",
			yaml: `
upstreams:
  - {name: a, provider: anthropic, api_key: k}
aliases:
  - {alias: x, primary: {upstream: a, model: m, pricing: {input_per_mtok: -1}}}
`,
			wantErr: "InputPerMTok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBindings([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ParseBindings() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.yaml")
	if err := os.WriteFile(path, []byte(validBindings), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadBindings(path); err != nil {
		t.Errorf("LoadBindings() error = %v", err)
	}
	if _, err := LoadBindings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadBindings() should fail for a missing file")
	}
}
