package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/felipepmaragno/model-router/internal/crypto"
)

func TestResolver_Resolve(t *testing.T) {
	store := StaticStore{
		"anthropic": "sk-ant-secret",
		"providers": `{"openai": "sk-openai", "retries": 3}`,
	}

	enc, err := crypto.NewEncryptor("test-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	sealed, _ := enc.Seal("sk-sealed")

	r := NewResolver(store, enc)
	r.lookupEnv = func(name string) (string, bool) {
		if name == "OPENAI_API_KEY" {
			return "sk-from-env", true
		}
		return "", false
	}

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr error
	}{
		{"literal", "sk-literal", "sk-literal", nil},
		{"empty literal", "", "", nil},
		{"env", "env:OPENAI_API_KEY", "sk-from-env", nil},
		{"env missing", "env:MISSING", "", ErrUnresolved},
		{"secret", "secret:anthropic", "sk-ant-secret", nil},
		{"secret missing", "secret:nope", "", ErrSecretNotFound},
		{"secret field", "secret:providers#openai", "sk-openai", nil},
		{"secret field missing", "secret:providers#gemini", "", ErrUnresolved},
		{"secret field not a string", "secret:providers#retries", "", ErrUnresolved},
		{"secret field of plain secret", "secret:anthropic#key", "", ErrUnresolved},
		{"sealed", sealed, "sk-sealed", nil},
		{"sealed garbage", "enc:AAAA", "", crypto.ErrInvalidCiphertext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_MissingBackends(t *testing.T) {
	r := NewResolver(nil, nil)

	for _, ref := range []string{"secret:anthropic", "enc:AAAA"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrUnresolved) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnresolved", ref, err)
		}
	}
}
