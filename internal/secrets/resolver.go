package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/felipepmaragno/model-router/internal/crypto"
)

// Credential reference prefixes accepted in the bindings file.
const (
	PrefixEnv    = "env:"
	PrefixSecret = "secret:"
)

var ErrUnresolved = errors.New("credential reference cannot be resolved")

// Resolver turns a credential reference into the credential itself.
//
//	env:NAME            environment variable NAME
//	secret:NAME         secret string NAME from the secret store
//	secret:NAME#field   field of a JSON secret
//	enc:BASE64          value sealed with crypto.Encryptor
//	anything else       used literally
type Resolver struct {
	store     SecretStore
	encryptor *crypto.Encryptor
	lookupEnv func(string) (string, bool)
}

// NewResolver builds a resolver. store and encryptor may be nil, in which
// case secret: and enc: references fail to resolve.
func NewResolver(store SecretStore, encryptor *crypto.Encryptor) *Resolver {
	return &Resolver{
		store:     store,
		encryptor: encryptor,
		lookupEnv: os.LookupEnv,
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, PrefixEnv):
		name := strings.TrimPrefix(ref, PrefixEnv)
		value, ok := r.lookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrUnresolved, name)
		}
		return value, nil

	case strings.HasPrefix(ref, PrefixSecret):
		if r.store == nil {
			return "", fmt.Errorf("%w: no secret store configured for %s", ErrUnresolved, ref)
		}
		name, field, hasField := strings.Cut(strings.TrimPrefix(ref, PrefixSecret), "#")
		value, err := r.store.Lookup(ctx, name)
		if err != nil || !hasField {
			return value, err
		}
		return jsonField(name, value, field)

	case crypto.IsSealed(ref):
		if r.encryptor == nil {
			return "", fmt.Errorf("%w: ENCRYPTION_KEY is required for sealed values", ErrUnresolved)
		}
		value, err := r.encryptor.Open(ref)
		if err != nil {
			return "", fmt.Errorf("open sealed credential: %w", err)
		}
		return value, nil

	default:
		return ref, nil
	}
}

func jsonField(name, doc, field string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %s is not a JSON object: %v", ErrUnresolved, name, err)
	}

	switch v := fields[field].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("%w: secret %s has no field %s", ErrUnresolved, name, field)
	default:
		return "", fmt.Errorf("%w: secret %s field %s is not a string", ErrUnresolved, name, field)
	}
}
