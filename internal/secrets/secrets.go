// Package secrets fetches upstream credentials from AWS Secrets Manager
// and resolves the credential references used in the bindings file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore returns the string value of a named secret.
type SecretStore interface {
	Lookup(ctx context.Context, name string) (string, error)
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads AWSCURRENT secret strings. Several upstreams
// usually share one secret (one JSON document, one field per provider), so
// values are cached for a short TTL.
type AWSSecretsManager struct {
	client secretsManagerAPI
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	fetched map[string]fetchedSecret
}

type fetchedSecret struct {
	value string
	at    time.Time
}

type AWSOption func(*AWSSecretsManager)

// WithCacheTTL sets how long a fetched value is reused. Zero disables
// caching.
func WithCacheTTL(ttl time.Duration) AWSOption {
	return func(s *AWSSecretsManager) {
		s.ttl = ttl
	}
}

func NewAWSSecretsManager(ctx context.Context, region string, opts ...AWSOption) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg, opts...), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config, opts ...AWSOption) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg), opts...)
}

func newAWSSecretsManager(client secretsManagerAPI, opts ...AWSOption) *AWSSecretsManager {
	s := &AWSSecretsManager{
		client:  client,
		ttl:     5 * time.Minute,
		now:     time.Now,
		fetched: make(map[string]fetchedSecret),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AWSSecretsManager) Lookup(ctx context.Context, name string) (string, error) {
	if value, ok := s.cached(name); ok {
		return value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("lookup secret %s: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("lookup secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("lookup secret %s: binary secrets are not supported: %w", name, ErrSecretNotFound)
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.fetched[name] = fetchedSecret{value: *out.SecretString, at: s.now()}
		s.mu.Unlock()
	}

	return *out.SecretString, nil
}

func (s *AWSSecretsManager) cached(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fetched[name]
	if !ok {
		return "", false
	}
	if s.now().Sub(f.at) >= s.ttl {
		delete(s.fetched, name)
		return "", false
	}
	return f.value, true
}

// StaticStore serves secrets from a fixed map. Used in tests and for local
// runs without AWS.
type StaticStore map[string]string

func (s StaticStore) Lookup(ctx context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", fmt.Errorf("lookup secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}
