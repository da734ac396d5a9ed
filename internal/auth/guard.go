// Package auth guards the admin API with bearer tokens checked against
// bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-router/internal/crypto"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidHash  = errors.New("invalid token hash")
)

// Guard accepts a request when its bearer token matches any configured
// hash. Several hashes allow a token to be rotated without downtime.
type Guard struct {
	hashes [][]byte
}

// NewGuard parses a comma separated list of bcrypt hashes. An empty list
// yields a disabled guard that lets every request through.
func NewGuard(hashList string) (*Guard, error) {
	g := &Guard{}
	for _, h := range strings.Split(hashList, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidHash, err)
		}
		g.hashes = append(g.hashes, []byte(h))
	}
	return g, nil
}

func (g *Guard) Enabled() bool {
	return len(g.hashes) > 0
}

// Verify checks token against the configured hashes.
func (g *Guard) Verify(token string) error {
	if !g.Enabled() {
		return nil
	}
	if token == "" {
		return ErrUnauthorized
	}
	for _, h := range g.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// Require wraps next so that only requests carrying a valid bearer token
// reach it. The operator fingerprint is stored in the request context.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractBearerToken(r)
		if err := g.Verify(token); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}

		ctx := WithOperator(r.Context(), crypto.Fingerprint(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HashToken produces a value suitable for ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

type contextKey string

const operatorContextKey contextKey = "admin_operator"

func WithOperator(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, operatorContextKey, fingerprint)
}

// OperatorFromContext returns the fingerprint of the admin token used for
// the request, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorContextKey).(string)
	return op, ok
}

func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
