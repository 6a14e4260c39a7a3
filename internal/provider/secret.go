package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// SecretResolver dereferences a credential's opaque secret reference at call
// time. The resolved value is attached to a single request and never stored
// or logged.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvResolver resolves references of the form "env:VAR_NAME".
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("unsupported secret ref scheme: %q", redactRef(ref))
	}
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("secret env %s is empty", name)
	}
	return v, nil
}

// FileResolver resolves references of the form "file:/path/to/secret".
type FileResolver struct{}

func (FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	path, ok := strings.CutPrefix(ref, "file:")
	if !ok {
		return "", fmt.Errorf("unsupported secret ref scheme: %q", redactRef(ref))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// OAuthResolver resolves references of the form "oauth:<name>" against
// registered token sources, refreshing transparently via oauth2.
type OAuthResolver struct {
	mu      sync.RWMutex
	sources map[string]oauth2.TokenSource
}

func NewOAuthResolver() *OAuthResolver {
	return &OAuthResolver{sources: make(map[string]oauth2.TokenSource)}
}

// Register binds a named token source. Typically wired from the consuming
// pipeline's OAuth setup at startup.
func (r *OAuthResolver) Register(name string, src oauth2.TokenSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

func (r *OAuthResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "oauth:")
	if !ok {
		return "", fmt.Errorf("unsupported secret ref scheme: %q", redactRef(ref))
	}
	r.mu.RLock()
	src := r.sources[name]
	r.mu.RUnlock()
	if src == nil {
		return "", fmt.Errorf("no token source registered for %q", name)
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("token refresh for %q: %w", name, err)
	}
	return tok.AccessToken, nil
}

// ChainResolver tries each resolver in order until one recognizes the scheme.
type ChainResolver []SecretResolver

func (c ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	var lastErr error
	for _, r := range c {
		v, err := r.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver for secret ref %q", redactRef(ref))
	}
	return "", lastErr
}

// DefaultResolver handles env: and file: references.
func DefaultResolver() SecretResolver {
	return ChainResolver{EnvResolver{}, FileResolver{}}
}

// redactRef keeps only the scheme so error messages cannot leak a secret that
// was mistakenly placed in the reference itself.
func redactRef(ref string) string {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i+1] + "..."
	}
	return "..."
}
