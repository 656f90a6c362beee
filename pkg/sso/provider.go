package sso

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/platinummonkey/authgate/pkg/auth"
)

// Provider is a browser-redirect identity channel.
//
// Begin sets whatever anti-forgery cookies the flow needs on w and returns
// the IdP URL to redirect to. Complete validates the callback request and
// returns a verified identity or a typed autherr failure. Neither writes a
// response body.
type Provider interface {
	Name() string
	Kind() auth.ProviderKind
	Begin(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error)
	Complete(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.ExternalIdentity, error)
}

// Registry maps route names to providers
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
