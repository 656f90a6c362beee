package sso

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/authgate/pkg/observability"
)

// Tenant is one organization's SAML identity provider
type Tenant struct {
	Domain         string `yaml:"domain"`
	SSOURL         string `yaml:"idp_sso_url"`
	IdPIssuer      string `yaml:"idp_issuer"`
	Certificate    string `yaml:"idp_certificate"`
	EmailAttribute string `yaml:"email_attribute"`
	NameAttribute  string `yaml:"name_attribute"`

	cert *x509.Certificate
}

type tenantFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

func (t *Tenant) validate() error {
	if t.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if t.SSOURL == "" {
		return fmt.Errorf("%s: idp_sso_url is required", t.Domain)
	}
	if t.IdPIssuer == "" {
		return fmt.Errorf("%s: idp_issuer is required", t.Domain)
	}
	block, _ := pem.Decode([]byte(t.Certificate))
	if block == nil {
		return fmt.Errorf("%s: invalid certificate PEM format", t.Domain)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%s: invalid certificate: %w", t.Domain, err)
	}
	t.cert = cert
	return nil
}

// TenantRegistry resolves email domains to SAML tenants. A registry loaded
// from a file can follow changes to it with Watch.
type TenantRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	path    string
	logger  *observability.Logger
}

// NewTenantRegistry creates a registry from in-memory tenants
func NewTenantRegistry(logger *observability.Logger, tenants ...Tenant) (*TenantRegistry, error) {
	r := &TenantRegistry{logger: logger}
	m, err := index(tenants)
	if err != nil {
		return nil, err
	}
	r.tenants = m
	return r, nil
}

// LoadTenants reads a YAML tenant file. A missing path yields an empty
// registry.
func LoadTenants(path string, logger *observability.Logger) (*TenantRegistry, error) {
	r := &TenantRegistry{path: path, logger: logger, tenants: map[string]*Tenant{}}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the tenant file. On error the previous tenants stay in
// effect.
func (r *TenantRegistry) Reload() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read tenant file: %w", err)
	}
	var f tenantFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse tenant file: %w", err)
	}
	m, err := index(f.Tenants)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tenants = m
	r.mu.Unlock()
	r.logger.WithField("tenants", len(m)).Info("loaded SAML tenants")
	return nil
}

func index(tenants []Tenant) (map[string]*Tenant, error) {
	m := make(map[string]*Tenant, len(tenants))
	for i := range tenants {
		t := tenants[i]
		t.Domain = normalizeDomain(t.Domain)
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("invalid SAML tenant: %w", err)
		}
		if _, dup := m[t.Domain]; dup {
			return nil, fmt.Errorf("duplicate SAML tenant: %s", t.Domain)
		}
		m[t.Domain] = &t
	}
	return m, nil
}

func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	return d
}

// Get looks up a tenant by domain or by an email address in it
func (r *TenantRegistry) Get(domain string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[normalizeDomain(domain)]
	return t, ok
}

// Len returns the number of tenants
func (r *TenantRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// Watch reloads the tenant file whenever it changes, until ctx is done.
// The containing directory is watched so editors that replace the file are
// picked up too.
func (r *TenantRegistry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Warn("failed to reload SAML tenants")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("tenant watcher error")
		}
	}
}
