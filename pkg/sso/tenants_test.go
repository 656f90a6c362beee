package sso

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantYAML(domains ...string) string {
	var b strings.Builder
	b.WriteString("tenants:\n")
	indented := "      " + strings.ReplaceAll(testCertificate, "\n", "\n      ")
	for _, d := range domains {
		b.WriteString("  - domain: " + d + "\n")
		b.WriteString("    idp_sso_url: https://idp." + d + "/sso\n")
		b.WriteString("    idp_issuer: https://idp." + d + "\n")
		b.WriteString("    email_attribute: mail\n")
		b.WriteString("    idp_certificate: |\n")
		b.WriteString(indented + "\n")
	}
	return b.String()
}

func writeTenants(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadTenants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeTenants(t, path, tenantYAML("acme.com", "Globex.COM"))

	reg, err := LoadTenants(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	acme, ok := reg.Get("acme.com")
	require.True(t, ok)
	assert.Equal(t, "https://idp.acme.com/sso", acme.SSOURL)
	assert.Equal(t, "mail", acme.EmailAttribute)
	assert.NotNil(t, acme.cert)

	_, ok = reg.Get("user@globex.com")
	assert.True(t, ok, "lookup by email and case-insensitive")
	_, ok = reg.Get("initech.com")
	assert.False(t, ok)
}

func TestLoadTenants_EmptyPath(t *testing.T) {
	reg, err := LoadTenants("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestLoadTenants_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":    "tenants: [",
		"no issuer":   "tenants:\n  - domain: a.com\n    idp_sso_url: https://x\n",
		"bad cert":    "tenants:\n  - domain: a.com\n    idp_sso_url: https://x\n    idp_issuer: x\n    idp_certificate: nope\n",
		"duplicate":   tenantYAML("a.com", "A.com"),
		"no domain":   "tenants:\n  - idp_sso_url: https://x\n",
		"unreadable":  "",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			if name != "unreadable" {
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			}
			_, err := LoadTenants(path, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestTenantRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeTenants(t, path, tenantYAML("acme.com"))
	reg, err := LoadTenants(path, testLogger())
	require.NoError(t, err)

	writeTenants(t, path, "tenants: [")
	assert.Error(t, reg.Reload())
	_, ok := reg.Get("acme.com")
	assert.True(t, ok)
}

func TestTenantRegistry_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeTenants(t, path, tenantYAML("acme.com"))
	reg, err := LoadTenants(path, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	writeTenants(t, path, tenantYAML("acme.com", "globex.com"))

	assert.Eventually(t, func() bool {
		_, ok := reg.Get("globex.com")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestNewTenantRegistry_Validates(t *testing.T) {
	bad := acmeTenant()
	bad.Certificate = ""
	_, err := NewTenantRegistry(testLogger(), bad)
	assert.Error(t, err)
}
