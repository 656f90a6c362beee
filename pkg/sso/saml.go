package sso

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/state"
)

// SAML paths, relative to the base URL
const (
	SAMLACSPath      = "/auth/saml"
	SAMLMetadataPath = "/auth/saml/metadata"
)

const (
	emailNameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	metadataValidity  = 7 * 24 * time.Hour
)

// Attribute names searched for the email when a tenant does not name one
var emailAttributes = []string{
	"email",
	"mail",
	"emailaddress",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	"urn:oid:0.9.2342.19200300.100.1.3",
}

var nameAttributes = []string{
	"displayName",
	"http://schemas.microsoft.com/identity/claims/displayname",
	"urn:oid:2.16.840.1.113730.3.1.241",
}

// SAMLProvider implements SP-initiated SAML 2.0 SSO over the POST binding
// for any number of tenants
type SAMLProvider struct {
	tenants *TenantRegistry
	states  *state.Manager
	logger  *observability.Logger
	baseURL string
	clock   *dsig.Clock
}

// SAMLOption configures a SAMLProvider
type SAMLOption func(*SAMLProvider)

// WithSAMLClock sets the clock used for assertion time checks
func WithSAMLClock(clock *dsig.Clock) SAMLOption {
	return func(p *SAMLProvider) {
		p.clock = clock
	}
}

// NewSAMLProvider creates the SAML adapter
func NewSAMLProvider(tenants *TenantRegistry, states *state.Manager, baseURL string, logger *observability.Logger, opts ...SAMLOption) *SAMLProvider {
	p := &SAMLProvider{
		tenants: tenants,
		states:  states,
		logger:  logger.WithField("provider", ProviderSAML),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the route name
func (p *SAMLProvider) Name() string { return ProviderSAML }

// Kind returns auth.KindSAML
func (p *SAMLProvider) Kind() auth.ProviderKind { return auth.KindSAML }

func (p *SAMLProvider) serviceProvider(t *Tenant) *saml2.SAMLServiceProvider {
	return &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      t.SSOURL,
		IdentityProviderIssuer:      t.IdPIssuer,
		ServiceProviderIssuer:       p.baseURL + SAMLMetadataPath,
		AssertionConsumerServiceURL: p.baseURL + SAMLACSPath,
		AudienceURI:                 p.baseURL + SAMLMetadataPath,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{t.cert},
		},
		Clock: p.clock,
	}
}

// Begin reads the domain query parameter, see BeginDomain
func (p *SAMLProvider) Begin(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	return p.BeginDomain(ctx, w, r.URL.Query().Get("domain"))
}

// BeginDomain builds an AuthnRequest for the tenant owning domain, binds its
// ID as single-use state and sets the request id and domain cookies. No
// cookie is set when the domain is missing or unknown.
func (p *SAMLProvider) BeginDomain(ctx context.Context, w http.ResponseWriter, domain string) (string, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return "", autherr.New(autherr.KindValidation, "Domain is required")
	}
	tenant, ok := p.tenants.Get(domain)
	if !ok {
		return "", autherr.New(autherr.KindNotFound, "SAML is not configured for this domain")
	}

	sp := p.serviceProvider(tenant)
	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "build authn request")
	}
	requestID := doc.Root().SelectAttrValue("ID", "")
	if requestID == "" {
		return "", autherr.New(autherr.KindInternal, "authn request has no ID")
	}
	redirectURL, err := sp.BuildAuthURLFromDocument("", doc)
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "build authn request URL")
	}

	if err := p.states.Bind(ctx, requestID, state.Context{"domain": tenant.Domain}); err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "bind authn request")
	}
	p.states.SetCookie(w, SAMLRequestIDCookie, requestID)
	p.states.SetCookie(w, SAMLDomainCookie, tenant.Domain)
	return redirectURL, nil
}

// IsCallback reports whether r carries a SAML response
func (p *SAMLProvider) IsCallback(r *http.Request) bool {
	return r.Method == http.MethodPost && r.FormValue("SAMLResponse") != ""
}

// Complete validates a POSTed SAMLResponse against the pending request
func (p *SAMLProvider) Complete(ctx context.Context, w http.ResponseWriter, r *http.Request) (*auth.ExternalIdentity, error) {
	requestID := cookieValue(r, SAMLRequestIDCookie)
	domain := cookieValue(r, SAMLDomainCookie)
	p.states.ClearCookie(w, SAMLRequestIDCookie)
	p.states.ClearCookie(w, SAMLDomainCookie)
	if requestID == "" || domain == "" {
		return nil, autherr.ErrInvalidState
	}

	encoded := r.FormValue("SAMLResponse")
	answered := inResponseTo(encoded)
	if answered == "" {
		// Consume still takes the pending record so the request id is spent.
		answered = "-"
	}
	sc, err := p.states.Consume(ctx, answered, requestID)
	if err != nil {
		return nil, err
	}
	if sc["domain"] != normalizeDomain(domain) {
		return nil, autherr.ErrInvalidState
	}

	tenant, ok := p.tenants.Get(domain)
	if !ok {
		return nil, autherr.New(autherr.KindNotFound, "SAML is not configured for this domain")
	}
	logger := p.logger.WithField("domain", tenant.Domain)

	info, err := p.serviceProvider(tenant).RetrieveAssertionInfo(encoded)
	if err != nil {
		logger.WithError(err).Warn("SAML response rejected")
		return nil, autherr.Wrap(err, autherr.KindInvalidCredential, "Invalid SAML response")
	}
	if warn := info.WarningInfo; warn != nil && (warn.InvalidTime || warn.NotInAudience) {
		logger.WithFields(map[string]interface{}{
			"invalid_time":    warn.InvalidTime,
			"not_in_audience": warn.NotInAudience,
		}).Warn("SAML assertion failed conditions")
		return nil, autherr.New(autherr.KindInvalidCredential, "Invalid SAML response")
	}
	if info.NameID == "" {
		return nil, autherr.New(autherr.KindInvalidCredential, "Invalid SAML response")
	}
	// The outer InResponseTo is unsigned; only the signed subject
	// confirmation binds an assertion to this request.
	if !confirmsRequest(info.Assertions, requestID) {
		logger.Warn("SAML assertion does not answer the pending request")
		return nil, autherr.ErrInvalidState
	}

	email := firstValue(info.Values, tenant.EmailAttribute, emailAttributes)
	if email == "" {
		return nil, autherr.ErrMissingEmail
	}

	return &auth.ExternalIdentity{
		Kind:          auth.KindSAML,
		Provider:      ProviderSAML,
		Subject:       info.NameID,
		Email:         email,
		EmailVerified: true,
		DisplayName:   firstValue(info.Values, tenant.NameAttribute, nameAttributes),
	}, nil
}

// Metadata returns the SP metadata document for a tenant
func (p *SAMLProvider) Metadata(domain string) ([]byte, error) {
	tenant, ok := p.tenants.Get(domain)
	if !ok {
		return nil, autherr.New(autherr.KindNotFound, "SAML is not configured for this domain")
	}
	sp := p.serviceProvider(tenant)
	md := &types.EntityDescriptor{
		ValidUntil: sp.Clock.Now().UTC().Add(metadataValidity),
		EntityID:   sp.ServiceProviderIssuer,
		SPSSODescriptor: &types.SPSSODescriptor{
			WantAssertionsSigned:       true,
			ProtocolSupportEnumeration: saml2.SAMLProtocolNamespace,
			NameIDFormats:              []string{emailNameIDFormat},
			AssertionConsumerServices: []types.IndexedEndpoint{{
				Binding:  saml2.BindingHttpPost,
				Location: sp.AssertionConsumerServiceURL,
				Index:    1,
			}},
		},
	}
	out, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "encode metadata")
	}
	return append([]byte(xml.Header), out...), nil
}

// confirmsRequest reports whether every assertion's signed subject
// confirmation answers requestID
func confirmsRequest(assertions []types.Assertion, requestID string) bool {
	if len(assertions) == 0 {
		return false
	}
	for _, a := range assertions {
		if a.Subject == nil || a.Subject.SubjectConfirmation == nil {
			return false
		}
		data := a.Subject.SubjectConfirmation.SubjectConfirmationData
		if data == nil || data.InResponseTo != requestID {
			return false
		}
	}
	return true
}

// inResponseTo extracts the request id a response answers, or ""
func inResponseTo(encoded string) string {
	if encoded == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		return ""
	}
	return doc.Root().SelectAttrValue("InResponseTo", "")
}

func firstValue(values saml2.Values, preferred string, fallbacks []string) string {
	if preferred != "" {
		if v := strings.TrimSpace(values.Get(preferred)); v != "" {
			return v
		}
	}
	for _, name := range fallbacks {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
