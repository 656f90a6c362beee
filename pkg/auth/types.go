package auth

import "time"

// User represents a local account unified across every sign-in channel
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	EmailVerified       bool       `json:"emailVerified"`
	DisplayName         string     `json:"displayName,omitempty"`
	AvatarURL           string     `json:"avatarUrl,omitempty"`
	PasskeySnoozedUntil *time.Time `json:"passkeySnoozedUntil,omitempty"`
	LastVerifiedAt      *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// PasskeySnoozed reports whether the passkey setup prompt is snoozed at now
func (u *User) PasskeySnoozed(now time.Time) bool {
	return u.PasskeySnoozedUntil != nil && u.PasskeySnoozedUntil.After(now)
}

// VerifiedWithin reports whether the user completed an OTP check within window
func (u *User) VerifiedWithin(window time.Duration, now time.Time) bool {
	if u.LastVerifiedAt == nil {
		return false
	}
	return now.Sub(*u.LastVerifiedAt) <= window
}

// Authenticator is a registered WebAuthn credential
type Authenticator struct {
	CredentialID    []byte     `json:"credentialId"`
	UserID          string     `json:"userId"`
	PublicKey       []byte     `json:"-"`
	AttestationType string     `json:"attestationType,omitempty"`
	AAGUID          []byte     `json:"aaguid,omitempty"`
	SignCount       uint32     `json:"signCount"`
	Flags           uint8      `json:"flags"`
	Transports      []string   `json:"transports,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
}

// Organization is a tenant a user may belong to
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role represents organization-level roles
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Membership joins a user to an organization
type Membership struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Session is the server-side record backing short-lived session tokens
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	OrganizationID *string   `json:"organizationId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	UserAgent      string    `json:"userAgent,omitempty"`
	IP             string    `json:"ip,omitempty"`
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ProviderKind identifies the family of channel that produced an identity
type ProviderKind string

const (
	KindOAuth2   ProviderKind = "oauth2"
	KindSAML     ProviderKind = "saml"
	KindWebAuthn ProviderKind = "webauthn"
	KindEmailOTP ProviderKind = "email-otp"
)

// ExternalIdentity is a verified identity produced by a provider adapter and
// consumed once by the identity resolver. Provider names the concrete
// adapter (google, microsoft, apple, a SAML domain).
type ExternalIdentity struct {
	Kind          ProviderKind
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
}

// OTPPurpose is the reason a one-time code was issued
type OTPPurpose string

const (
	PurposeSignup       OTPPurpose = "signup"
	PurposeLogin        OTPPurpose = "login"
	PurposeVerification OTPPurpose = "verification"
)

// Valid reports whether p is a known purpose
func (p OTPPurpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposeLogin, PurposeVerification:
		return true
	}
	return false
}

// VerifiesEmail reports whether completing this purpose marks the email verified
func (p OTPPurpose) VerifiesEmail() bool {
	return p == PurposeSignup || p == PurposeVerification
}

// OTPRecord is a pending one-time code. Token is derived from the code; the
// code itself is never stored.
type OTPRecord struct {
	Token        string     `json:"token"`
	UserID       string     `json:"userId"`
	Email        string     `json:"email"`
	Purpose      OTPPurpose `json:"purpose"`
	RedirectPath string     `json:"redirectPath"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	Attempts     int        `json:"attempts"`
}

// AuthContext holds the authenticated caller of a request
type AuthContext struct {
	User           *User
	SessionID      string
	OrganizationID *string
}
