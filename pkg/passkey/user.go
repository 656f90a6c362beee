package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/platinummonkey/authgate/pkg/auth"
)

// Stored flag bits, matching the authenticator data layout
const (
	flagUserPresent    uint8 = 1 << 0
	flagUserVerified   uint8 = 1 << 2
	flagBackupEligible uint8 = 1 << 3
	flagBackupState    uint8 = 1 << 4
)

// webauthnUser adapts a local user and its credentials to webauthn.User
type webauthnUser struct {
	user        *auth.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string { return u.user.Email }

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return auth.LocalPart(u.user.Email)
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (u *webauthnUser) descriptors() []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(u.credentials))
	for _, c := range u.credentials {
		out = append(out, c.Descriptor())
	}
	return out
}

func newWebauthnUser(user *auth.User, stored []*auth.Authenticator) *webauthnUser {
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, a := range stored {
		creds = append(creds, toCredential(a))
	}
	return &webauthnUser{user: user, credentials: creds}
}

func toCredential(a *auth.Authenticator) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(a.Transports))
	for _, t := range a.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              a.CredentialID,
		PublicKey:       a.PublicKey,
		AttestationType: a.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    a.Flags&flagUserPresent != 0,
			UserVerified:   a.Flags&flagUserVerified != 0,
			BackupEligible: a.Flags&flagBackupEligible != 0,
			BackupState:    a.Flags&flagBackupState != 0,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    a.AAGUID,
			SignCount: a.SignCount,
		},
	}
}

// fromCredential converts a freshly registered credential. The counter
// always starts at zero.
func fromCredential(userID string, c *webauthn.Credential) *auth.Authenticator {
	var flags uint8
	if c.Flags.UserPresent {
		flags |= flagUserPresent
	}
	if c.Flags.UserVerified {
		flags |= flagUserVerified
	}
	if c.Flags.BackupEligible {
		flags |= flagBackupEligible
	}
	if c.Flags.BackupState {
		flags |= flagBackupState
	}

	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}

	return &auth.Authenticator{
		CredentialID:    c.ID,
		UserID:          userID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       0,
		Flags:           flags,
		Transports:      transports,
	}
}
