// ABOUTME: Ceremony abstraction over WebAuthn signature verification and its go-webauthn implementation
// ABOUTME: Derives relying-party identity from the configured origin and parses browser responses

package authority

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Assertion is the verified outcome of an authentication ceremony.
type Assertion struct {
	CredentialID []byte
	SignCount    uint32
	Flags        webauthn.CredentialFlags
}

// Ceremony performs the cryptographic half of registration and
// authentication. Options are returned as JSON-ready values for the browser.
type Ceremony interface {
	BeginRegistration(user webauthn.User) (options any, session *webauthn.SessionData, err error)
	FinishRegistration(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User) (options any, session *webauthn.SessionData, err error)
	FinishLogin(user webauthn.User, session webauthn.SessionData, body []byte) (*Assertion, error)
}

// WebAuthnCeremony implements Ceremony with go-webauthn.
type WebAuthnCeremony struct {
	w *webauthn.WebAuthn
}

// NewWebAuthnCeremony configures the relying party for origin, for example
// "https://vault.localhost:8091". The relying-party id is the origin's host.
func NewWebAuthnCeremony(origin string) (*WebAuthnCeremony, error) {
	rpID, rpOrigins, err := deriveRelyingParty(origin)
	if err != nil {
		return nil, err
	}
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "coven-vault",
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &WebAuthnCeremony{w: w}, nil
}

// deriveRelyingParty extracts the rpID and allowed origins from origin.
func deriveRelyingParty(origin string) (rpID string, rpOrigins []string, err error) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" || parsed.Hostname() == "" {
		return "", nil, fmt.Errorf("invalid approval origin %q", origin)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", nil, fmt.Errorf("approval origin %q must be http or https", origin)
	}
	return parsed.Hostname(), []string{parsed.Scheme + "://" + parsed.Host}, nil
}

func (c *WebAuthnCeremony) BeginRegistration(user webauthn.User) (any, *webauthn.SessionData, error) {
	var exclusions []protocol.CredentialDescriptor
	for _, cred := range user.WebAuthnCredentials() {
		exclusions = append(exclusions, cred.Descriptor())
	}
	return c.w.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
		}),
	)
}

func (c *WebAuthnCeremony) FinishRegistration(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	return c.w.CreateCredential(user, session, parsed)
}

func (c *WebAuthnCeremony) BeginLogin(user webauthn.User) (any, *webauthn.SessionData, error) {
	return c.w.BeginLogin(user, webauthn.WithUserVerification(protocol.VerificationPreferred))
}

func (c *WebAuthnCeremony) FinishLogin(user webauthn.User, session webauthn.SessionData, body []byte) (*Assertion, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing authentication response: %w", err)
	}
	cred, err := c.w.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, err
	}
	// Report the counter the authenticator signed rather than the library's
	// clamped value, so the strict monotonic check sees what was presented.
	return &Assertion{
		CredentialID: cred.ID,
		SignCount:    parsed.Response.AuthenticatorData.Counter,
		Flags:        cred.Flags,
	}, nil
}
