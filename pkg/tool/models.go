package tool

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// AuthMethod selects how a platform's id_tokens are verified.
type AuthMethod string

const (
	AuthMethodRSAKey AuthMethod = "RSA_KEY" // Key is a PEM public key
	AuthMethodJWK    AuthMethod = "JWK_KEY" // Key is a single JWK (JSON)
	AuthMethodJWKSet AuthMethod = "JWK_SET" // Key is a remote JWKS URL
)

// AuthConfig is the platform's declared key source. Use one of the
// constructors; the validator dispatches on Method.
type AuthConfig struct {
	Method AuthMethod
	Key    string
}

func RSAKeyAuth(pem string) AuthConfig  { return AuthConfig{Method: AuthMethodRSAKey, Key: pem} }
func JWKAuth(jwkJSON string) AuthConfig { return AuthConfig{Method: AuthMethodJWK, Key: jwkJSON} }
func JWKSetAuth(url string) AuthConfig  { return AuthConfig{Method: AuthMethodJWKSet, Key: url} }

func (a AuthConfig) valid() bool {
	switch a.Method {
	case AuthMethodRSAKey, AuthMethodJWK, AuthMethodJWKSet:
		return strings.TrimSpace(a.Key) != ""
	}
	return false
}

// Platform is the trust anchor for one issuer.
type Platform struct {
	Name          string
	Issuer        string // unique; the id_token iss value
	ClientID      string
	AuthEndpoint  string // OIDC authorize URL
	TokenEndpoint string // OAuth2 access token URL
	KID           string // the tool key pair used when talking to this platform
	AuthConfig    AuthConfig
}

// KeyPair is one of the tool's own signing key pairs. The private half is
// stored only in sealed form (see KeyRing).
type KeyPair struct {
	KID           string
	PublicPEM     string
	PrivateSealed []byte
}

// UserInfo mirrors the OIDC profile claims carried in a launch.
type UserInfo struct {
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
}

// IDToken is the durable record of the most recent validated launch for a
// (issuer, deployment, user) tuple.
type IDToken struct {
	Issuer       string         `json:"iss"`
	User         string         `json:"user"`
	Roles        []string       `json:"roles,omitempty"`
	UserInfo     UserInfo       `json:"userInfo"`
	PlatformInfo map[string]any `json:"platformInfo,omitempty"`
	DeploymentID string         `json:"deploymentId"`
	LIS          map[string]any `json:"lis,omitempty"`
	Endpoint     map[string]any `json:"endpoint,omitempty"`   // AGS claim
	NamesRoles   map[string]any `json:"namesRoles,omitempty"` // NRPS claim
}

// ContextToken is the context/resource state of the last launch into a
// context, keyed by (ContextID, User).
type ContextToken struct {
	ContextID           string         `json:"contextId"`
	Path                string         `json:"path"`
	User                string         `json:"user"`
	TargetLinkURI       string         `json:"targetLinkUri"`
	Context             map[string]any `json:"context,omitempty"`
	Resource            map[string]any `json:"resource,omitempty"`
	Custom              map[string]any `json:"custom,omitempty"`
	LaunchPresentation  map[string]any `json:"launchPresentation,omitempty"`
	MessageType         string         `json:"messageType"`
	Version             string         `json:"version"`
	DeepLinkingSettings map[string]any `json:"deepLinkingSettings,omitempty"`
}

// Message types dispatched to callbacks.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"
)

// absentPart stands in for a course or resource id the launch did not carry.
const absentPart = "NF"

// ContextIDFor derives the ContextToken key for a launch. Course and resource
// ids default to "NF" when the platform sent none, so launches outside a
// course still key consistently.
func ContextIDFor(issuer, deploymentID, courseID, resourceID string) string {
	if courseID == "" {
		courseID = absentPart
	}
	if resourceID == "" {
		resourceID = absentPart
	}
	return url.QueryEscape(issuer + deploymentID + courseID + "_" + resourceID)
}

// PlatformCodeFor derives the session cookie name for a deployment. The name
// encodes the deployment so one browser can hold sessions on several
// platforms at once.
func PlatformCodeFor(issuer, deploymentID string) string {
	return url.QueryEscape("lti" + base64.StdEncoding.EncodeToString([]byte(issuer+deploymentID)))
}
