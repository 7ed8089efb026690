package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

/*
TokenValidator verifies inbound id_tokens.

Verification keys come from the platform's declared AuthConfig: a raw PEM
public key, a single JWK, or a remote JWKS URL. Remote keysets are fetched
through keyfunc, which caches and refreshes them per URL, so repeated
launches do not hammer the platform.

Claim rules beyond the signature follow LTI 1.3: audience and azp must match
the registered client id, the token must be fresh (exp/nbf/iat plus the
configurable max age), the nonce must be present and unseen, and the required
LTI launch claims must be populated.
*/

// Standard LTI claim URIs.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimLIS                = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimAGSEndpoint        = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS               = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDeepLinking        = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

// LaunchClaims are the claims of an LTI 1.3 id_token, keyed by the IMS claim
// URIs.
type LaunchClaims struct {
	jwt.RegisteredClaims

	Nonce string `json:"nonce,omitempty"`
	AZP   string `json:"azp,omitempty"`

	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`

	MessageType        string         `json:"https://purl.imsglobal.org/spec/lti/claim/message_type,omitempty"`
	Version            string         `json:"https://purl.imsglobal.org/spec/lti/claim/version,omitempty"`
	DeploymentID       string         `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id,omitempty"`
	TargetLinkURI      string         `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	ResourceLink       map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	Roles              []string       `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	Context            map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	Custom             map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	LaunchPresentation map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/launch_presentation,omitempty"`
	LIS                map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/lis,omitempty"`
	ToolPlatform       map[string]any `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`

	AGSEndpoint         map[string]any `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
	NamesRoles          map[string]any `json:"https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice,omitempty"`
	DeepLinkingSettings map[string]any `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`
}

// ContextID returns the context (course) id if present.
func (c *LaunchClaims) ContextID() string {
	if c.Context == nil {
		return ""
	}
	id, _ := c.Context["id"].(string)
	return id
}

// ResourceLinkID returns the resource link id if present.
func (c *LaunchClaims) ResourceLinkID() string {
	if c.ResourceLink == nil {
		return ""
	}
	id, _ := c.ResourceLink["id"].(string)
	return id
}

// TokenValidator verifies id_tokens against the platform registry.
type TokenValidator struct {
	Platforms PlatformStore
	Replay    ReplayProtector

	// DevMode lets Validate resolve the platform from the payload issuer
	// when the caller has no state cookie to bind against.
	DevMode bool

	// TokenMaxAge bounds now-iat. Zero means the 10 s default; negative
	// disables the check.
	TokenMaxAge time.Duration

	// Clock override for tests.
	Now func() time.Time

	mu       sync.Mutex
	keyfuncs map[string]keyfunc.Keyfunc // JWKS URL -> cached fetcher
}

var rsaMethods = []string{"RS256", "RS384", "RS512"}

// Validate decodes and verifies a compact id_token. expectedIssuer is the
// value of the state cookie; it may be empty only in dev mode, in which case
// the platform is resolved from the payload issuer instead.
func (v *TokenValidator) Validate(ctx context.Context, raw, expectedIssuer string) (*LaunchClaims, Platform, error) {
	// Decode without trusting the signature to learn kid and issuer.
	unverified := &LaunchClaims{}
	header, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return nil, Platform{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := header.Header["kid"].(string)
	if kid == "" {
		return nil, Platform{}, fmt.Errorf("%w: no kid in header", ErrMalformedToken)
	}

	iss := unverified.Issuer
	if expectedIssuer == "" {
		if !v.DevMode {
			return nil, Platform{}, fmt.Errorf("%w: no expected issuer", ErrIssuerMismatch)
		}
	} else if iss != expectedIssuer {
		return nil, Platform{}, fmt.Errorf("%w: token iss %q, state cookie %q", ErrIssuerMismatch, iss, expectedIssuer)
	}

	platform, err := v.Platforms.PlatformByIssuer(ctx, iss)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil, Platform{}, fmt.Errorf("%w: %s", ErrUnregisteredPlatform, iss)
		}
		return nil, Platform{}, err
	}

	keyFn, err := v.keyFunc(platform.AuthConfig)
	if err != nil {
		return nil, Platform{}, err
	}

	claims := &LaunchClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(rsaMethods),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(platform.ClientID),
	)
	if _, err := parser.ParseWithClaims(raw, claims, keyFn); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, Platform{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, Platform{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		case errors.Is(err, jwt.ErrTokenUnverifiable) && platform.AuthConfig.Method == AuthMethodJWKSet:
			return nil, Platform{}, fmt.Errorf("%w: %v", ErrUnknownKeyID, err)
		default:
			return nil, Platform{}, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
	}

	if err := v.checkClaims(claims, platform); err != nil {
		return nil, Platform{}, err
	}
	return claims, platform, nil
}

func (v *TokenValidator) checkClaims(c *LaunchClaims, platform Platform) error {
	now := v.now()

	if c.AZP != "" && c.AZP != platform.ClientID {
		return fmt.Errorf("%w: azp %q does not match client id", ErrInvalidClaims, c.AZP)
	}
	if maxAge := v.maxAge(); maxAge > 0 {
		if c.IssuedAt == nil {
			return fmt.Errorf("%w: iat required", ErrInvalidClaims)
		}
		if now.Sub(c.IssuedAt.Time) > maxAge {
			return fmt.Errorf("%w: token older than %s", ErrInvalidClaims, maxAge)
		}
	}

	if c.Nonce == "" {
		return fmt.Errorf("%w: nonce required", ErrInvalidClaims)
	}
	if v.Replay != nil {
		fresh, err := v.Replay.Use("nonce", c.Issuer+"|"+c.Nonce, v.nonceTTL())
		if err != nil {
			return err
		}
		if !fresh {
			return fmt.Errorf("%w: nonce replayed", ErrInvalidClaims)
		}
	}

	switch c.MessageType {
	case MessageTypeResourceLink:
		if c.ResourceLinkID() == "" {
			return fmt.Errorf("%w: resource_link.id required", ErrInvalidClaims)
		}
	case MessageTypeDeepLinking:
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidClaims, c.MessageType)
	}
	if c.Version != "1.3.0" {
		return fmt.Errorf("%w: version %q", ErrInvalidClaims, c.Version)
	}
	if c.DeploymentID == "" {
		return fmt.Errorf("%w: deployment_id required", ErrInvalidClaims)
	}
	if c.TargetLinkURI == "" {
		return fmt.Errorf("%w: target_link_uri required", ErrInvalidClaims)
	}
	if c.Subject == "" {
		// Anonymous launches are rejected.
		return fmt.Errorf("%w: sub required", ErrInvalidClaims)
	}
	return nil
}

// keyFunc resolves the verification key source declared by the platform. For
// JWK_SET the kid match against the token header happens inside keyfunc.
func (v *TokenValidator) keyFunc(cfg AuthConfig) (jwt.Keyfunc, error) {
	switch cfg.Method {
	case AuthMethodRSAKey:
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Key))
		if err != nil {
			return nil, fmt.Errorf("%w: platform public key: %v", ErrBadSignature, err)
		}
		return func(*jwt.Token) (any, error) { return pub, nil }, nil

	case AuthMethodJWK:
		marshalOpts := jwkset.JWKMarshalOptions{Private: true}
		jwk, err := jwkset.NewJWKFromRawJSON(json.RawMessage(cfg.Key), marshalOpts, jwkset.JWKValidateOptions{})
		if err != nil {
			return nil, fmt.Errorf("%w: platform JWK: %v", ErrBadSignature, err)
		}
		key := jwk.Key()
		return func(*jwt.Token) (any, error) { return key, nil }, nil

	case AuthMethodJWKSet:
		kf, err := v.cachedKeyfunc(strings.TrimSpace(cfg.Key))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKeyID, err)
		}
		return kf.Keyfunc, nil

	default:
		return nil, fmt.Errorf("%w: auth config method %q", ErrUnregisteredPlatform, cfg.Method)
	}
}

// cachedKeyfunc returns the per-URL keyfunc, creating it on first use. The
// keyfunc refreshes its keyset in the background, bounding load on platforms.
func (v *TokenValidator) cachedKeyfunc(jwksURL string) (keyfunc.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keyfuncs == nil {
		v.keyfuncs = make(map[string]keyfunc.Keyfunc)
	}
	if kf, ok := v.keyfuncs[jwksURL]; ok {
		return kf, nil
	}
	kf, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, err
	}
	v.keyfuncs[jwksURL] = kf
	return kf, nil
}

func (v *TokenValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *TokenValidator) maxAge() time.Duration {
	if v.TokenMaxAge < 0 {
		return 0
	}
	if v.TokenMaxAge == 0 {
		return 10 * time.Second
	}
	return v.TokenMaxAge
}

// nonceTTL keeps seen nonces for at least the token max age.
func (v *TokenValidator) nonceTTL() time.Duration {
	ttl := 10 * time.Minute
	if a := v.maxAge(); a > ttl {
		ttl = a
	}
	return ttl
}
