package tool

import "errors"

// Error kinds, grouped by effect. Trust-layer failures (bad tokens, missing
// sessions) are routed to the configured handler routes and never surface as
// 5xx; the synchronous ones below are returned to the caller directly.
var (
	// ErrMissingArgument is returned by RegisterPlatform, Whitelist and
	// GetPlatform when a required argument is absent.
	ErrMissingArgument = errors.New("missing argument")

	// ErrMissingCallback is returned by New when OnConnect is nil.
	ErrMissingCallback = errors.New("missing callback")

	// ErrUnregisteredPlatform is returned when no platform is registered for
	// an issuer. 401 at login, invalid-token redirect at the callback.
	ErrUnregisteredPlatform = errors.New("unregistered platform")

	// ErrMalformedToken is returned when an id_token cannot be decoded or
	// its header lacks a kid.
	ErrMalformedToken = errors.New("malformed token")

	// ErrIssuerMismatch is returned when the id_token issuer does not match
	// the issuer bound to the state cookie.
	ErrIssuerMismatch = errors.New("issuer mismatch")

	// ErrUnknownKeyID is returned when a platform JWKS has no key matching
	// the token header kid.
	ErrUnknownKeyID = errors.New("unknown key id")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("bad signature")

	// ErrInvalidClaims is returned when a decoded id_token violates the LTI
	// claim rules (audience, timestamps, nonce, required LTI claims).
	ErrInvalidClaims = errors.New("invalid claims")

	// ErrMissingSession is the steady-state failure: the LTIK or cookie did
	// not resolve to stored launch tokens.
	ErrMissingSession = errors.New("missing session")
)

// Store-level not-found sentinels.
var (
	ErrPlatformNotFound = errors.New("platform not found")
	ErrKeyNotFound      = errors.New("key pair not found")
	ErrTokenNotFound    = errors.New("launch token not found")
)
