package tool

import "context"

/*
Storage contracts for the provider.

The provider persists four logical collections: platforms, key pairs, id
tokens and context tokens. Implementations must make each Put an atomic,
last-writer-wins upsert on the record's natural key; no cross-record
transactions are required. storage.SQLStore is the durable implementation;
MemoryStore backs dev setups and tests.
*/

// PlatformStore persists platform trust records, keyed by issuer.
type PlatformStore interface {
	// PutPlatform inserts or replaces the record for p.Issuer.
	PutPlatform(ctx context.Context, p Platform) error
	// PlatformByIssuer returns ErrPlatformNotFound when absent.
	PlatformByIssuer(ctx context.Context, issuer string) (Platform, error)
	// Platforms enumerates every registered platform.
	Platforms(ctx context.Context) ([]Platform, error)
	// DeletePlatform removes the record; deleting an absent issuer is a no-op.
	DeletePlatform(ctx context.Context, issuer string) error
}

// KeyStore persists the tool's own key pairs, keyed by kid.
type KeyStore interface {
	PutKeyPair(ctx context.Context, kp KeyPair) error
	// KeyPair returns ErrKeyNotFound when absent.
	KeyPair(ctx context.Context, kid string) (KeyPair, error)
	// PublicKeys returns every pair; callers must only use the public half.
	PublicKeys(ctx context.Context) ([]KeyPair, error)
	DeleteKeyPair(ctx context.Context, kid string) error
}

// SessionStore persists the launch tokens written on every callback and read
// on every steady-state request.
type SessionStore interface {
	PutIDToken(ctx context.Context, t IDToken) error
	// IDToken returns ErrTokenNotFound when absent.
	IDToken(ctx context.Context, issuer, deploymentID, user string) (IDToken, error)

	PutContextToken(ctx context.Context, t ContextToken) error
	// ContextToken returns ErrTokenNotFound when absent.
	ContextToken(ctx context.Context, contextID, user string) (ContextToken, error)
	// SetContextPath updates only the stored path of an existing context
	// token (used by the redirect helper for new resources).
	SetContextPath(ctx context.Context, contextID, user, path string) error
}
