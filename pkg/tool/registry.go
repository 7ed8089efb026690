package tool

import (
	"context"
	"fmt"
	"strings"
)

// PlatformRegistry owns platform trust records and their key pairs. Each new
// registration gets its own tool key pair; deleting a platform cascades to
// that pair.
type PlatformRegistry struct {
	Platforms PlatformStore
	Keys      KeyStore
	Ring      *KeyRing
}

// Register upserts a platform. If a record with the same issuer exists, the
// non-empty fields of p are merged into it. Otherwise all of name, client id,
// auth endpoint, token endpoint and auth config must be present; a fresh key
// pair is generated for the record, and any failure after key generation
// rolls the pair and partial row back.
func (r *PlatformRegistry) Register(ctx context.Context, p Platform) (Platform, error) {
	if strings.TrimSpace(p.Issuer) == "" {
		return Platform{}, fmt.Errorf("%w: platform issuer", ErrMissingArgument)
	}

	existing, err := r.Platforms.PlatformByIssuer(ctx, p.Issuer)
	if err == nil {
		merged := mergePlatform(existing, p)
		if err := r.Platforms.PutPlatform(ctx, merged); err != nil {
			return Platform{}, err
		}
		return merged, nil
	}
	if err != ErrPlatformNotFound {
		return Platform{}, err
	}

	switch {
	case p.Name == "":
		return Platform{}, fmt.Errorf("%w: platform name", ErrMissingArgument)
	case p.ClientID == "":
		return Platform{}, fmt.Errorf("%w: client id", ErrMissingArgument)
	case p.AuthEndpoint == "":
		return Platform{}, fmt.Errorf("%w: auth endpoint", ErrMissingArgument)
	case p.TokenEndpoint == "":
		return Platform{}, fmt.Errorf("%w: token endpoint", ErrMissingArgument)
	case !p.AuthConfig.valid():
		return Platform{}, fmt.Errorf("%w: auth config", ErrMissingArgument)
	}

	pair, err := r.Ring.Generate(ctx)
	if err != nil {
		return Platform{}, err
	}
	p.KID = pair.KID

	if err := r.Platforms.PutPlatform(ctx, p); err != nil {
		// Roll back the generated pair and any partial row.
		_ = r.Keys.DeleteKeyPair(ctx, pair.KID)
		_ = r.Platforms.DeletePlatform(ctx, p.Issuer)
		return Platform{}, err
	}
	return p, nil
}

// Get returns the platform registered for an issuer, or ErrPlatformNotFound.
func (r *PlatformRegistry) Get(ctx context.Context, issuer string) (Platform, error) {
	if strings.TrimSpace(issuer) == "" {
		return Platform{}, fmt.Errorf("%w: issuer", ErrMissingArgument)
	}
	return r.Platforms.PlatformByIssuer(ctx, issuer)
}

// All enumerates every registered platform.
func (r *PlatformRegistry) All(ctx context.Context) ([]Platform, error) {
	return r.Platforms.Platforms(ctx)
}

// Delete removes a platform and cascades to its key pair.
func (r *PlatformRegistry) Delete(ctx context.Context, issuer string) error {
	if strings.TrimSpace(issuer) == "" {
		return fmt.Errorf("%w: issuer", ErrMissingArgument)
	}
	p, err := r.Platforms.PlatformByIssuer(ctx, issuer)
	if err != nil {
		return err
	}
	if err := r.Platforms.DeletePlatform(ctx, issuer); err != nil {
		return err
	}
	if p.KID != "" {
		if err := r.Keys.DeleteKeyPair(ctx, p.KID); err != nil {
			return err
		}
	}
	return nil
}

func mergePlatform(dst, src Platform) Platform {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.AuthEndpoint != "" {
		dst.AuthEndpoint = src.AuthEndpoint
	}
	if src.TokenEndpoint != "" {
		dst.TokenEndpoint = src.TokenEndpoint
	}
	if src.AuthConfig.valid() {
		dst.AuthConfig = src.AuthConfig
	}
	return dst
}
