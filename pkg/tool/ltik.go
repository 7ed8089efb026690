package tool

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LTIKClaims is the payload of the launch continuation token. It carries just
// enough to reload the stored launch tokens; all semantic checks (cookie
// match, token rows) happen on every request, so the LTIK itself needs no
// expiry by default.
type LTIKClaims struct {
	jwt.RegisteredClaims

	PlatformURL  string `json:"platformUrl"`
	DeploymentID string `json:"deploymentId"`
	PlatformCode string `json:"platformCode"`
	ContextID    string `json:"contextId"`
	User         string `json:"user"`
	State        string `json:"s,omitempty"`
}

// LTIKCodec signs and verifies LTIKs with the master key (HS256).
type LTIKCodec struct {
	secret []byte

	// MaxAge, when positive, bounds the token's age at decode time.
	MaxAge time.Duration
}

func NewLTIKCodec(encryptionKey string, maxAge time.Duration) *LTIKCodec {
	return &LTIKCodec{secret: []byte(encryptionKey), MaxAge: maxAge}
}

// Encode signs the claims into a compact HS256 token.
func (c *LTIKCodec) Encode(claims LTIKClaims) (string, error) {
	claims.IssuedAt = jwt.NewNumericDate(time.Now())
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.secret)
}

// Decode verifies the signature and returns the payload. Age is enforced
// only when the codec was built with a positive MaxAge.
func (c *LTIKCodec) Decode(raw string) (LTIKClaims, error) {
	claims := LTIKClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return LTIKClaims{}, fmt.Errorf("%w: ltik: %v", ErrBadSignature, err)
	}
	if c.MaxAge > 0 {
		if claims.IssuedAt == nil || time.Since(claims.IssuedAt.Time) > c.MaxAge {
			return LTIKClaims{}, errors.New("ltik: expired")
		}
	}
	return claims, nil
}
