package tool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

/*
KeyRing owns the tool's asymmetric key pairs.

  - Generate creates an RSA-2048 pair for a newly registered platform, seals
    the private PEM with the master key, and stores both halves.
  - PrivateKey unseals and parses a pair's private half for outbound signing
    (service access-token requests, deep-linking responses).
  - PublicJWKS assembles the keyset served on the keyset route.

Private key material only ever reaches the store AEAD-sealed; the master key
is derived once at construction and held for the process lifetime.
*/

type KeyRing struct {
	Keys KeyStore

	secret [32]byte // derived from the master encryption key
}

func NewKeyRing(keys KeyStore, encryptionKey string) *KeyRing {
	return &KeyRing{
		Keys:   keys,
		secret: sha256.Sum256([]byte(encryptionKey)),
	}
}

// Generate creates, seals and stores a fresh RSA-2048 key pair and returns it.
func (kr *KeyRing) Generate(ctx context.Context) (KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keyring: rsa generate: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keyring: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	sealed, err := kr.seal(privPEM)
	if err != nil {
		return KeyPair{}, err
	}

	kp := KeyPair{
		KID:           makeKID(&priv.PublicKey),
		PublicPEM:     string(pubPEM),
		PrivateSealed: sealed,
	}
	if err := kr.Keys.PutKeyPair(ctx, kp); err != nil {
		return KeyPair{}, fmt.Errorf("keyring: store key pair: %w", err)
	}
	return kp, nil
}

// PrivateKey unseals and parses the private half of a stored pair.
func (kr *KeyRing) PrivateKey(ctx context.Context, kid string) (*rsa.PrivateKey, error) {
	kp, err := kr.Keys.KeyPair(ctx, kid)
	if err != nil {
		return nil, err
	}
	privPEM, err := kr.open(kp.PrivateSealed)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("keyring: bad private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: parse private key: %w", err)
	}
	return priv, nil
}

// PublicJWKS builds the tool's public keyset from every stored pair.
func (kr *KeyRing) PublicJWKS(ctx context.Context) (JWKS, error) {
	pairs, err := kr.Keys.PublicKeys(ctx)
	if err != nil {
		return JWKS{}, err
	}
	jwks := JWKS{Keys: []map[string]any{}}
	for _, kp := range pairs {
		pub, err := parsePublicPEM(kp.PublicPEM)
		if err != nil {
			return JWKS{}, fmt.Errorf("keyring: key %s: %w", kp.KID, err)
		}
		if jwk := RSAPublicJWK(pub, kp.KID, "RS256"); jwk != nil {
			jwks.Keys = append(jwks.Keys, jwk)
		}
	}
	return jwks, nil
}

func parsePublicPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("bad public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Older pairs may be PKCS#1.
		if pub, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return pub, nil
		}
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return pub, nil
}

/* ------------------------------ sealing ------------------------------------ */

func (kr *KeyRing) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kr.secret[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (kr *KeyRing) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kr.secret[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("keyring: sealed key too short")
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, errors.New("keyring: unseal failed")
	}
	return plain, nil
}

// makeKID creates a deterministic kid from the public key material plus a
// short random suffix to avoid collisions.
func makeKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	r := make([]byte, 4)
	_, _ = rand.Read(r)
	sum := h.Sum(nil)
	return fmt.Sprintf("rsa-%s-%s", hex.EncodeToString(sum[:6]), hex.EncodeToString(r))
}
