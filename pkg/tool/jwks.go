package tool

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// JWKSHandler serves the tool's public keyset on the keyset route. Platforms
// fetch it to verify tokens the tool signs (service calls, deep-linking
// responses).
type JWKSHandler struct {
	Ring *KeyRing

	// Optional: cache control for responses (default 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Ring == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	set, err := h.Ring.PublicJWKS(r.Context())
	if err != nil {
		http.Error(w, "jwks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if set.Keys == nil {
		set.Keys = []map[string]any{}
	}

	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	now := h.now()
	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", now.UTC().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + b64url(sum[:]) + `"`
}

// RSAPublicJWK builds a minimal RSA JWK map (n, e) for the given key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}
