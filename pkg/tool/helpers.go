package tool

import (
	"crypto/rand"
	"encoding/base64"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// randState returns an n-character alphanumeric (base-36) nonce for the OIDC
// state parameter.
func randState(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = base36[int(b)%len(base36)]
	}
	return string(buf)
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
