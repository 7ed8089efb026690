package config

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	base := FromEnv()
	base.EncryptionKey = "k"

	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base
	c.EncryptionKey = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error without ENCRYPTION_KEY")
	}

	c = base
	c.HTTPS = true
	c.SSLCert = "cert.pem"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for HTTPS without key")
	}

	c = base
	c.LoginRoute = "login"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for route without leading slash")
	}
}

func TestTokenAge(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"false", -1},
		{"off", -1},
		{"30", 30 * time.Second},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := tokenAge(tc.in); got != tc.want {
			t.Errorf("tokenAge(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSameSite(t *testing.T) {
	if sameSite("none") == sameSite("lax") {
		t.Fatal("none and lax must differ")
	}
	if sameSite("bogus") != sameSite("lax") {
		t.Fatal("unknown values default to lax")
	}
}
