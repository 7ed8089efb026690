package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the tool server needs at startup. All values come
// from the environment; FromEnv fills defaults and Validate rejects
// combinations the server must not start with.
type Config struct {
	HTTPAddr  string
	PublicURL string // public base URL of the tool, e.g. https://tool.example.com

	DBDriver string
	DBDSN    string

	// Master key: signs the LTIK and cookies, seals private keys at rest.
	EncryptionKey string

	// Reserved routes.
	AppRoute            string
	LoginRoute          string
	SessionTimeoutRoute string
	InvalidTokenRoute   string
	KeysetRoute         string

	HTTPS   bool
	SSLCert string
	SSLKey  string

	CORS        bool
	CORSOrigins []string

	CookieSameSite http.SameSite
	CookieSecure   bool

	DevMode bool

	// Maximum age of an inbound id_token. Zero keeps the 10 s default,
	// negative disables the check.
	TokenMaxAge time.Duration

	// Optional hardening: bound the lifetime of issued LTIKs. Zero = off.
	LTIKMaxAge time.Duration

	StaticPath string
}

func FromEnv() Config {
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    os.Getenv("DB_DSN"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		AppRoute:            envOr("APP_ROUTE", "/"),
		LoginRoute:          envOr("LOGIN_ROUTE", "/login"),
		SessionTimeoutRoute: envOr("SESSION_TIMEOUT_ROUTE", "/sessionTimeout"),
		InvalidTokenRoute:   envOr("INVALID_TOKEN_ROUTE", "/invalidToken"),
		KeysetRoute:         envOr("KEYSET_ROUTE", "/keys"),

		HTTPS:   envBool("HTTPS", false),
		SSLCert: os.Getenv("SSL_CERT"),
		SSLKey:  os.Getenv("SSL_KEY"),

		CORS:        envBool("CORS", true),
		CORSOrigins: csvOr("CORS_ORIGINS", "*"),

		CookieSameSite: sameSite(envOr("COOKIE_SAME_SITE", "lax")),
		CookieSecure:   envBool("COOKIE_SECURE", false),

		DevMode: envBool("DEV_MODE", false),

		TokenMaxAge: tokenAge(os.Getenv("TOKEN_MAX_AGE")),
		LTIKMaxAge:  time.Duration(envInt("LTIK_MAX_AGE", 0)) * time.Second,

		StaticPath: os.Getenv("STATIC_PATH"),
	}
}

// Validate returns an error when the server must not start. Callers should
// treat any error as fatal before binding a listener.
func (c Config) Validate() error {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return errors.New("config: ENCRYPTION_KEY is required")
	}
	if c.HTTPS && (c.SSLCert == "" || c.SSLKey == "") {
		return errors.New("config: HTTPS requires both SSL_CERT and SSL_KEY")
	}
	for _, route := range []string{c.AppRoute, c.LoginRoute, c.SessionTimeoutRoute, c.InvalidTokenRoute, c.KeysetRoute} {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("config: route %q must start with /", route)
		}
	}
	return nil
}

func sameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// tokenAge maps TOKEN_MAX_AGE to a duration: unset keeps the default (zero),
// "false"/"off" disables the check, otherwise the value is in seconds.
func tokenAge(v string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return 0
	case "false", "off", "none":
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
