// Package tool implements an LTI 1.3 tool provider: the OIDC
// third-party-initiated login, id_token validation, session
// materialization, and the trust records (platforms, key pairs) behind them.
//
// A Provider is an explicit constructed value; it carries its stores, key
// ring, configuration and user callbacks, and exposes an http.Handler via
// Routes. Typical wiring:
//
//	p, err := tool.New(tool.Config{
//	    EncryptionKey: key,
//	    BaseURL:       "https://tool.example.com",
//	}, tool.Stores{}, tool.Callbacks{
//	    OnConnect: connectHandler,
//	})
//	...
//	r.Mount("/", p.Routes())
package tool

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Config is the provider configuration. Zero values fall back to the
// documented defaults; EncryptionKey is the only required field.
type Config struct {
	// EncryptionKey signs LTIKs and cookies and seals private keys at rest.
	EncryptionKey string

	// BaseURL is the public base URL of the tool, used when rebuilding the
	// post-launch self-redirect. Empty means relative redirects.
	BaseURL string

	AppRoute            string // default "/"
	LoginRoute          string // default "/login"
	SessionTimeoutRoute string // default "/sessionTimeout"
	InvalidTokenRoute   string // default "/invalidToken"
	KeysetRoute         string // default "/keys"

	CookieSameSite http.SameSite // default Lax
	CookieSecure   bool

	// DevMode tolerates missing state and session cookies (validation still
	// runs when they are present). Never enable it in production.
	DevMode bool

	// TokenMaxAge bounds id_token age: zero keeps the 10 s default,
	// negative disables the check.
	TokenMaxAge time.Duration

	// LTIKMaxAge, when positive, bounds the lifetime of issued LTIKs.
	LTIKMaxAge time.Duration

	// StaticPath, when set, serves that directory under /public/ without
	// authentication.
	StaticPath string
}

// Stores groups the pluggable collaborators. Nil fields fall back to a
// shared in-memory store, which is fine for dev and tests only.
type Stores struct {
	Platforms PlatformStore
	Keys      KeyStore
	Sessions  SessionStore
	Replay    ReplayProtector
}

// Callbacks are the user handlers the state machine dispatches to. OnConnect
// is required; the others have defaults (OnDeepLinking falls back to
// OnConnect, the error handlers to plain 401 responses).
type Callbacks struct {
	OnConnect        http.HandlerFunc
	OnDeepLinking    http.HandlerFunc
	OnSessionTimeout http.HandlerFunc
	OnInvalidToken   http.HandlerFunc
}

// Provider is the tool provider. Construct it with New.
type Provider struct {
	cfg       Config
	platforms PlatformStore
	keys      KeyStore
	sessions  SessionStore

	ring      *KeyRing
	registry  *PlatformRegistry
	validator *TokenValidator
	ltik      *LTIKCodec
	callbacks Callbacks

	whitelist map[string]struct{}
}

// New validates the configuration and builds a Provider. Configuration
// problems and a missing OnConnect are reported synchronously; nothing is
// bound to the network here.
func New(cfg Config, stores Stores, cb Callbacks) (*Provider, error) {
	if strings.TrimSpace(cfg.EncryptionKey) == "" {
		return nil, fmt.Errorf("%w: encryption key", ErrMissingArgument)
	}
	if cb.OnConnect == nil {
		return nil, ErrMissingCallback
	}

	applyRouteDefaults(&cfg)

	if stores.Platforms == nil || stores.Keys == nil || stores.Sessions == nil {
		mem := NewMemoryStore()
		if stores.Platforms == nil {
			stores.Platforms = mem
		}
		if stores.Keys == nil {
			stores.Keys = mem
		}
		if stores.Sessions == nil {
			stores.Sessions = mem
		}
	}
	if stores.Replay == nil {
		stores.Replay = NewInMemoryReplay(0)
	}

	ring := NewKeyRing(stores.Keys, cfg.EncryptionKey)
	p := &Provider{
		cfg:       cfg,
		platforms: stores.Platforms,
		keys:      stores.Keys,
		sessions:  stores.Sessions,
		ring:      ring,
		registry: &PlatformRegistry{
			Platforms: stores.Platforms,
			Keys:      stores.Keys,
			Ring:      ring,
		},
		validator: &TokenValidator{
			Platforms:   stores.Platforms,
			Replay:      stores.Replay,
			DevMode:     cfg.DevMode,
			TokenMaxAge: cfg.TokenMaxAge,
		},
		ltik:      NewLTIKCodec(cfg.EncryptionKey, cfg.LTIKMaxAge),
		callbacks: cb,
		whitelist: make(map[string]struct{}),
	}
	return p, nil
}

// Registry exposes platform registration and lookup.
func (p *Provider) Registry() *PlatformRegistry { return p.registry }

// KeyRing exposes the tool's key pairs for service clients that need to sign
// outbound requests.
func (p *Provider) KeyRing() *KeyRing { return p.ring }

// WhitelistEntry names a route that bypasses authentication. An empty Method
// matches every method.
type WhitelistEntry struct {
	Route  string
	Method string
}

// Whitelist adds routes that skip the steady-state authentication check.
func (p *Provider) Whitelist(entries ...WhitelistEntry) error {
	for _, e := range entries {
		if strings.TrimSpace(e.Route) == "" {
			return fmt.Errorf("%w: whitelist route", ErrMissingArgument)
		}
		p.whitelist[whitelistKey(e.Route, e.Method)] = struct{}{}
	}
	return nil
}

func (p *Provider) whitelisted(path, method string) bool {
	if _, ok := p.whitelist[whitelistKey(path, "")]; ok {
		return true
	}
	_, ok := p.whitelist[whitelistKey(path, method)]
	return ok
}

func whitelistKey(route, method string) string {
	if method == "" {
		return route
	}
	return route + "-method-" + strings.ToUpper(method)
}

// Routes assembles the provider's router: the reserved routes, the optional
// static directory, and the catch-all that runs the launch state machine.
func (p *Provider) Routes() chi.Router {
	r := chi.NewRouter()

	r.HandleFunc(p.cfg.LoginRoute, p.handleLogin)
	r.Get(p.cfg.KeysetRoute, (&JWKSHandler{Ring: p.ring}).ServeHTTP)
	r.HandleFunc(p.cfg.SessionTimeoutRoute, p.sessionTimeout)
	r.HandleFunc(p.cfg.InvalidTokenRoute, p.invalidToken)

	if p.cfg.StaticPath != "" {
		fs := http.StripPrefix("/public/", http.FileServer(http.Dir(p.cfg.StaticPath)))
		r.Get("/public/*", fs.ServeHTTP)
	}

	// Everything else, the app route included, goes through the state
	// machine: callback when the body carries an id_token, steady-state
	// authentication otherwise.
	r.HandleFunc("/*", p.dispatch)
	if p.cfg.AppRoute != "/" {
		r.HandleFunc(p.cfg.AppRoute, p.dispatch)
	}
	return r
}

func (p *Provider) dispatch(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostFormValue("id_token") != "" {
		p.handleLaunch(w, r)
		return
	}
	p.authenticate(w, r)
}

func (p *Provider) sessionTimeout(w http.ResponseWriter, r *http.Request) {
	if p.callbacks.OnSessionTimeout != nil {
		p.callbacks.OnSessionTimeout(w, r)
		return
	}
	http.Error(w, "Token invalid or expired. Please reinitiate login.", http.StatusUnauthorized)
}

func (p *Provider) invalidToken(w http.ResponseWriter, r *http.Request) {
	if p.callbacks.OnInvalidToken != nil {
		p.callbacks.OnInvalidToken(w, r)
		return
	}
	http.Error(w, "Invalid token. Please reinitiate login.", http.StatusUnauthorized)
}

func applyRouteDefaults(cfg *Config) {
	if cfg.AppRoute == "" {
		cfg.AppRoute = "/"
	}
	if cfg.LoginRoute == "" {
		cfg.LoginRoute = "/login"
	}
	if cfg.SessionTimeoutRoute == "" {
		cfg.SessionTimeoutRoute = "/sessionTimeout"
	}
	if cfg.InvalidTokenRoute == "" {
		cfg.InvalidTokenRoute = "/invalidToken"
	}
	if cfg.KeysetRoute == "" {
		cfg.KeysetRoute = "/keys"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
}
