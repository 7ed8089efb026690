package tool

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type launchRecorder struct {
	connects     int
	deepLinks    int
	lastSession  *Session
	lastHadSess  bool
	lastProvider *Provider
}

func (lr *launchRecorder) onConnect(w http.ResponseWriter, r *http.Request) {
	lr.connects++
	lr.lastSession, lr.lastHadSess = FromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func (lr *launchRecorder) onDeepLinking(w http.ResponseWriter, r *http.Request) {
	lr.deepLinks++
	lr.lastSession, lr.lastHadSess = FromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func testProvider(t *testing.T, key *rsa.PrivateKey, mutate func(*Config)) (*Provider, *launchRecorder) {
	t.Helper()
	lr := &launchRecorder{}
	cfg := Config{
		EncryptionKey: "test-master-key",
		BaseURL:       "https://tool.example.com",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, Stores{}, Callbacks{
		OnConnect:     lr.onConnect,
		OnDeepLinking: lr.onDeepLinking,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	lr.lastProvider = p

	_, err = p.Registry().Register(context.Background(), Platform{
		Name:          "Test Platform",
		Issuer:        testIssuer,
		ClientID:      testClientID,
		AuthEndpoint:  testIssuer + "/auth",
		TokenEndpoint: testIssuer + "/token",
		AuthConfig:    RSAKeyAuth(publicPEM(t, &key.PublicKey)),
	})
	if err != nil {
		t.Fatalf("register platform: %v", err)
	}
	return p, lr
}

func TestNewRequiresEncryptionKeyAndConnect(t *testing.T) {
	if _, err := New(Config{}, Stores{}, Callbacks{OnConnect: func(http.ResponseWriter, *http.Request) {}}); err == nil {
		t.Fatal("expected error without encryption key")
	}
	if _, err := New(Config{EncryptionKey: "k"}, Stores{}, Callbacks{}); err == nil {
		t.Fatal("expected error without OnConnect")
	}
}

func TestLoginRedirectsToAuthorize(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	q := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"hint-1"},
		"target_link_uri": {"https://tool.example.com/"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?"+q.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testIssuer+"/auth" {
		t.Fatalf("authorize endpoint = %q", got)
	}
	lq := loc.Query()
	for k, want := range map[string]string{
		"response_type": "id_token",
		"response_mode": "form_post",
		"scope":         "openid",
		"prompt":        "none",
		"client_id":     testClientID,
		"redirect_uri":  "https://tool.example.com/",
		"login_hint":    "hint-1",
	} {
		if lq.Get(k) != want {
			t.Errorf("%s = %q, want %q", k, lq.Get(k), want)
		}
	}
	state := lq.Get("state")
	if state == "" || lq.Get("nonce") == "" {
		t.Fatal("state and nonce must be set")
	}

	// The state cookie binds the issuer for the callback.
	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "state"+state {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("no state cookie set")
	}
	if stateCookie.MaxAge != stateCookieMaxAge || !stateCookie.HttpOnly {
		t.Fatalf("state cookie attributes: %+v", stateCookie)
	}
}

func TestLoginRejections(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	// Unregistered issuer: 401.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/login?iss=https%3A%2F%2Funknown.example.com&login_hint=h&target_link_uri=https%3A%2F%2Ft", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unregistered issuer status = %d", rec.Code)
	}

	// Missing parameters: 400.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?iss="+url.QueryEscape(testIssuer), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing params status = %d", rec.Code)
	}
}

// doLogin runs the login leg and returns the state value with its cookie.
func doLogin(t *testing.T, h http.Handler) (string, *http.Cookie) {
	t.Helper()
	q := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"hint-1"},
		"target_link_uri": {"https://tool.example.com/"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?"+q.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	state := loc.Query().Get("state")
	for _, c := range rec.Result().Cookies() {
		if c.Name == "state"+state {
			return state, c
		}
	}
	t.Fatal("state cookie not found")
	return "", nil
}

// doLaunch posts the id_token callback and returns the ltik and session cookie.
func doLaunch(t *testing.T, h http.Handler, key *rsa.PrivateKey, state string, stateCookie *http.Cookie, claims jwt.MapClaims) (string, *http.Cookie) {
	t.Helper()
	raw := signLaunch(t, key, testKID, claims)

	form := url.Values{"id_token": {raw}, "state": {state}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if stateCookie != nil {
		req.AddCookie(stateCookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("launch status = %d (%s)", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	ltik := loc.Query().Get("ltik")

	code := PlatformCodeFor(testIssuer, "dep-1")
	for _, c := range rec.Result().Cookies() {
		if c.Name == code {
			return ltik, c
		}
	}
	return ltik, nil
}

func TestFullLaunchFlow(t *testing.T) {
	key := testRSAKey(t)
	p, lr := testProvider(t, key, nil)
	h := p.Routes()

	state, stateCookie := doLogin(t, h)
	ltik, sessCookie := doLaunch(t, h, key, state, stateCookie, launchClaims())
	if ltik == "" {
		t.Fatal("no ltik in redirect")
	}
	if sessCookie == nil {
		t.Fatal("no session cookie set")
	}

	// Steady state: ltik in the query, session cookie on the request.
	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	req.AddCookie(sessCookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || lr.connects != 1 {
		t.Fatalf("status = %d, connects = %d", rec.Code, lr.connects)
	}
	if !lr.lastHadSess {
		t.Fatal("no session on context")
	}
	sess := lr.lastSession
	if sess.Token.User != "user-42" || sess.Token.Issuer != testIssuer {
		t.Fatalf("id token: %+v", sess.Token)
	}
	if sess.Context.MessageType != MessageTypeResourceLink {
		t.Fatalf("message type = %q", sess.Context.MessageType)
	}
	if id, _ := sess.Res()["id"].(string); id != "res-1" {
		t.Fatalf("resource id = %q", id)
	}
	if sess.LTIK != ltik {
		t.Fatal("ltik not echoed into session")
	}

	// The bearer header works the same as the query parameter.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+ltik)
	req.AddCookie(sessCookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || lr.connects != 2 {
		t.Fatalf("bearer: status = %d, connects = %d", rec.Code, lr.connects)
	}
}

func TestLaunchWithoutStateCookie(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	raw := signLaunch(t, key, testKID, launchClaims())
	form := url.Values{"id_token": {raw}, "state": {"missing"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/invalidToken") {
		t.Fatalf("location = %q", loc)
	}
}

func TestLaunchReplayRejected(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	claims := launchClaims()
	state, stateCookie := doLogin(t, h)
	if ltik, _ := doLaunch(t, h, key, state, stateCookie, claims); ltik == "" {
		t.Fatal("first launch failed")
	}

	// Same id_token again: the nonce has been consumed.
	raw := signLaunch(t, key, testKID, claims)
	form := url.Values{"id_token": {raw}, "state": {state}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(stateCookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/invalidToken") {
		t.Fatalf("location = %q", loc)
	}
}

func TestSteadyStateFailures(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	state, stateCookie := doLogin(t, h)
	ltik, sessCookie := doLaunch(t, h, key, state, stateCookie, launchClaims())

	// No ltik at all.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app", nil))
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/invalidToken") {
		t.Fatalf("no ltik: location = %q", loc)
	}

	// Tampered ltik.
	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik+"x"), nil)
	req.AddCookie(sessCookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/invalidToken") {
		t.Fatalf("bad ltik: location = %q", loc)
	}

	// Valid ltik but no session cookie.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil))
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/sessionTimeout") {
		t.Fatalf("no cookie: location = %q", loc)
	}
}

func TestSessionTimeoutWhenTokensGone(t *testing.T) {
	key := testRSAKey(t)
	lr := &launchRecorder{}
	store := NewMemoryStore()
	p, err := New(Config{EncryptionKey: "test-master-key", BaseURL: "https://tool.example.com"},
		Stores{Platforms: store, Keys: store, Sessions: NewMemoryStore()},
		Callbacks{OnConnect: lr.onConnect})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.Registry().Register(context.Background(), Platform{
		Name: "P", Issuer: testIssuer, ClientID: testClientID,
		AuthEndpoint: testIssuer + "/auth", TokenEndpoint: testIssuer + "/token",
		AuthConfig: RSAKeyAuth(publicPEM(t, &key.PublicKey)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h := p.Routes()

	state, stateCookie := doLogin(t, h)
	ltik, sessCookie := doLaunch(t, h, key, state, stateCookie, launchClaims())

	// Same platforms and master key, but an empty session store: the ltik
	// decodes and the cookie matches, yet the launch tokens are gone.
	p2, err := New(Config{EncryptionKey: "test-master-key"},
		Stores{Platforms: store, Keys: store, Sessions: NewMemoryStore()},
		Callbacks{OnConnect: lr.onConnect})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	req.AddCookie(sessCookie)
	rec := httptest.NewRecorder()
	p2.Routes().ServeHTTP(rec, req)
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/sessionTimeout") {
		t.Fatalf("location = %q", loc)
	}
}

func TestWhitelistBypassesAuth(t *testing.T) {
	key := testRSAKey(t)
	p, lr := testProvider(t, key, nil)
	if err := p.Whitelist(WhitelistEntry{Route: "/open"}, WhitelistEntry{Route: "/hook", Method: "post"}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	h := p.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	if rec.Code != http.StatusOK || lr.connects != 1 {
		t.Fatalf("whitelisted route: status = %d, connects = %d", rec.Code, lr.connects)
	}
	if lr.lastHadSess {
		t.Fatal("whitelisted request must not carry a session")
	}

	// Method-scoped entry: POST passes, GET does not.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("post /hook status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hook", nil))
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/invalidToken") {
		t.Fatalf("get /hook location = %q", loc)
	}

	if err := p.Whitelist(WhitelistEntry{}); err == nil {
		t.Fatal("expected error for empty whitelist route")
	}
}

func TestDeepLinkingDispatch(t *testing.T) {
	key := testRSAKey(t)
	p, lr := testProvider(t, key, nil)
	h := p.Routes()

	claims := launchClaims()
	claims[ClaimMessageType] = MessageTypeDeepLinking
	delete(claims, ClaimResourceLink)
	claims[ClaimDeepLinking] = map[string]any{
		"deep_link_return_url": testIssuer + "/deep_links",
		"accept_types":         []string{"ltiResourceLink"},
	}

	state, stateCookie := doLogin(t, h)
	ltik, sessCookie := doLaunch(t, h, key, state, stateCookie, claims)

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	req.AddCookie(sessCookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || lr.deepLinks != 1 || lr.connects != 0 {
		t.Fatalf("status = %d, deepLinks = %d, connects = %d", rec.Code, lr.deepLinks, lr.connects)
	}
	if lr.lastSession.Context.DeepLinkingSettings == nil {
		t.Fatal("deep linking settings not carried")
	}
}

func TestDefaultErrorRoutes(t *testing.T) {
	key := testRSAKey(t)
	p, _ := testProvider(t, key, nil)
	h := p.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessionTimeout", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Token invalid or expired. Please reinitiate login.") {
		t.Fatalf("sessionTimeout: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invalidToken", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid token. Please reinitiate login.") {
		t.Fatalf("invalidToken: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRedirectToCarriesLTIK(t *testing.T) {
	key := testRSAKey(t)
	var p *Provider
	lr := &launchRecorder{}
	redirected := make(chan string, 1)

	cfg := Config{EncryptionKey: "test-master-key", BaseURL: "https://tool.example.com"}
	prov, err := New(cfg, Stores{}, Callbacks{
		OnConnect: func(w http.ResponseWriter, r *http.Request) {
			if _, ok := FromContext(r.Context()); !ok {
				lr.onConnect(w, r)
				return
			}
			p.RedirectTo(w, r, "/grades/view", RedirectOptions{NewResource: true})
			redirected <- w.Header().Get("Location")
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	p = prov
	_, err = p.Registry().Register(context.Background(), Platform{
		Name: "P", Issuer: testIssuer, ClientID: testClientID,
		AuthEndpoint: testIssuer + "/auth", TokenEndpoint: testIssuer + "/token",
		AuthConfig: RSAKeyAuth(publicPEM(t, &key.PublicKey)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h := p.Routes()

	state, stateCookie := doLogin(t, h)
	ltik, sessCookie := doLaunch(t, h, key, state, stateCookie, launchClaims())

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	req.AddCookie(sessCookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	select {
	case loc := <-redirected:
		u, err := url.Parse(loc)
		if err != nil || u.Path != "/grades/view" {
			t.Fatalf("redirect location = %q", loc)
		}
		if u.Query().Get("ltik") != ltik {
			t.Fatal("ltik not carried in redirect")
		}
	case <-time.After(time.Second):
		t.Fatal("connect callback never redirected")
	}

	// NewResource recorded the path on the context token.
	contextID := ContextIDFor(testIssuer, "dep-1", "course-1", "res-1")
	tok, err := p.sessions.ContextToken(context.Background(), contextID, "user-42")
	if err != nil {
		t.Fatalf("context token: %v", err)
	}
	if tok.Path != "/grades/view" {
		t.Fatalf("path = %q", tok.Path)
	}
}
