package tool

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
)

/*
Steady-state authentication.

Every request that is not a launch callback must carry the ltik (Authorization
bearer header or ltik query parameter) and the session cookie set at launch.
The ltik only locates the stored launch tokens; the cookie proves the browser
is the one that launched. Failures redirect to the configured handler routes:
invalid-token when the ltik itself is bad, session-timeout when the ltik is
fine but the session behind it is gone.
*/

// Session is the launch state attached to the request context after
// authentication succeeds.
type Session struct {
	Token   IDToken
	Context ContextToken
	// LTIK is the raw continuation token, for echoing into links and
	// fetch requests back to this tool.
	LTIK string
}

// Res returns the launch resource claim, never nil.
func (s *Session) Res() map[string]any {
	if s.Context.Resource == nil {
		return map[string]any{}
	}
	return s.Context.Resource
}

type ctxKey int

const sessionKeyCtx ctxKey = 0

// FromContext returns the Session attached by the provider, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKeyCtx).(*Session)
	return s, ok
}

// ltikFrom extracts the continuation token from the Authorization header or
// the ltik query/form parameter.
func ltikFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.Form.Get("ltik")
}

func (p *Provider) authenticate(w http.ResponseWriter, r *http.Request) {
	raw := ltikFrom(r)
	if raw == "" {
		if p.whitelisted(r.URL.Path, r.Method) {
			p.callbacks.OnConnect(w, r)
			return
		}
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}

	claims, err := p.ltik.Decode(raw)
	if err != nil {
		if p.whitelisted(r.URL.Path, r.Method) {
			p.callbacks.OnConnect(w, r)
			return
		}
		log.Printf("lti auth: bad ltik: %v", err)
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}

	// The cookie proves this browser is the one the launch set up.
	if user, ok := p.cookieValue(r, claims.PlatformCode); ok {
		if user != claims.User {
			log.Printf("lti auth: session cookie user mismatch")
			p.redirectRoute(w, r, p.cfg.SessionTimeoutRoute)
			return
		}
	} else if !p.cfg.DevMode {
		p.redirectRoute(w, r, p.cfg.SessionTimeoutRoute)
		return
	}

	ctx := r.Context()
	idTok, err := p.sessions.IDToken(ctx, claims.PlatformURL, claims.DeploymentID, claims.User)
	if err != nil {
		p.sessionLost(w, r, err)
		return
	}
	ctxTok, err := p.sessions.ContextToken(ctx, claims.ContextID, claims.User)
	if err != nil {
		p.sessionLost(w, r, err)
		return
	}

	sess := &Session{Token: idTok, Context: ctxTok, LTIK: raw}
	r = r.WithContext(context.WithValue(ctx, sessionKeyCtx, sess))

	if ctxTok.MessageType == MessageTypeDeepLinking && p.callbacks.OnDeepLinking != nil {
		p.callbacks.OnDeepLinking(w, r)
		return
	}
	p.callbacks.OnConnect(w, r)
}

// sessionLost routes lookup failures: absent rows mean the session aged out,
// anything else is a store failure the browser can recover from by
// relaunching.
func (p *Provider) sessionLost(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrTokenNotFound) {
		log.Printf("lti auth: %v", ErrMissingSession)
		p.redirectRoute(w, r, p.cfg.SessionTimeoutRoute)
		return
	}
	log.Printf("lti auth: loading launch tokens: %v", err)
	p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
}
