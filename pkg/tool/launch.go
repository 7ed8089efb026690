package tool

import (
	"log"
	"net/http"
)

/*
Launch callback.

Any POST carrying an id_token form field is treated as the OIDC callback.
Validation failures here are trust failures, not server failures: the
browser is redirected to the invalid-token route, never handed a 5xx. On
success both launch tokens are upserted, the per-deployment session cookie
is set, and the browser is redirected to the target path with a freshly
minted ltik appended.
*/

func (p *Provider) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")

	expectedIss := ""
	if state != "" {
		if iss, ok := p.cookieValue(r, "state"+state); ok {
			expectedIss = iss
		}
	}
	if expectedIss == "" && !p.cfg.DevMode {
		log.Printf("lti launch: no state cookie for state %q", state)
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}

	claims, _, err := p.validator.Validate(ctx, idToken, expectedIss)
	if err != nil {
		log.Printf("lti launch: token rejected: %v", err)
		if state != "" {
			p.clearCookie(w, "state"+state)
		}
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}
	if state != "" {
		p.clearCookie(w, "state"+state)
	}

	iss := claims.Issuer
	user := claims.Subject
	contextID := ContextIDFor(iss, claims.DeploymentID, claims.ContextID(), claims.ResourceLinkID())
	platformCode := PlatformCodeFor(iss, claims.DeploymentID)

	idTok := IDToken{
		Issuer:       iss,
		User:         user,
		Roles:        claims.Roles,
		DeploymentID: claims.DeploymentID,
		UserInfo: UserInfo{
			GivenName:  claims.GivenName,
			FamilyName: claims.FamilyName,
			Name:       claims.Name,
			Email:      claims.Email,
		},
		PlatformInfo: claims.ToolPlatform,
		LIS:          claims.LIS,
		Endpoint:     claims.AGSEndpoint,
		NamesRoles:   claims.NamesRoles,
	}
	ctxTok := ContextToken{
		ContextID:           contextID,
		Path:                r.URL.Path,
		User:                user,
		TargetLinkURI:       claims.TargetLinkURI,
		Context:             claims.Context,
		Resource:            claims.ResourceLink,
		Custom:              claims.Custom,
		LaunchPresentation:  claims.LaunchPresentation,
		MessageType:         claims.MessageType,
		Version:             claims.Version,
		DeepLinkingSettings: claims.DeepLinkingSettings,
	}
	if err := p.sessions.PutIDToken(ctx, idTok); err != nil {
		log.Printf("lti launch: storing id token: %v", err)
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}
	if err := p.sessions.PutContextToken(ctx, ctxTok); err != nil {
		log.Printf("lti launch: storing context token: %v", err)
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}

	// Session cookie: one per deployment so a browser can hold launches from
	// several platforms at once.
	p.setCookie(w, platformCode, user, 0)

	ltik, err := p.ltik.Encode(LTIKClaims{
		PlatformURL:  iss,
		DeploymentID: claims.DeploymentID,
		PlatformCode: platformCode,
		ContextID:    contextID,
		User:         user,
		State:        state,
	})
	if err != nil {
		log.Printf("lti launch: signing ltik: %v", err)
		p.redirectRoute(w, r, p.cfg.InvalidTokenRoute)
		return
	}

	// Redirect back into the tool at the same path the platform posted to, so
	// deep links into specific resources survive the callback hop.
	q := r.URL.Query()
	q.Set("ltik", ltik)
	http.Redirect(w, r, p.cfg.BaseURL+r.URL.Path+"?"+q.Encode(), http.StatusFound)
}

// redirectRoute sends the browser to one of the provider's own routes,
// preserving the original query string so the handler can inspect it.
func (p *Provider) redirectRoute(w http.ResponseWriter, r *http.Request, route string) {
	target := route
	if raw := r.URL.RawQuery; raw != "" {
		target += "?" + raw
	}
	http.Redirect(w, r, target, http.StatusFound)
}
