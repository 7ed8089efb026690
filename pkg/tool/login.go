package tool

import (
	"log"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

/*
Third-party-initiated login (OIDC).

The platform opens the login route with iss, login_hint and target_link_uri.
We look the issuer up in the registry, mint a state value, bind it to the
issuer with a signed short-lived cookie, and redirect the browser to the
platform's authorize endpoint with response_mode=form_post so the id_token
comes back as a POST to the app route.
*/

func (p *Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	iss := r.Form.Get("iss")
	loginHint := r.Form.Get("login_hint")
	targetLinkURI := r.Form.Get("target_link_uri")

	if iss == "" {
		http.Error(w, "missing iss parameter", http.StatusBadRequest)
		return
	}

	platform, err := p.platforms.PlatformByIssuer(r.Context(), iss)
	if err != nil {
		log.Printf("lti login: unregistered platform %q", iss)
		http.Error(w, "unregistered platform", http.StatusUnauthorized)
		return
	}

	if loginHint == "" || targetLinkURI == "" {
		http.Error(w, "missing login_hint or target_link_uri parameter", http.StatusBadRequest)
		return
	}

	state := randState(20)
	// The state cookie carries the issuer, so the callback can bind the
	// id_token to the platform this login started with.
	p.setCookie(w, "state"+state, iss, stateCookieMaxAge)

	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", platform.ClientID)
	q.Set("redirect_uri", targetLinkURI)
	q.Set("login_hint", loginHint)
	q.Set("state", state)
	q.Set("nonce", uuid.NewString())
	if hint := r.Form.Get("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}
	if dep := r.Form.Get("lti_deployment_id"); dep != "" {
		q.Set("lti_deployment_id", dep)
	}

	sep := "?"
	if u, err := url.Parse(platform.AuthEndpoint); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	http.Redirect(w, r, platform.AuthEndpoint+sep+q.Encode(), http.StatusFound)
}
