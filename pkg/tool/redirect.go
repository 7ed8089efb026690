package tool

import (
	"net/http"
	"net/url"
)

// RedirectOptions tunes RedirectTo.
type RedirectOptions struct {
	// NewResource records the target path as the context's resource path, so
	// later launches into the same context land there.
	NewResource bool
}

// RedirectTo sends the browser to target with the session's ltik carried
// along in the query, keeping the launch session alive across the hop. It is
// a no-op pass-through redirect when the request has no session (whitelisted
// routes).
func (p *Provider) RedirectTo(w http.ResponseWriter, r *http.Request, target string, opts RedirectOptions) {
	sess, ok := FromContext(r.Context())
	if !ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	u, err := url.Parse(target)
	if err == nil && u.Opaque != "" {
		// "host:port/path" parses as an opaque URL; force authority form.
		u, err = url.Parse("//" + target)
	}
	if err != nil {
		http.Error(w, "invalid redirect target", http.StatusInternalServerError)
		return
	}

	if opts.NewResource {
		path := u.Path
		if path == "" {
			path = "/"
		}
		if err := p.sessions.SetContextPath(r.Context(), sess.Context.ContextID, sess.Context.User, path); err != nil {
			http.Error(w, "could not record resource path", http.StatusInternalServerError)
			return
		}
	}

	q := u.Query()
	q.Set("ltik", sess.LTIK)
	u.RawQuery = q.Encode()

	// Scheme-relative destinations ("//host:port/...") are fine: the browser
	// resolves them against the current scheme.
	http.Redirect(w, r, u.String(), http.StatusFound)
}
