package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
	"github.com/MrEthical07/goIdP/model"
)

type consentPrompt struct {
	ConsentRequired bool     `json:"consent_required"`
	ClientID        string   `json:"client_id"`
	ClientName      string   `json:"client_name"`
	Scope           []string `json:"scope"`
	CSRFToken       string   `json:"csrf_token"`
}

func authorizeRequestFrom(v url.Values) goIdP.AuthorizeRequest {
	return goIdP.AuthorizeRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// handleAuthorize runs the authorization endpoint for the browser session.
// A missing session goes to the login page; a consent prompt is returned as
// JSON together with a CSRF token for the decision POST.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	token := middleware.SessionToken(r, s.cfg.Session.CookieName)
	sess, err := s.engine.ValidateSession(r.Context(), token, middleware.Metadata(r))
	if err != nil {
		if errors.Is(err, goIdP.ErrBackendUnavailable) {
			s.writeEngineError(w, r, err)
			return
		}
		if s.opts.LoginURL != "" {
			target, perr := url.Parse(s.opts.LoginURL)
			if perr == nil {
				q := target.Query()
				q.Set("return_to", r.URL.RequestURI())
				target.RawQuery = q.Encode()
				http.Redirect(w, r, target.String(), http.StatusFound)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "login_required", "")
		return
	}

	req := authorizeRequestFrom(r.URL.Query())
	req.UserID = sess.UserID
	req.AuthTime = sess.CreatedAt
	s.authorize(w, r, req)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req goIdP.AuthorizeRequest) {
	res, err := s.engine.Authorize(r.Context(), req)
	if err != nil {
		s.authorizeError(w, r, req, err)
		return
	}

	if res.ConsentRequired {
		csrfToken, _, err := s.csrf.Issue(w)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeNoStore(w, http.StatusOK, consentPrompt{
			ConsentRequired: true,
			ClientID:        res.ClientID,
			ClientName:      res.ClientName,
			Scope:           res.Scope,
			CSRFToken:       csrfToken,
		})
		return
	}

	target, err := res.RedirectURL()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// authorizeError redirects redirectable OAuth errors back to the client and
// renders the rest, so an unverified redirect_uri is never followed.
func (s *Server) authorizeError(w http.ResponseWriter, r *http.Request, req goIdP.AuthorizeRequest, err error) {
	var oerr *goIdP.OAuthError
	if errors.As(err, &oerr) && oerr.Redirectable {
		target, uerr := goIdP.ErrorRedirectURL(req.RedirectURI, req.State, oerr)
		if uerr == nil {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	s.writeEngineError(w, r, err)
}

// handleConsent records the user's decision. Approval grants the requested
// scopes and continues the authorization; denial redirects access_denied,
// but only to a redirect_uri registered for the client.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, goIdP.CodeOf(goIdP.ErrInvalidSession), "")
		return
	}
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	req := authorizeRequestFrom(form)
	req.UserID = sess.UserID
	req.AuthTime = sess.CreatedAt

	client, err := s.engine.Client(r.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, goIdP.ErrClientNotFound) {
			writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "unknown client_id")
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "redirect_uri not registered")
		return
	}

	if form.Get("decision") != "approve" {
		target, err := goIdP.ErrorRedirectURL(req.RedirectURI, req.State, &goIdP.OAuthError{
			Code:        goIdP.OAuthAccessDenied,
			Description: "user denied consent",
		})
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if _, err := s.engine.GrantConsent(r.Context(), sess.UserID, req.ClientID, model.ParseScope(req.Scope)); err != nil {
		s.authorizeError(w, r, req, err)
		return
	}
	s.authorize(w, r, req)
}

// clientCredentials reads client_secret_basic or client_secret_post. Using
// both at once is an invalid_request.
func clientCredentials(r *http.Request, form url.Values) (id, secret string, basic bool, err error) {
	if user, pass, ok := r.BasicAuth(); ok {
		if form.Get("client_secret") != "" {
			return "", "", true, &goIdP.OAuthError{Code: goIdP.OAuthInvalidRequest, Description: "multiple client authentication methods"}
		}
		user, err1 := url.QueryUnescape(user)
		pass, err2 := url.QueryUnescape(pass)
		if err1 != nil || err2 != nil {
			return "", "", true, &goIdP.OAuthError{Code: goIdP.OAuthInvalidClient, Description: "malformed basic credentials"}
		}
		if formID := form.Get("client_id"); formID != "" && formID != user {
			return "", "", true, &goIdP.OAuthError{Code: goIdP.OAuthInvalidRequest, Description: "client_id mismatch"}
		}
		return user, pass, true, nil
	}
	return form.Get("client_id"), form.Get("client_secret"), false, nil
}

func (s *Server) writeClientError(w http.ResponseWriter, r *http.Request, basic bool, err error) {
	var oerr *goIdP.OAuthError
	if basic && errors.As(err, &oerr) && oerr.Code == goIdP.OAuthInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	s.writeEngineError(w, r, err)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "malformed body")
		return
	}
	clientID, secret, basic, err := clientCredentials(r, form)
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}

	resp, err := s.engine.Token(r.Context(), goIdP.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}
	writeNoStore(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	info, err := s.engine.UserInfo(r.Context(), token)
	switch {
	case err == nil:
		writeNoStore(w, http.StatusOK, info)
	case errors.Is(err, goIdP.ErrTokenInvalid):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "")
	case errors.Is(err, goIdP.ErrPermissionDenied):
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="openid"`)
		writeError(w, http.StatusForbidden, "insufficient_scope", "")
	default:
		s.writeEngineError(w, r, err)
	}
}

// handleRevoke implements RFC 7009: after client authentication the answer
// is 200 whether or not the token existed.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "malformed body")
		return
	}
	clientID, secret, basic, err := clientCredentials(r, form)
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}
	client, err := s.engine.AuthenticateClient(r.Context(), clientID, secret)
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}
	token := form.Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "token is required")
		return
	}
	if err := s.engine.Revoke(r.Context(), token, client.ClientID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "malformed body")
		return
	}
	clientID, secret, basic, err := clientCredentials(r, form)
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}
	client, err := s.engine.AuthenticateClient(r.Context(), clientID, secret)
	if err != nil {
		s.writeClientError(w, r, basic, err)
		return
	}
	token := strings.TrimSpace(form.Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, goIdP.OAuthInvalidRequest, "token is required")
		return
	}
	res, err := s.engine.Introspect(r.Context(), token, client.ClientID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusOK, res)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, s.engine.OpenIDConfiguration())
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.engine.JWKS()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, jwks)
}
