package httpapi

import (
	"errors"
	"net/http"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
)

type loginBody struct {
	UserID         string    `json:"user_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	StepUpRequired bool      `json:"step_up_required,omitempty"`
	ChallengeID    string    `json:"challenge_id,omitempty"`
}

type statusBody struct {
	Status string `json:"status"`
}

type csrfBody struct {
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionBody struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// finishLogin sets the session cookie, or reports the pending step-up
// challenge when the policy asked for one.
func (s *Server) finishLogin(w http.ResponseWriter, res *goIdP.LoginResult) {
	if res.StepUpRequired {
		writeNoStore(w, http.StatusOK, loginBody{
			StepUpRequired: true,
			ChallengeID:    res.ChallengeID,
			ExpiresAt:      res.ChallengeExpiresAt,
		})
		return
	}
	s.cookies.Set(w, s.cfg.Session.CookieName, res.SessionToken, res.SessionExpiresAt)
	writeNoStore(w, http.StatusOK, loginBody{UserID: res.UserID, ExpiresAt: res.SessionExpiresAt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.LoginWithPassword(r.Context(), form.Get("email"), form.Get("password"), middleware.Metadata(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.finishLogin(w, res)
}

func (s *Server) handleLoginPIN(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	res, err := s.engine.VerifyStepUpPIN(r.Context(), form.Get("challenge_id"), form.Get("pin"), middleware.Metadata(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.finishLogin(w, res)
}

// handleMagicLinkRequest answers 202 for every well-formed address so the
// endpoint cannot be used to probe for accounts.
func (s *Server) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.RequestMagicLink(r.Context(), form.Get("email")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusAccepted, statusBody{Status: "sent"})
}

func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, goIdP.CodeOf(goIdP.ErrInvalidInput), "token is required")
		return
	}
	res, err := s.engine.RedeemMagicLink(r.Context(), token, middleware.Metadata(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.finishLogin(w, res)
}

func (s *Server) handlePasswordForgot(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.RequestPasswordReset(r.Context(), form.Get("email")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusAccepted, statusBody{Status: "sent"})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(w, r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.ConfirmPasswordReset(r.Context(), form.Get("token"), form.Get("password")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.cookies.Clear(w, s.cfg.Session.CookieName)
	writeNoStore(w, http.StatusOK, statusBody{Status: "reset"})
}

// handleLogout revokes the session behind the cookie, if any, and clears it.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := middleware.SessionToken(r, s.cfg.Session.CookieName)
	if err := s.engine.RevokeSession(r.Context(), token); errors.Is(err, goIdP.ErrBackendUnavailable) {
		s.writeEngineError(w, r, err)
		return
	}
	s.cookies.Clear(w, s.cfg.Session.CookieName)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, expires, err := s.csrf.Issue(w)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeNoStore(w, http.StatusOK, csrfBody{CSRFToken: token, ExpiresAt: expires})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, goIdP.CodeOf(goIdP.ErrInvalidSession), "")
		return
	}
	writeNoStore(w, http.StatusOK, sessionBody{UserID: sess.UserID, CreatedAt: sess.CreatedAt, ExpiresAt: sess.ExpiresAt})
}
