package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"strings"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
)

const (
	csrfNonceSize   = 16
	csrfPayloadSize = csrfNonceSize + 8
	minCSRFSecret   = 32
)

// CSRF issues and checks double-submit tokens of the form
// base64url(nonce||issuedAt).base64url(HMAC-SHA256(secret, payload)).
//
// A request passes when the cookie and the header (or form field) carry the
// same token, its MAC verifies and it is younger than the TTL.
type CSRF struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	headerName string
	formField  string
	cookies    *Cookies
	now        func() time.Time
}

// NewCSRF builds the checker. An empty secret is replaced by a random one,
// which invalidates outstanding tokens on restart; production configs must
// set it.
func NewCSRF(cfg goIdP.CSRFConfig, cookies *Cookies) (*CSRF, error) {
	secret := append([]byte(nil), cfg.Secret...)
	if len(secret) == 0 {
		secret = make([]byte, minCSRFSecret)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	if len(secret) < minCSRFSecret {
		return nil, errors.New("csrf secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("csrf ttl must be > 0")
	}
	if cookies == nil {
		cookies = &Cookies{sameSite: http.SameSiteLaxMode}
	}
	return &CSRF{
		secret:     secret,
		ttl:        cfg.TTL,
		cookieName: cfg.CookieName,
		headerName: cfg.HeaderName,
		formField:  cfg.FormField,
		cookies:    cookies,
		now:        time.Now,
	}, nil
}

// Issue mints a token, sets it as a cookie and returns it so the page can
// echo it back in the header or form field.
func (c *CSRF) Issue(w http.ResponseWriter) (string, time.Time, error) {
	now := c.now()
	token, err := c.mint(now)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := now.Add(c.ttl)
	c.cookies.Set(w, c.cookieName, token, expires)
	return token, expires, nil
}

func (c *CSRF) mint(now time.Time) (string, error) {
	payload := make([]byte, csrfPayloadSize)
	if _, err := rand.Read(payload[:csrfNonceSize]); err != nil {
		return "", err
	}
	binary.BigEndian.PutUint64(payload[csrfNonceSize:], uint64(now.Unix()))
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(c.mac(payload)), nil
}

func (c *CSRF) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, c.secret)
	m.Write(payload)
	return m.Sum(nil)
}

// Verify checks r and returns [goIdP.ErrCSRFInvalid] on any failure.
func (c *CSRF) Verify(r *http.Request) error {
	cookie := cookieValue(r, c.cookieName)
	submitted := r.Header.Get(c.headerName)
	if submitted == "" && c.formField != "" {
		submitted = r.PostFormValue(c.formField)
	}
	if cookie == "" || submitted == "" {
		return goIdP.ErrCSRFInvalid
	}
	if subtle.ConstantTimeCompare([]byte(cookie), []byte(submitted)) != 1 {
		return goIdP.ErrCSRFInvalid
	}
	if !c.valid(submitted, c.now()) {
		return goIdP.ErrCSRFInvalid
	}
	return nil
}

func (c *CSRF) valid(token string, now time.Time) bool {
	encPayload, encMAC, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil || len(payload) != csrfPayloadSize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(encMAC)
	if err != nil || !hmac.Equal(sig, c.mac(payload)) {
		return false
	}
	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(payload[csrfNonceSize:])), 0)
	if issuedAt.After(now.Add(time.Minute)) {
		return false
	}
	return now.Sub(issuedAt) < c.ttl
}

// Protect rejects state-changing requests that fail [CSRF.Verify] with 403.
// GET, HEAD, OPTIONS and TRACE pass unchecked.
func (c *CSRF) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}
		if err := c.Verify(r); err != nil {
			writeError(w, http.StatusForbidden, goIdP.CodeOf(err), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
