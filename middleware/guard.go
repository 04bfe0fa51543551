package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
)

type sessionContextKey struct{}
type accessTokenContextKey struct{}

// SessionFromContext returns the session resolved by [RequireSession].
func SessionFromContext(ctx context.Context) (*goIdP.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*goIdP.Session)
	return s, ok
}

// AccessTokenFromContext returns the token resolved by [RequireBearer].
func AccessTokenFromContext(ctx context.Context) (*goIdP.AccessTokenInfo, bool) {
	info, ok := ctx.Value(accessTokenContextKey{}).(*goIdP.AccessTokenInfo)
	return info, ok
}

// SessionToken returns the raw session cookie of r, or "".
func SessionToken(r *http.Request, cookieName string) string {
	return cookieValue(r, cookieName)
}

// RequireSession validates the session cookie and stores the session on the
// request context. Requests without a valid session get 401.
func RequireSession(engine *goIdP.Engine, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeError(w, http.StatusUnauthorized, goIdP.CodeOf(goIdP.ErrInvalidSession), "")
				return
			}

			token := cookieValue(r, cookieName)
			if token == "" {
				writeError(w, http.StatusUnauthorized, goIdP.CodeOf(goIdP.ErrInvalidSession), "")
				return
			}

			sess, err := engine.ValidateSession(r.Context(), token, Metadata(r))
			if err != nil {
				if errors.Is(err, goIdP.ErrBackendUnavailable) {
					writeError(w, http.StatusServiceUnavailable, "server_error", "")
					return
				}
				writeError(w, http.StatusUnauthorized, goIdP.CodeOf(goIdP.ErrInvalidSession), "")
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireBearer validates the "Authorization: Bearer" access token. Failures
// answer 401 with an RFC 6750 WWW-Authenticate challenge.
func RequireBearer(engine *goIdP.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok || engine == nil {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "")
				return
			}

			info, err := engine.VerifyAccessToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, goIdP.ErrBackendUnavailable) {
					writeError(w, http.StatusServiceUnavailable, "server_error", "")
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "")
				return
			}

			ctx := context.WithValue(r.Context(), accessTokenContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token of an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(value string) (string, bool) {
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}
