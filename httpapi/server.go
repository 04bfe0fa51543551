package httpapi

import (
	"errors"
	"net/http"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
	"github.com/rs/zerolog"
)

// Options tunes the HTTP surface.
type Options struct {
	// LoginURL receives browsers that hit /authorize without a session,
	// with the original request in the "return_to" query parameter. When
	// empty such requests get a 401 login_required body.
	LoginURL string
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// Server serves the identity provider endpoints of one engine.
type Server struct {
	engine  *goIdP.Engine
	cfg     goIdP.Config
	opts    Options
	logger  zerolog.Logger
	cookies *middleware.Cookies
	csrf    *middleware.CSRF
	ips     *middleware.IPResolver
}

// New wires the middleware from the engine configuration.
func New(engine *goIdP.Engine, opts Options) (*Server, error) {
	if engine == nil {
		return nil, errors.New("httpapi: nil engine")
	}
	cfg := engine.Config()

	ips, err := middleware.NewIPResolver(cfg.Security.TrustedProxies)
	if err != nil {
		return nil, err
	}
	cookies := middleware.NewCookies(cfg)
	csrf, err := middleware.NewCSRF(cfg.CSRF, cookies)
	if err != nil {
		return nil, err
	}

	return &Server{
		engine:  engine,
		cfg:     cfg,
		opts:    opts,
		logger:  engine.Logger().With().Str("component", "httpapi").Logger(),
		cookies: cookies,
		csrf:    csrf,
		ips:     ips,
	}, nil
}

// Handler returns the routed handler. Every route runs behind
// [middleware.RequestMetadata] and one rate-limit tier.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	strict := func(h http.HandlerFunc) http.Handler {
		return middleware.RateLimit(s.engine, goIdP.RateStrict)(s.csrf.Protect(h))
	}
	general := middleware.RateLimit(s.engine, goIdP.RateGeneral)
	validation := middleware.RateLimit(s.engine, goIdP.RateValidation)
	session := middleware.RequireSession(s.engine, s.cfg.Session.CookieName)

	mux.Handle("GET "+goIdP.PathAuthorize, general(http.HandlerFunc(s.handleAuthorize)))
	mux.Handle("POST "+goIdP.PathConsent, general(s.csrf.Protect(session(http.HandlerFunc(s.handleConsent)))))
	mux.Handle("POST "+goIdP.PathToken, general(http.HandlerFunc(s.handleToken)))
	mux.Handle("GET "+goIdP.PathUserInfo, validation(http.HandlerFunc(s.handleUserInfo)))
	mux.Handle("POST "+goIdP.PathUserInfo, validation(http.HandlerFunc(s.handleUserInfo)))
	mux.Handle("POST "+goIdP.PathRevoke, general(http.HandlerFunc(s.handleRevoke)))
	mux.Handle("POST "+goIdP.PathIntrospect, validation(http.HandlerFunc(s.handleIntrospect)))
	mux.Handle("GET "+goIdP.PathDiscovery, general(http.HandlerFunc(s.handleDiscovery)))
	mux.Handle("GET "+goIdP.PathJWKS, general(http.HandlerFunc(s.handleJWKS)))

	mux.Handle("POST /login", strict(s.handleLogin))
	mux.Handle("POST /login/pin", strict(s.handleLoginPIN))
	mux.Handle("POST /magic-link", strict(s.handleMagicLinkRequest))
	mux.Handle("GET /magic-link/verify", middleware.RateLimit(s.engine, goIdP.RateStrict)(http.HandlerFunc(s.handleMagicLinkVerify)))
	mux.Handle("POST /password/forgot", strict(s.handlePasswordForgot))
	mux.Handle("POST /password/reset", strict(s.handlePasswordReset))
	mux.Handle("POST /logout", general(s.csrf.Protect(http.HandlerFunc(s.handleLogout))))
	mux.Handle("GET /csrf", general(http.HandlerFunc(s.handleCSRF)))
	mux.Handle("GET /session", validation(session(http.HandlerFunc(s.handleSession))))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	return middleware.RequestMetadata(s.ips)(mux)
}

type healthBody struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Ping(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "ok", LatencyMS: d.Round(time.Millisecond).Milliseconds()})
}
