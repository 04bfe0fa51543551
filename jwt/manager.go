package jwt

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the ID token algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA and publishes the public key in the JWKS.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared secret; nothing is published.
	MethodHS256 SigningMethod = "hs256"
)

// Config describes the ID token signer. PrivateKey is a raw or PEM key for
// Ed25519, or the shared secret for HS256. VerifyKeys, when set, replaces
// the verification set during key rotation and must contain KeyID.
type Config struct {
	IDTokenTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager signs and parses OIDC ID tokens. Keys are decoded once by
// [NewManager].
type Manager struct {
	config  Config
	method  jwt.SigningMethod
	signKey any
	// verify maps kid to key. When requireKid is false the single entry
	// under "" is used regardless of the token header.
	verify     map[string]any
	requireKid bool
	published  []JWK
}

// IDClaims is the OIDC ID token claim set. Profile and email claims are
// filled only when the matching scope was granted.
type IDClaims struct {
	Nonce         string `json:"nonce,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenInput describes one ID token to mint.
type IDTokenInput struct {
	Subject  string
	Audience string
	JTI      string
	Nonce    string
	AuthTime time.Time
	IssuedAt time.Time

	IncludeEmail   bool
	Email          string
	EmailVerified  bool
	IncludeProfile bool
	Name           string
}

// NewManager validates cfg and returns a [Manager].
func NewManager(cfg Config) (*Manager, error) {
	if cfg.IDTokenTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer required")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	m := &Manager{
		config:     cfg,
		verify:     map[string]any{},
		requireKid: cfg.KeyID != "" || len(cfg.VerifyKeys) > 0,
	}
	var decode func([]byte) (any, error)
	var own any

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		own = cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }
	case MethodEd25519:
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		pub := priv.Public().(ed25519.PublicKey)
		if len(cfg.PublicKey) > 0 {
			if pub, err = parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		m.method = jwt.SigningMethodEdDSA
		m.signKey = priv
		own = pub
		decode = func(b []byte) (any, error) { return parseEdPublicKey(b) }
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) == 0 {
		m.verify[cfg.KeyID] = own
	}
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		key, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		m.verify[kid] = key
	}

	if cfg.SigningMethod == MethodEd25519 {
		for kid, key := range m.verify {
			m.published = append(m.published, okp(kid, key.(ed25519.PublicKey)))
		}
		sort.Slice(m.published, func(i, k int) bool { return m.published[i].Kid < m.published[k].Kid })
	}
	return m, nil
}

// TTL returns the configured ID token lifetime.
func (j *Manager) TTL() time.Duration {
	return j.config.IDTokenTTL
}

// Algorithm returns the JOSE "alg" value of signed tokens.
func (j *Manager) Algorithm() string {
	return j.method.Alg()
}

// CreateID signs an ID token for in.
func (j *Manager) CreateID(in IDTokenInput) (string, error) {
	if in.Subject == "" || in.Audience == "" {
		return "", errors.New("subject and audience required")
	}
	now := in.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}

	claims := IDClaims{
		Nonce: in.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   in.Subject,
			Audience:  jwt.ClaimStrings{in.Audience},
			Issuer:    j.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.IDTokenTTL)),
			ID:        in.JTI,
		},
	}
	if !in.AuthTime.IsZero() {
		claims.AuthTime = in.AuthTime.Unix()
	}
	if in.IncludeEmail {
		verified := in.EmailVerified
		claims.Email = in.Email
		claims.EmailVerified = &verified
	}
	if in.IncludeProfile {
		claims.Name = in.Name
	}

	token := jwt.NewWithClaims(j.method, claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}
	return token.SignedString(j.signKey)
}

// ParseID verifies signature, issuer, audience and expiry of an ID token.
func (j *Manager) ParseID(tokenStr, audience string) (*IDClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(j.config.Issuer),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &IDClaims{}, j.keyFor)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*IDClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt != nil && j.config.MaxFutureIAT > 0 {
		maxAllowed := time.Now().Add(j.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, errors.New("token iat too far in the future")
		}
	}

	return claims, nil
}

// JWK is one public key in JSON Web Key form (RFC 8037 for Ed25519).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// JWKS is the document served at /.well-known/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// keyFor picks the verification key named by the token's kid header.
func (j *Manager) keyFor(t *jwt.Token) (any, error) {
	if t.Method.Alg() != j.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	if !j.requireKid {
		return j.verify[""], nil
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	key, ok := j.verify[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

// JWKS returns the public verification keys, ordered by kid. HS256
// managers publish an empty set; relying parties share the secret out of
// band.
func (j *Manager) JWKS() (JWKS, error) {
	keys := make([]JWK, len(j.published))
	copy(keys, j.published)
	return JWKS{Keys: keys}, nil
}

func okp(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		Kid: kid,
		Use: "sig",
		Alg: jwt.SigningMethodEdDSA.Alg(),
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
