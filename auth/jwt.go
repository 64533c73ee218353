package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenAuthOption configures the JWT access token authenticators.
type AccessTokenAuthOption func(*tokenConfig)

type tokenConfig struct {
	audiences      []string
	requiredScopes []string
	scopeModeAny   bool
	allowedAlgs    []string
	leeway         time.Duration
	requireTyp     bool
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *tokenConfig) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *tokenConfig) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *tokenConfig) { c.allowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *tokenConfig) { c.leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too.
func WithAdditionalAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *tokenConfig) { c.audiences = append(c.audiences, aud...) }
}

// WithoutTypCheck accepts tokens whose header typ is not at+jwt.
func WithoutTypCheck() AccessTokenAuthOption {
	return func(c *tokenConfig) { c.requireTyp = false }
}

type jwtAuthenticator struct {
	cfg     tokenConfig
	issuer  string
	keyfunc jwt.Keyfunc
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// NewFromDiscovery performs OIDC discovery against issuer to obtain the
// jwks_uri and returns an Authenticator for RFC 9068 access tokens minted for
// audience. JWKS keys are refreshed in the background until ctx ends.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newJWTAuthenticator(ctx, meta.Issuer, audience, meta.JwksURI, opts)
}

// NewStaticJWT returns an Authenticator that validates tokens against a fixed
// issuer and JWKS URI without discovery.
func NewStaticJWT(ctx context.Context, issuer, audience, jwksURI string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newJWTAuthenticator(ctx, issuer, audience, jwksURI, opts)
}

func newJWTAuthenticator(ctx context.Context, issuer, audience, jwksURI string, opts []AccessTokenAuthOption) (*jwtAuthenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := tokenConfig{
		audiences:   []string{audience},
		allowedAlgs: []string{"RS256"},
		leeway:      60 * time.Second,
		requireTyp:  true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwtAuthenticator{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.allowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if a.cfg.requireTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if !a.scopesSatisfied(claims) {
		return nil, ErrInsufficientScope
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *jwtAuthenticator) scopesSatisfied(claims jwt.MapClaims) bool {
	if len(a.cfg.requiredScopes) == 0 {
		return true
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.scopeModeAny {
		return slices.ContainsFunc(a.cfg.requiredScopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range a.cfg.requiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
