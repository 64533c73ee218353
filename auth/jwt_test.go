package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://mcp.example.com/mcp"

type issuerFixture struct {
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string
}

func (f *issuerFixture) URL() string     { return f.srv.URL }
func (f *issuerFixture) JWKSURL() string { return f.srv.URL + "/keys" }

func newIssuer(t *testing.T) *issuerFixture {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	f := &issuerFixture{key: pk, kid: "k1"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: f.kid, Algorithm: "RS256", Use: "sig"}}}
	keys, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   f.srv.URL,
			"jwks_uri":                 f.JWKSURL(),
			"authorization_endpoint":   f.srv.URL + "/authorize",
			"token_endpoint":           f.srv.URL + "/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *issuerFixture) sign(t *testing.T, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (f *issuerFixture) claims(aud any, scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   f.srv.URL,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": scope,
	}
}

func TestDiscovery_HappyPath(t *testing.T) {
	iss := newIssuer(t)
	ctx := t.Context()

	a, err := NewFromDiscovery(ctx, iss.URL(), testAudience, WithLeeway(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ui, err := a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims(testAudience, "mcp:read mcp:write")))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want, got := "user-123", ui.UserID(); want != got {
		t.Fatalf("sub: want %q got %q", want, got)
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if want, got := "mcp:read mcp:write", out.Scope; want != got {
		t.Fatalf("scope: want %q got %q", want, got)
	}
}

func TestStatic_AudienceArrayAndAdditional(t *testing.T) {
	iss := newIssuer(t)
	ctx := t.Context()

	a, err := NewStaticJWT(ctx, iss.URL(), testAudience, iss.JWKSURL(), WithAdditionalAudiences("http://localhost:8080/mcp"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims([]string{"other", "http://localhost:8080/mcp"}, ""))); err != nil {
		t.Fatalf("array audience: %v", err)
	}
	_, err = a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims("someone-else", "")))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("audience mismatch: want ErrUnauthorized got %v", err)
	}
}

func TestStatic_Scopes(t *testing.T) {
	iss := newIssuer(t)
	ctx := t.Context()

	all, err := NewStaticJWT(ctx, iss.URL(), testAudience, iss.JWKSURL(), WithRequiredScopes("a", "b"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = all.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims(testAudience, "a")))
	if !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope got %v", err)
	}

	anyOf, err := NewStaticJWT(ctx, iss.URL(), testAudience, iss.JWKSURL(), WithAnyRequiredScope("a", "b"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := anyOf.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims(testAudience, "b"))); err != nil {
		t.Fatalf("any scope: %v", err)
	}
}

func TestStatic_RejectsWrongTypAndIssuer(t *testing.T) {
	iss := newIssuer(t)
	ctx := t.Context()

	a, err := NewStaticJWT(ctx, iss.URL(), testAudience, iss.JWKSURL())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, iss.sign(t, "JWT", iss.claims(testAudience, ""))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("typ: want ErrUnauthorized got %v", err)
	}

	c := iss.claims(testAudience, "")
	c["iss"] = "https://evil.example"
	if _, err := a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", c)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("issuer: want ErrUnauthorized got %v", err)
	}

	lax, err := NewStaticJWT(ctx, iss.URL(), testAudience, iss.JWKSURL(), WithoutTypCheck())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := lax.CheckAuthentication(ctx, iss.sign(t, "JWT", iss.claims(testAudience, ""))); err != nil {
		t.Fatalf("typ check disabled: %v", err)
	}
}

func TestDiscovery_RequiresIssuer(t *testing.T) {
	if _, err := NewFromDiscovery(t.Context(), "", testAudience); err == nil {
		t.Fatalf("expected error for empty issuer")
	}
}
