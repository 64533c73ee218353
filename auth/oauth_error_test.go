package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOAuthError_WriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	e := &OAuthError{Code: OAuthInvalidToken, Description: "expired", URI: "https://example.com/errors/expired"}
	e.WriteHTTP(rec)

	if want, got := http.StatusUnauthorized, rec.Code; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}
	if want, got := "application/json", rec.Header().Get("Content-Type"); want != got {
		t.Fatalf("content type: want %q got %q", want, got)
	}
	body := rec.Body.String()
	for _, frag := range []string{`"error":"invalid_token"`, `"error_description":"expired"`, `"error_uri":"https://example.com/errors/expired"`} {
		if !strings.Contains(body, frag) {
			t.Fatalf("body %s missing %s", body, frag)
		}
	}
	if strings.Contains(body, "jsonrpc") || strings.Contains(body, `"code"`) {
		t.Fatalf("oauth error must not look like a JSON-RPC error: %s", body)
	}

	parsed, err := ParseOAuthError(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *parsed != *e {
		t.Fatalf("parsed mismatch: want %+v got %+v", e, parsed)
	}
}

func TestParseOAuthError_MissingCode(t *testing.T) {
	if _, err := ParseOAuthError([]byte(`{"error_description":"x"}`)); err == nil {
		t.Fatalf("expected error for missing code")
	}
}

func TestFromAuthError(t *testing.T) {
	cases := []struct {
		err    error
		code   OAuthErrorCode
		status int
	}{
		{fmt.Errorf("%w: bad sig", ErrUnauthorized), OAuthInvalidToken, http.StatusUnauthorized},
		{ErrInsufficientScope, OAuthInsufficientScope, http.StatusForbidden},
		{errors.New("boom"), OAuthServerError, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NewOAuthError(OAuthInvalidRequest, "nope")), OAuthInvalidRequest, http.StatusBadRequest},
	}
	for _, c := range cases {
		oe := FromAuthError(c.err)
		if want, got := c.code, oe.Code; want != got {
			t.Fatalf("%v: code want %q got %q", c.err, want, got)
		}
		if want, got := c.status, oe.Status(); want != got {
			t.Fatalf("%v: status want %d got %d", c.err, want, got)
		}
	}
}

func TestBearerChallenge(t *testing.T) {
	if want, got := "Bearer", BearerChallenge(nil, "", nil); want != got {
		t.Fatalf("bare: want %q got %q", want, got)
	}
	got := BearerChallenge(NewOAuthError(OAuthInsufficientScope, "need more"), "https://mcp.example/.well-known/oauth-protected-resource", []string{"a", "b"})
	want := `Bearer resource_metadata="https://mcp.example/.well-known/oauth-protected-resource", error="insufficient_scope", error_description="need more", scope="a b"`
	if want != got {
		t.Fatalf("challenge: want %q got %q", want, got)
	}
}
