package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuthErrorCode is an RFC 6749 / RFC 6750 string error code.
type OAuthErrorCode string

const (
	OAuthInvalidRequest          OAuthErrorCode = "invalid_request"
	OAuthInvalidClient           OAuthErrorCode = "invalid_client"
	OAuthInvalidGrant            OAuthErrorCode = "invalid_grant"
	OAuthUnauthorizedClient      OAuthErrorCode = "unauthorized_client"
	OAuthUnsupportedGrantType    OAuthErrorCode = "unsupported_grant_type"
	OAuthInvalidScope            OAuthErrorCode = "invalid_scope"
	OAuthAccessDenied            OAuthErrorCode = "access_denied"
	OAuthServerError             OAuthErrorCode = "server_error"
	OAuthTemporarilyUnavailable  OAuthErrorCode = "temporarily_unavailable"
	OAuthUnsupportedResponseType OAuthErrorCode = "unsupported_response_type"
	OAuthInvalidToken            OAuthErrorCode = "invalid_token"
	OAuthInsufficientScope       OAuthErrorCode = "insufficient_scope"
	OAuthInvalidClientMetadata   OAuthErrorCode = "invalid_client_metadata"
)

// OAuthError is a credential or authorization failure. It is rendered as a
// flat JSON object at the HTTP boundary, never as a JSON-RPC error.
type OAuthError struct {
	Code        OAuthErrorCode `json:"error"`
	Description string         `json:"error_description,omitempty"`
	URI         string         `json:"error_uri,omitempty"`
}

// NewOAuthError builds an OAuthError.
func NewOAuthError(code OAuthErrorCode, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status conventionally paired with the code.
func (e *OAuthError) Status() int {
	switch e.Code {
	case OAuthInvalidToken, OAuthInvalidClient:
		return http.StatusUnauthorized
	case OAuthInsufficientScope, OAuthAccessDenied:
		return http.StatusForbidden
	case OAuthServerError:
		return http.StatusInternalServerError
	case OAuthTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// WriteHTTP writes the error body with the status from Status.
func (e *OAuthError) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(e)
}

// ParseOAuthError decodes an error body produced by WriteHTTP or by an
// authorization server.
func ParseOAuthError(body []byte) (*OAuthError, error) {
	var e OAuthError
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode oauth error: %w", err)
	}
	if e.Code == "" {
		return nil, errors.New("decode oauth error: missing error code")
	}
	return &e, nil
}

// FromAuthError maps an Authenticator error onto an OAuthError.
func FromAuthError(err error) *OAuthError {
	var oe *OAuthError
	switch {
	case errors.As(err, &oe):
		return oe
	case errors.Is(err, ErrInsufficientScope):
		return NewOAuthError(OAuthInsufficientScope, "insufficient scope")
	case errors.Is(err, ErrUnauthorized):
		return NewOAuthError(OAuthInvalidToken, "invalid token")
	default:
		return NewOAuthError(OAuthServerError, "authentication failed")
	}
}

// BearerChallenge renders an RFC 6750 WWW-Authenticate value. A nil error
// produces the bare challenge sent when credentials are missing.
func BearerChallenge(e *OAuthError, resourceMetadataURL string, scopes []string) string {
	var parts []string
	if resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata=%q`, resourceMetadataURL))
	}
	if e != nil {
		parts = append(parts, fmt.Sprintf(`error=%q`, string(e.Code)))
		if e.Description != "" {
			parts = append(parts, fmt.Sprintf(`error_description=%q`, e.Description))
		}
	}
	if len(scopes) > 0 {
		parts = append(parts, fmt.Sprintf(`scope=%q`, strings.Join(scopes, " ")))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}
