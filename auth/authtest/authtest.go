// Package authtest provides Authenticator doubles for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-protocol-go/auth"
)

// User is a fixed principal.
type User struct {
	ID         string
	ClaimsData map[string]any
}

func (u *User) UserID() string { return u.ID }

func (u *User) Claims(ref any) error {
	b, err := json.Marshal(u.ClaimsData)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// NoAuth accepts any non-empty token as UserID.
type NoAuth struct {
	UserID string
}

// NewNoAuth returns a NoAuth for userID, defaulting to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &User{ID: n.UserID}, nil
}

// Tokens maps literal bearer tokens to users. Tokens prefixed with
// "noscope:" authenticate but fail the scope check.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if rest, ok := strings.CutPrefix(tok, "noscope:"); ok {
		if _, known := t[rest]; known {
			return nil, auth.ErrInsufficientScope
		}
	}
	uid, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &User{ID: uid}, nil
}
