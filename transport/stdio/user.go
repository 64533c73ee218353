package stdio

import (
	"os/user"
)

// UserProvider names the principal behind a stdio peer. No credentials
// travel over stdio; the peer is whoever launched the process.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the current operating system user: its Username
// when set, else its Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider returning a fixed id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
