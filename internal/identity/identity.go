// Package identity models the user attached to a chat connection. Users are
// either anonymous or authenticated by the external auth provider; consumers
// switch on the concrete type to handle both.
package identity

import (
	"strings"
	"unicode/utf8"
)

const (
	AnonymousName     = "Anonymous"
	MaxUsernameLength = 50
)

type Identity interface {
	Username() string
	isIdentity()
}

type Anonymous struct {
	Nickname string
}

func (a Anonymous) Username() string {
	if a.Nickname == "" {
		return AnonymousName
	}
	return a.Nickname
}

func (Anonymous) isIdentity() {}

type Authenticated struct {
	UserID    string
	Name      string
	AvatarURL string
}

func (a Authenticated) Username() string {
	if a.Name == "" {
		return AnonymousName
	}
	return a.Name
}

func (Authenticated) isIdentity() {}

// UserID returns the stable user id of an authenticated identity.
func UserID(i Identity) (string, bool) {
	if auth, ok := i.(Authenticated); ok {
		return auth.UserID, true
	}
	return "", false
}

func IsAnonymous(i Identity) bool {
	_, ok := i.(Authenticated)
	return !ok
}

func cleanUsername(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		name = string([]rune(name)[:MaxUsernameLength])
	}
	return name
}
