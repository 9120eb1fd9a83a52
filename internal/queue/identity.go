package queue

import (
	"os"
	"os/user"
)

// IdentityProvider resolves the name a submission is recorded under. The
// daemon derives it from the calling process owner, never from the request,
// so clients cannot submit as someone else.
type IdentityProvider interface {
	Username() (string, error)
}

// OSIdentity reports the current OS user.
type OSIdentity struct{}

func (OSIdentity) Username() (string, error) {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username, nil
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	return "unknown", nil
}

// StaticIdentity always reports the same name, for tests.
type StaticIdentity string

func (s StaticIdentity) Username() (string, error) {
	return string(s), nil
}
