package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrAuthenticationFailed indicates a session credential was rejected
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator resolves a session credential to the subject it belongs to
type Authenticator interface {
	// Authenticate validate a credential, returning the subject ID it maps to
	Authenticate(ctxt context.Context, credential string) (string, error)
}

// staticTokenAuthenticator token-to-subject map. Suitable for dev and test
// deployments; production swaps in an IDP-backed implementation.
type staticTokenAuthenticator struct {
	lock   sync.RWMutex
	tokens map[string]string
}

// GetStaticTokenAuthenticator define an Authenticator over a fixed
// token-to-subject map
func GetStaticTokenAuthenticator(tokens map[string]string) Authenticator {
	copied := make(map[string]string, len(tokens))
	for token, subject := range tokens {
		copied[token] = subject
	}
	return &staticTokenAuthenticator{tokens: copied}
}

// Authenticate validate a credential against the token map
func (a *staticTokenAuthenticator) Authenticate(
	ctxt context.Context, credential string,
) (string, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	subject, ok := a.tokens[credential]
	if !ok || credential == "" {
		return "", ErrAuthenticationFailed
	}
	return subject, nil
}
