// Package auth verifies the credential a client presents when it connects
// and resolves it to an Identity.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/cory-johannsen/chatgate/internal/config"
)

// ErrAuth is returned for any invalid, missing, or expired credential.
// Callers must not distinguish further; the client only ever sees
// "Authentication error".
var ErrAuth = errors.New("authentication error")

// Identity is the authenticated principal bound to a connection.
// It is immutable once produced.
type Identity struct {
	// ID is the stable user identifier.
	ID string
	// DisplayName is shown to other room members as the message sender.
	DisplayName string
}

// Authenticator verifies an opaque credential.
type Authenticator interface {
	// Authenticate returns the Identity for token, or an error wrapping ErrAuth.
	//
	// Postcondition: On success Identity.ID and Identity.DisplayName are non-empty.
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// New builds the Authenticator selected by cfg.Mode.
//
// Precondition: cfg must have passed config validation.
// Postcondition: Returns a ready Authenticator or a non-nil error.
func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthModeJWT:
		return NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	case config.AuthModeStatic:
		keys, err := LoadStaticKeys(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("loading static keys: %w", err)
		}
		return NewStaticAuthenticator(keys)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func reject(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAuth, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrAuth, reason)
}
