package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// StaticKey is one entry of the static API key file. Tokens take the form
// "<id>:<secret>"; only the bcrypt hash of the secret is stored.
type StaticKey struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	KeyHash  string `yaml:"key_hash"`
}

type staticKeyFile struct {
	Keys []StaticKey `yaml:"keys"`
}

// LoadStaticKeys reads a YAML key file.
//
// Precondition: path must name a readable YAML file with a top-level "keys" list.
// Postcondition: Returns the parsed keys or a non-nil error.
func LoadStaticKeys(path string) ([]StaticKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var file staticKeyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return file.Keys, nil
}

// StaticAuthenticator verifies API keys against a fixed bcrypt-hashed key set.
type StaticAuthenticator struct {
	keys map[string]StaticKey
}

// NewStaticAuthenticator indexes keys by id.
//
// Precondition: every key must have a non-empty, unique ID, a Username, and a KeyHash.
// Postcondition: Returns a StaticAuthenticator or an error naming the first bad entry.
func NewStaticAuthenticator(keys []StaticKey) (*StaticAuthenticator, error) {
	idx := make(map[string]StaticKey, len(keys))
	for i, k := range keys {
		if k.ID == "" || k.Username == "" || k.KeyHash == "" {
			return nil, fmt.Errorf("key %d: id, username and key_hash are required", i)
		}
		if strings.Contains(k.ID, ":") {
			return nil, fmt.Errorf("key %q: id must not contain ':'", k.ID)
		}
		if _, dup := idx[k.ID]; dup {
			return nil, fmt.Errorf("key %q: duplicate id", k.ID)
		}
		idx[k.ID] = k
	}
	return &StaticAuthenticator{keys: idx}, nil
}

// Authenticate checks an "<id>:<secret>" token.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || id == "" || secret == "" {
		return Identity{}, reject("malformed api key", nil)
	}
	key, found := a.keys[id]
	if !found {
		return Identity{}, reject("unknown api key", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Identity{}, reject("api key mismatch", nil)
		}
		return Identity{}, reject("api key hash unreadable", err)
	}
	return Identity{ID: key.ID, DisplayName: key.Username}, nil
}

// HashKey returns the bcrypt hash to store in the key file for secret.
//
// Precondition: secret must be non-empty and at most 72 bytes.
func HashKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
