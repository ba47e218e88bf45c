package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	secretService   = "exposured"
	apiTokenAccount = "api_token"

	// EnvAPIToken overrides the stored API bearer token.
	EnvAPIToken = "EXPOSURED_API_TOKEN"
)

var errSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keychain is the platform secret store: the macOS login keychain, or a
// 0600 secrets.json under $XDG_DATA_HOME/exposured elsewhere.
type Keychain struct{}

func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the HTTP API. The
// environment wins, then the secret store. When neither has one a fresh
// token is generated and persisted.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(EnvAPIToken); tok != "" {
		return tok, nil
	}

	tok, err := store.Get(secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, errSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	return RotateAPIToken(store)
}

// RotateAPIToken replaces the stored API token with a fresh one. A running
// daemon keeps the old token until restarted.
func RotateAPIToken(store SecretStore) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// LookupAPIToken is GetAPIToken without generation, for clients.
func LookupAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(EnvAPIToken); tok != "" {
		return tok, nil
	}
	tok, err := store.Get(secretService, apiTokenAccount)
	if err != nil || tok == "" {
		return "", fmt.Errorf("no API token found: set %s%s", EnvAPIToken, tokenHint())
	}
	return tok, nil
}
