//go:build darwin

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "org.genexus.exposured"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "exposured")
	}
	return "exposured-data"
}

func tokenHint() string {
	return " or macOS Keychain (service: " + secretService + ", account: " + apiTokenAccount + ")"
}

// darwinBackend stores keys in the UserDefaults domain through the
// `defaults` tool, so they can also be managed with `defaults write`.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) run(args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.Command("defaults", args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("defaults %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// read reports ok=false for a key the domain does not hold, which
// `defaults read` signals with exit status 1.
func (b *darwinBackend) read(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return s, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	if _, ok, err := b.read(key); err != nil || !ok {
		return err
	}
	_, err := b.run("delete", b.domain, key)
	return err
}

// Keys probes each known key; the domain may hold unrelated entries.
func (b *darwinBackend) Keys() ([]string, error) {
	var keys []string
	for _, s := range specs {
		_, ok, err := b.read(s.key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, s.key)
		}
	}
	return keys, nil
}
