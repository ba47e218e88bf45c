package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll returns every config key with its effective value and where that
// value came from.
func ShowAll(cfg Config) []KeyInfo {
	return showAllFrom(cfg, newPlatformBackend())
}

func showAllFrom(cfg Config, b ConfigBackend) []KeyInfo {
	src := sources(b)
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
			Source: src[s.key],
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyOn(newPlatformBackend(), key, value)
}

func setKeyOn(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		v, err := parseValue(s.typ, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}

		// Reject values the daemon would refuse to start with.
		cfg := defaults()
		s.apply(&cfg, v)
		if err := Validate(cfg); err != nil {
			return err
		}

		if s.typ == kInt {
			return b.SetInt(key, v.(int))
		}
		if s.typ == kBool {
			return b.SetString(key, strconv.FormatBool(v.(bool)))
		}
		return b.SetString(key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// UnsetKey removes a config key from the platform backend, restoring its
// default.
func UnsetKey(key string) error {
	return unsetKeyOn(newPlatformBackend(), key)
}

func unsetKeyOn(b ConfigBackend, key string) error {
	for _, s := range specs {
		if s.key == key {
			return b.Delete(key)
		}
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
