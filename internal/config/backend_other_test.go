//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exposured", "config.json")

	b := openFileBackend(path)
	if err := b.SetInt("server.port", 4300); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("log.level", "warn"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reopened := openFileBackend(path)
	port, ok, err := reopened.GetInt("server.port")
	if err != nil || !ok || port != 4300 {
		t.Errorf("GetInt = %d, %v, %v; want 4300, true, nil", port, ok, err)
	}
	level, ok, _ := reopened.GetString("log.level")
	if !ok || level != "warn" {
		t.Errorf("GetString = %q, %v; want warn, true", level, ok)
	}

	keys, _ := reopened.Keys()
	if len(keys) != 2 || keys[0] != "log.level" || keys[1] != "server.port" {
		t.Errorf("Keys = %v, want [log.level server.port]", keys)
	}

	if err := reopened.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := openFileBackend(path).GetString("log.level"); ok {
		t.Error("log.level still present after Delete")
	}
}

func TestKeychain_SecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv(EnvAPIToken, "")

	kc := NewKeychain()
	if _, err := kc.Get(secretService, apiTokenAccount); err == nil {
		t.Fatal("expected not-found before any write")
	}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	got, err := kc.Get(secretService, apiTokenAccount)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != tok {
		t.Errorf("stored token = %q, want %q", got, tok)
	}
}

func TestFileBackend_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	b := openFileBackend(path)
	if keys, _ := b.Keys(); len(keys) != 0 {
		t.Errorf("Keys = %v, want none", keys)
	}
	if err := b.SetString("log.level", "warn"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if v, ok, _ := openFileBackend(path).GetString("log.level"); !ok || v != "warn" {
		t.Errorf("GetString = %q, %v; want warn, true", v, ok)
	}
}

func TestFileBackend_BoolValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"scheduler.constraints": false}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXPOSURED_SCHEDULER_CONSTRAINTS", "")

	cfg, err := loadWith(openFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Scheduler.Constraints {
		t.Error("Scheduler.Constraints = true, want false from file")
	}
}
