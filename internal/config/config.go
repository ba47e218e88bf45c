package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Engine    EngineConfig
	KeyServer KeyServerConfig
	Detection DetectionConfig
	Scheduler SchedulerConfig
	Events    EventsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int `validate:"min=1,max=65535"`
	// CORSOrigins is a comma-separated list of browser origins allowed to
	// call the API.
	CORSOrigins string
}

// Origins splits CORSOrigins into trimmed, non-empty entries.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

// EngineConfig locates the matching engine daemon. An empty BaseURL means
// no engine is installed and the feature reports itself unavailable.
type EngineConfig struct {
	BaseURL            string        `validate:"omitempty,url"`
	APITimeout         time.Duration `validate:"min=1s"`
	ProvideKeysTimeout time.Duration `validate:"min=1s"`
}

type KeyServerConfig struct {
	IndexURL            string `validate:"omitempty,url"`
	DownloadConcurrency int    `validate:"min=1,max=64"`
}

type DetectionConfig struct {
	RetryDelay     time.Duration `validate:"min=1s"`
	DebounceWindow time.Duration `validate:"min=0"`
	TokenCapacity  int           `validate:"min=1"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `validate:"min=100ms"`
	// Constraints gates job runs on battery and network state.
	Constraints bool
}

type EventsConfig struct {
	WebhookURL string `validate:"omitempty,url"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			BaseURL:            "http://localhost:4180",
			APITimeout:         15 * time.Second,
			ProvideKeysTimeout: time.Minute,
		},
		KeyServer: KeyServerConfig{
			DownloadConcurrency: 4,
		},
		Detection: DetectionConfig{
			RetryDelay:     10 * time.Minute,
			DebounceWindow: time.Minute,
			TokenCapacity:  1,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
			Constraints:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables, then validates it.
//
// On macOS the backend is UserDefaults (domain: org.genexus.exposured).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/exposured/config.json.
//
// Environment variables (EXPOSURED_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations by
// config key.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", keyForField(fe.StructNamespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// keyForField maps a struct namespace such as "Config.Engine.BaseURL" to
// its config key.
func keyForField(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	for _, s := range specs {
		if s.field == ns {
			return s.key
		}
	}
	return ns
}
