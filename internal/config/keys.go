package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	field   string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "EXPOSURED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.cors_origins", field: "Server.CORSOrigins", typ: kString, env: "EXPOSURED_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CORSOrigins },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "EXPOSURED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.base_url", field: "Engine.BaseURL", typ: kString, env: "EXPOSURED_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.api_timeout", field: "Engine.APITimeout", typ: kDuration, env: "EXPOSURED_ENGINE_API_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.APITimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.APITimeout },
	},
	{
		key: "engine.provide_keys_timeout", field: "Engine.ProvideKeysTimeout", typ: kDuration, env: "EXPOSURED_ENGINE_PROVIDE_KEYS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.ProvideKeysTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.ProvideKeysTimeout },
	},
	{
		key: "keyserver.index_url", field: "KeyServer.IndexURL", typ: kString, env: "EXPOSURED_KEYSERVER_INDEX_URL",
		apply:   func(cfg *Config, v any) { cfg.KeyServer.IndexURL = v.(string) },
		extract: func(cfg Config) any { return cfg.KeyServer.IndexURL },
	},
	{
		key: "keyserver.download_concurrency", field: "KeyServer.DownloadConcurrency", typ: kInt, env: "EXPOSURED_KEYSERVER_DOWNLOAD_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.KeyServer.DownloadConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.KeyServer.DownloadConcurrency },
	},
	{
		key: "detection.retry_delay", field: "Detection.RetryDelay", typ: kDuration, env: "EXPOSURED_DETECTION_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Detection.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Detection.RetryDelay },
	},
	{
		key: "detection.debounce_window", field: "Detection.DebounceWindow", typ: kDuration, env: "EXPOSURED_DETECTION_DEBOUNCE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Detection.DebounceWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Detection.DebounceWindow },
	},
	{
		key: "detection.token_capacity", field: "Detection.TokenCapacity", typ: kInt, env: "EXPOSURED_DETECTION_TOKEN_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Detection.TokenCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Detection.TokenCapacity },
	},
	{
		key: "scheduler.poll_interval", field: "Scheduler.PollInterval", typ: kDuration, env: "EXPOSURED_SCHEDULER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollInterval },
	},
	{
		key: "scheduler.constraints", field: "Scheduler.Constraints", typ: kBool, env: "EXPOSURED_SCHEDULER_CONSTRAINTS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Constraints = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Constraints },
	},
	{
		key: "events.webhook_url", field: "Events.WebhookURL", typ: kString, env: "EXPOSURED_EVENTS_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Events.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.WebhookURL },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "EXPOSURED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if s.typ != kString && raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func lookupEnv(name string) bool {
	return os.Getenv(name) != ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
