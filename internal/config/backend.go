package config

// ConfigBackend is persistent storage for config keys. Keys are the dotted
// names from ValidKeys, e.g. "engine.base_url".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
	// Keys lists the config keys the backend holds a value for.
	Keys() ([]string, error)
}

// Value sources reported by ShowAll.
const (
	SourceDefault = "default"
	SourceBackend = "backend"
	SourceEnv     = "env"
)

// sources reports where each config key's effective value comes from.
func sources(b ConfigBackend) map[string]string {
	stored := map[string]bool{}
	if keys, err := b.Keys(); err == nil {
		for _, k := range keys {
			stored[k] = true
		}
	}
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		switch {
		case s.env != "" && lookupEnv(s.env):
			out[s.key] = SourceEnv
		case stored[s.key]:
			out[s.key] = SourceBackend
		default:
			out[s.key] = SourceDefault
		}
	}
	return out
}
