package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// Preference keys in the preferences namespace.
const (
	KeyExposureConfiguration  = "exposure_configuration"
	KeyMinInterval            = "exposure_detection_min_interval"
	KeyUserExplanation        = "exposure_user_explanation"
	KeyLastDetectionPerformed = "exposure_detection_last_performed"
	KeyStartCalled            = "exposure_start_called"
)

// DefaultMinIntervalMinutes is the detection interval used until the host sets one.
const DefaultMinIntervalMinutes = 1440

// SettingsStore abstracts namespaced key/value persistence.
type SettingsStore interface {
	GetSetting(namespace, key string) (string, error)
	SetSetting(namespace, key, value string) error
	DeleteSetting(namespace, key string) error
	ListSettings(namespace string) (map[string]string, error)
}

// Preferences provides typed access to the exposure preference namespace.
// Reads never fail: a missing or unparseable value yields the default.
type Preferences struct {
	store     SettingsStore
	namespace string
	logger    *slog.Logger
}

func NewPreferences(store SettingsStore) *Preferences {
	return &Preferences{
		store:     store,
		namespace: storage.NamespacePreferences,
		logger:    slog.Default(),
	}
}

// GetString returns the stored value for key or def when absent.
func (p *Preferences) GetString(key, def string) string {
	v, err := p.store.GetSetting(p.namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		return def
	}
	if err != nil {
		p.logger.Warn("reading preference failed", "key", key, "error", err)
		return def
	}
	return v
}

func (p *Preferences) PutString(key, value string) error {
	if err := p.store.SetSetting(p.namespace, key, value); err != nil {
		return fmt.Errorf("writing preference %s: %w", key, err)
	}
	return nil
}

func (p *Preferences) GetBool(key string, def bool) bool {
	raw := p.GetString(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.logger.Warn("invalid boolean preference", "key", key, "value", raw, "error", err)
		return def
	}
	return b
}

func (p *Preferences) PutBool(key string, value bool) error {
	return p.PutString(key, strconv.FormatBool(value))
}

func (p *Preferences) GetInt64(key string, def int64) int64 {
	raw := p.GetString(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.logger.Warn("invalid integer preference", "key", key, "value", raw, "error", err)
		return def
	}
	return n
}

func (p *Preferences) PutInt64(key string, value int64) error {
	return p.PutString(key, strconv.FormatInt(value, 10))
}

// ExposureConfiguration returns the raw configuration JSON, empty when unset.
func (p *Preferences) ExposureConfiguration() string {
	return p.GetString(KeyExposureConfiguration, "")
}

func (p *Preferences) SetExposureConfiguration(text string) error {
	return p.PutString(KeyExposureConfiguration, text)
}

// MinIntervalMinutes returns the stored detection interval.
func (p *Preferences) MinIntervalMinutes() int {
	return int(p.GetInt64(KeyMinInterval, DefaultMinIntervalMinutes))
}

func (p *Preferences) SetMinIntervalMinutes(minutes int) error {
	return p.PutInt64(KeyMinInterval, int64(minutes))
}

func (p *Preferences) UserExplanation() string {
	return p.GetString(KeyUserExplanation, "")
}

func (p *Preferences) SetUserExplanation(text string) error {
	return p.PutString(KeyUserExplanation, text)
}

// LastDetectionPerformed returns the last successful submission time, or the
// zero time when no submission has been recorded.
func (p *Preferences) LastDetectionPerformed() time.Time {
	ms := p.GetInt64(KeyLastDetectionPerformed, 0)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (p *Preferences) SetLastDetectionPerformed(t time.Time) error {
	return p.PutInt64(KeyLastDetectionPerformed, t.UnixMilli())
}

func (p *Preferences) StartCalled() bool {
	return p.GetBool(KeyStartCalled, false)
}

func (p *Preferences) SetStartCalled(v bool) error {
	return p.PutBool(KeyStartCalled, v)
}

// All returns every stored preference.
func (p *Preferences) All() (map[string]string, error) {
	return p.store.ListSettings(p.namespace)
}
