// Package exposure is the host-facing exposure notification object. It
// composes the engine client, the preference and token stores, and the
// scheduler into the properties and methods the host calls.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/detection"
	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/scheduler"
	"github.com/genexuslabs/ExposureNotifications/internal/settings"
)

// ObjectName is the host-visible name of the exposure notification object.
const ObjectName = detection.EventObject

// AuthorizationStatus mirrors the host enum. Values match the platform's
// raw ordering.
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationRestricted
	AuthorizationDenied
	AuthorizationAuthorized
)

func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationAuthorized:
		return "authorized"
	default:
		return "not_determined"
	}
}

// SessionResult is the last detection session as reported to the host.
type SessionResult struct {
	ID                   string    `json:"id"`
	SessionTimestamp     time.Time `json:"session_timestamp"`
	LastExposureDate     string    `json:"last_exposure_date"`
	MatchedKeyCount      int       `json:"matched_key_count"`
	MaximumRiskScore     int       `json:"maximum_risk_score"`
	AttenuationDurations []int     `json:"attenuation_durations"`
}

// Properties is a snapshot of every read-only and read-write property.
type Properties struct {
	IsAvailable                        bool                `json:"is_available"`
	Enabled                            bool                `json:"enabled"`
	AuthorizationStatus                AuthorizationStatus `json:"authorization_status"`
	ExposureDetectionMinInterval       int                 `json:"exposure_detection_min_interval"`
	ExposureInformationUserExplanation string              `json:"exposure_information_user_explanation"`
	BluetoothEnabled                   bool                `json:"bluetooth_enabled"`
	ExposureDetected                   bool                `json:"exposure_detected"`
}

// TokenStore is the manager's view of the token repository.
type TokenStore interface {
	Latest(ctx context.Context) (settings.Token, bool, error)
	DeleteAll(ctx context.Context) error
}

// Scheduler installs detection runs.
type Scheduler interface {
	SchedulePeriodic(ctx context.Context, intervalMinutes int) error
	RunNow(ctx context.Context) (string, error)
}

// Manager implements the exposure notification object.
type Manager struct {
	engine     engine.Engine
	prefs      *settings.Preferences
	tokens     TokenStore
	sched      Scheduler
	runCtx     *detection.RunContext
	apiTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu         sync.Mutex
	authStatus AuthorizationStatus
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Engine     engine.Engine
	Prefs      *settings.Preferences
	Tokens     TokenStore
	Scheduler  Scheduler
	RunContext *detection.RunContext
	APITimeout time.Duration
}

func NewManager(deps Deps) *Manager {
	if deps.APITimeout <= 0 {
		deps.APITimeout = engine.DefaultAPITimeout
	}
	if deps.RunContext == nil {
		deps.RunContext = detection.NewRunContext()
	}
	return &Manager{
		engine:     deps.Engine,
		prefs:      deps.Prefs,
		tokens:     deps.Tokens,
		sched:      deps.Scheduler,
		runCtx:     deps.RunContext,
		apiTimeout: deps.APITimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// IsAvailable reports whether a matching engine is reachable.
func (m *Manager) IsAvailable(ctx context.Context) bool {
	if m.engine.IsAvailable(ctx) {
		return true
	}
	m.setAuthStatus(AuthorizationRestricted)
	return false
}

// Enabled reports whether detection is switched on. The first call that
// finds detection enabled with a sync due installs the periodic schedule.
func (m *Manager) Enabled(ctx context.Context) bool {
	enabled := m.enabled(ctx)
	if enabled && m.ShouldRunSync() && m.runCtx.MarkDailyScheduled() {
		m.logger.Debug("detection enabled and sync due, installing schedule")
		m.schedule(ctx)
	}
	return enabled
}

// enabled queries the engine and refreshes the authorization status.
func (m *Manager) enabled(ctx context.Context) bool {
	if !m.IsAvailable(ctx) {
		return false
	}
	enabled, err := engine.Call(ctx, m.apiTimeout, m.engine.IsEnabled)
	if err != nil {
		m.logger.Error("querying engine enabled state failed", "error", err)
		return false
	}
	switch {
	case enabled:
		m.setAuthStatus(AuthorizationAuthorized)
	case m.prefs.StartCalled():
		m.setAuthStatus(AuthorizationDenied)
	}
	return enabled
}

// AuthorizationStatus refreshes and returns the authorization status. It
// stays not-determined until Start has been called on an available engine.
func (m *Manager) AuthorizationStatus(ctx context.Context) AuthorizationStatus {
	m.enabled(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authStatus
}

func (m *Manager) setAuthStatus(s AuthorizationStatus) {
	m.mu.Lock()
	m.authStatus = s
	m.mu.Unlock()
}

// MinInterval returns the detection interval in minutes.
func (m *Manager) MinInterval() int {
	return m.prefs.MinIntervalMinutes()
}

// SetMinInterval stores a new detection interval. Values at or below the
// floor are rejected without touching storage. While detection is enabled,
// a changed value or a due sync reschedules the periodic job.
func (m *Manager) SetMinInterval(ctx context.Context, minutes int) error {
	if err := scheduler.ValidateInterval(minutes); err != nil {
		m.logger.Error("rejected detection interval", "minutes", minutes)
		return err
	}
	previous := m.prefs.MinIntervalMinutes()
	if err := m.prefs.SetMinIntervalMinutes(minutes); err != nil {
		return fmt.Errorf("storing detection interval: %w", err)
	}

	if !m.enabled(ctx) {
		return nil
	}
	if m.ShouldRunSync() || previous != minutes {
		m.runCtx.MarkDailyScheduled()
		m.logger.Debug("detection interval changed, rescheduling", "previous", previous, "minutes", minutes)
		if err := m.sched.SchedulePeriodic(ctx, minutes); err != nil {
			return fmt.Errorf("rescheduling detection: %w", err)
		}
	}
	return nil
}

func (m *Manager) UserExplanation() string {
	return m.prefs.UserExplanation()
}

// SetUserExplanation stores the explanation text. It has no other effect.
func (m *Manager) SetUserExplanation(text string) error {
	return m.prefs.SetUserExplanation(text)
}

// BluetoothEnabled reports the radio state. An engine that cannot tell is
// assumed to have it on.
func (m *Manager) BluetoothEnabled(ctx context.Context) bool {
	if !m.IsAvailable(ctx) {
		return false
	}
	enabled, ok := m.engine.BluetoothEnabled(ctx)
	if !ok {
		return true
	}
	return enabled
}

// ShouldRunSync reports whether no detection has been recorded or the last
// one is at least one interval old.
func (m *Manager) ShouldRunSync() bool {
	last := m.prefs.LastDetectionPerformed()
	if last.IsZero() {
		return true
	}
	interval := time.Duration(m.prefs.MinIntervalMinutes()) * time.Minute
	return m.now().Sub(last) >= interval
}

// ExposureDetected reports whether the last token's summary has matches.
func (m *Manager) ExposureDetected(ctx context.Context) bool {
	_, summary, ok := m.lastSummary(ctx)
	return ok && summary.MatchedKeyCount > 0
}

// LastExposureDetectionResult returns the last session's result, or false
// when there is no session to report.
func (m *Manager) LastExposureDetectionResult(ctx context.Context) (SessionResult, bool) {
	token, summary, ok := m.lastSummary(ctx)
	if !ok {
		return SessionResult{}, false
	}
	lastExposure := m.now().AddDate(0, 0, -summary.DaysSinceLastExposure)
	return SessionResult{
		ID:                   token.ID,
		SessionTimestamp:     token.LastUpdated,
		LastExposureDate:     lastExposure.Format(time.DateOnly),
		MatchedKeyCount:      summary.MatchedKeyCount,
		MaximumRiskScore:     summary.MaximumRiskScore,
		AttenuationDurations: summary.AttenuationDurationsMinutes,
	}, true
}

func (m *Manager) lastSummary(ctx context.Context) (settings.Token, engine.ExposureSummary, bool) {
	token, ok := m.lastToken(ctx)
	if !ok {
		return settings.Token{}, engine.ExposureSummary{}, false
	}
	summary, err := engine.Call(ctx, m.apiTimeout, func(ctx context.Context) (engine.ExposureSummary, error) {
		return m.engine.GetExposureSummary(ctx, token.ID)
	})
	if err != nil {
		m.logger.Error("fetching exposure summary failed", "error", err)
		return settings.Token{}, engine.ExposureSummary{}, false
	}
	return token, summary, true
}

func (m *Manager) lastToken(ctx context.Context) (settings.Token, bool) {
	if !m.IsAvailable(ctx) {
		return settings.Token{}, false
	}
	token, ok, err := m.tokens.Latest(ctx)
	if err != nil {
		m.logger.Error("reading last token failed", "error", err)
		return settings.Token{}, false
	}
	if !ok {
		m.logger.Debug("no token stored")
	}
	return token, ok
}

// LastExposureDetectionSessionDetails returns per-exposure details for the
// last token. Failures yield an empty list.
func (m *Manager) LastExposureDetectionSessionDetails(ctx context.Context) []engine.ExposureInformation {
	token, ok := m.lastToken(ctx)
	if !ok {
		return []engine.ExposureInformation{}
	}
	infos, err := engine.Call(ctx, m.apiTimeout, func(ctx context.Context) ([]engine.ExposureInformation, error) {
		return m.engine.GetExposureInformation(ctx, token.ID)
	})
	if err != nil {
		m.logger.Error("fetching exposure information failed", "error", err)
		return []engine.ExposureInformation{}
	}
	if infos == nil {
		infos = []engine.ExposureInformation{}
	}
	return infos
}

// TemporaryExposureKeyHistoryForSharing returns this device's keys for
// upload after a positive diagnosis. engine.ErrResolutionRequired means the
// user must consent on the engine side first.
func (m *Manager) TemporaryExposureKeyHistoryForSharing(ctx context.Context) ([]engine.TemporaryExposureKey, error) {
	if !m.IsAvailable(ctx) {
		return []engine.TemporaryExposureKey{}, nil
	}
	keys, err := engine.Call(ctx, m.apiTimeout, m.engine.GetTemporaryExposureKeyHistory)
	if err != nil {
		return nil, fmt.Errorf("fetching key history: %w", err)
	}
	out := make([]engine.TemporaryExposureKey, len(keys))
	for i, k := range keys {
		out[i] = k.Normalized()
	}
	return out, nil
}

// Start stores configText when non-empty, records that the host asked to
// start, and switches the engine on. A due sync is scheduled once the
// engine reports enabled.
func (m *Manager) Start(ctx context.Context, configText string) error {
	if configText != "" {
		if _, report := detection.ParseConfiguration(configText); !report.OK() {
			m.logger.Warn("exposure configuration partially invalid", "field", report.Field, "failed_fields", report.FailedFields, "error", report.Err)
		}
		if err := m.prefs.SetExposureConfiguration(configText); err != nil {
			return fmt.Errorf("storing exposure configuration: %w", err)
		}
	}
	if err := m.prefs.SetStartCalled(true); err != nil {
		return fmt.Errorf("recording start: %w", err)
	}
	if !m.IsAvailable(ctx) {
		return engine.ErrUnavailable
	}
	if err := engine.CallErr(ctx, m.apiTimeout, m.engine.Start); err != nil {
		if errors.Is(err, engine.ErrResolutionRequired) {
			m.setAuthStatus(AuthorizationDenied)
		}
		return fmt.Errorf("starting engine: %w", err)
	}

	if m.enabled(ctx) && m.ShouldRunSync() {
		m.runCtx.MarkDailyScheduled()
		m.schedule(ctx)
	}
	return nil
}

// Stop switches the engine off.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.IsAvailable(ctx) {
		return engine.ErrUnavailable
	}
	if err := engine.CallErr(ctx, m.apiTimeout, m.engine.Stop); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}

// ResetLastExposureDetectionResult deletes every stored token.
func (m *Manager) ResetLastExposureDetectionResult(ctx context.Context) bool {
	if err := m.tokens.DeleteAll(ctx); err != nil {
		m.logger.Error("removing tokens failed", "error", err)
		return false
	}
	m.logger.Debug("all tokens deleted")
	return true
}

// StartDetectionSession enqueues an immediate download-and-submit run and
// returns its job id.
func (m *Manager) StartDetectionSession(ctx context.Context) (string, error) {
	if !m.IsAvailable(ctx) {
		return "", engine.ErrUnavailable
	}
	return m.sched.RunNow(ctx)
}

// Snapshot reads every property.
func (m *Manager) Snapshot(ctx context.Context) Properties {
	enabled := m.Enabled(ctx)
	m.mu.Lock()
	status := m.authStatus
	m.mu.Unlock()
	return Properties{
		IsAvailable:                        m.engine.IsAvailable(ctx),
		Enabled:                            enabled,
		AuthorizationStatus:                status,
		ExposureDetectionMinInterval:       m.MinInterval(),
		ExposureInformationUserExplanation: m.UserExplanation(),
		BluetoothEnabled:                   m.BluetoothEnabled(ctx),
		ExposureDetected:                   m.ExposureDetected(ctx),
	}
}

func (m *Manager) schedule(ctx context.Context) {
	if err := m.sched.SchedulePeriodic(ctx, m.prefs.MinIntervalMinutes()); err != nil {
		m.logger.Error("scheduling periodic detection failed", "error", err)
	}
}
