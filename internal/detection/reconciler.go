package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/settings"
)

// Host event fired when a qualifying exposure is confirmed.
const (
	EventObject           = "ExposureAlerts.ExposureNotification"
	EventExposureDetected = "OnExposureDetected"
)

// ErrMissingToken rejects a state update that carries no token.
var ErrMissingToken = errors.New("state update without token")

// StateUpdated is the engine's signal that results for Token are ready.
type StateUpdated struct {
	Token string `json:"token"`
}

// Action is what a reconcile does to the token store.
type Action int

const (
	ActionDeleteToken Action = iota
	ActionMarkResponded
)

func (a Action) String() string {
	if a == ActionDeleteToken {
		return "delete_token"
	}
	return "mark_responded"
}

// Decision is the outcome of evaluating a summary against configuration.
type Decision struct {
	Action Action
	// Notify is true when the risk score clears the threshold. The
	// notification is still subject to debouncing.
	Notify bool
}

// Decide maps a match summary to a store action and notification intent.
func Decide(summary engine.ExposureSummary, cfg engine.Configuration) Decision {
	if summary.MatchedKeyCount == 0 {
		return Decision{Action: ActionDeleteToken}
	}
	return Decision{
		Action: ActionMarkResponded,
		Notify: summary.MaximumRiskScore >= cfg.MinimumRiskScore,
	}
}

// SummaryFetcher fetches match summaries.
type SummaryFetcher interface {
	GetExposureSummary(ctx context.Context, token string) (engine.ExposureSummary, error)
}

// TokenStore is the reconciler's view of the token repository.
type TokenStore interface {
	Upsert(ctx context.Context, t settings.Token) error
	DeleteByTokens(ctx context.Context, ids ...string) error
}

// EventFirer delivers host events. Delivery is fire-and-forget.
type EventFirer interface {
	FireEvent(ctx context.Context, objectName, eventName, token string)
}

// Reconciler processes state updates from the matching engine.
type Reconciler struct {
	engine     SummaryFetcher
	config     ConfigSource
	tokens     TokenStore
	events     EventFirer
	debounce   *Debouncer
	apiTimeout time.Duration
	logger     *slog.Logger
}

// ReconcilerDeps groups the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Engine     SummaryFetcher
	Config     ConfigSource
	Tokens     TokenStore
	Events     EventFirer
	Debouncer  *Debouncer
	APITimeout time.Duration
}

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	if deps.APITimeout <= 0 {
		deps.APITimeout = engine.DefaultAPITimeout
	}
	if deps.Debouncer == nil {
		deps.Debouncer = NewDebouncer(DefaultDebounceWindow)
	}
	return &Reconciler{
		engine:     deps.Engine,
		config:     deps.Config,
		tokens:     deps.Tokens,
		events:     deps.Events,
		debounce:   deps.Debouncer,
		apiTimeout: deps.APITimeout,
		logger:     slog.Default(),
	}
}

// Handle reconciles one state update. Failures are returned, never retried.
func (r *Reconciler) Handle(ctx context.Context, msg StateUpdated) (Result, error) {
	if err := r.handle(ctx, msg); err != nil {
		r.logger.Error("reconciling state update failed", "token", msg.Token, "error", err)
		return ResultFailure, err
	}
	return ResultSuccess, nil
}

func (r *Reconciler) handle(ctx context.Context, msg StateUpdated) error {
	if msg.Token == "" {
		return ErrMissingToken
	}

	summary, err := engine.Call(ctx, r.apiTimeout, func(ctx context.Context) (engine.ExposureSummary, error) {
		return r.engine.GetExposureSummary(ctx, msg.Token)
	})
	if err != nil {
		return fmt.Errorf("fetching exposure summary: %w", err)
	}

	var cfg engine.Configuration
	if summary.MatchedKeyCount > 0 {
		var report ParseReport
		cfg, report = ParseConfiguration(r.config.ExposureConfiguration())
		if !report.OK() {
			r.logger.Warn("exposure configuration partially parsed", "failed_fields", report.FailedFields, "field", report.Field, "error", report.Err)
		}
	}

	d := Decide(summary, cfg)
	r.logger.Debug("exposure summary evaluated",
		"token", msg.Token,
		"matched_key_count", summary.MatchedKeyCount,
		"maximum_risk_score", summary.MaximumRiskScore,
		"minimum_risk_score", cfg.MinimumRiskScore,
		"action", d.Action.String(),
		"notify", d.Notify,
	)

	if d.Action == ActionDeleteToken {
		if err := r.tokens.DeleteByTokens(ctx, msg.Token); err != nil {
			return fmt.Errorf("deleting token: %w", err)
		}
		return nil
	}

	if err := r.tokens.Upsert(ctx, settings.Token{ID: msg.Token, Responded: true}); err != nil {
		return fmt.Errorf("marking token responded: %w", err)
	}

	if !d.Notify {
		return nil
	}
	if !r.debounce.Allow(msg.Token) {
		r.logger.Debug("exposure event suppressed within debounce window", "token", msg.Token)
		return nil
	}
	r.events.FireEvent(ctx, EventObject, EventExposureDetected, msg.Token)
	return nil
}
