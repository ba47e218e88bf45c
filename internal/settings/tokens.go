package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// DefaultRepositoryTimeout bounds every token repository call.
const DefaultRepositoryTimeout = 10 * time.Second

// Token identifies one submission cycle.
type Token struct {
	ID          string    `json:"id"`
	Responded   bool      `json:"responded"`
	LastUpdated time.Time `json:"last_updated"`
}

// TokenStore abstracts the persisted token log.
type TokenStore interface {
	PutToken(rec storage.TokenRecord, capacity int) error
	LatestToken() (storage.TokenRecord, error)
	DeleteAllTokens() error
}

// TokenRepository exposes the token log as a single slot: reads return at
// most the most recent entry and only responded tokens are ever written.
type TokenRepository struct {
	store    TokenStore
	capacity int
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewTokenRepository creates a repository keeping capacity entries.
// A capacity <= 0 means a single slot.
func NewTokenRepository(store TokenStore, capacity int) *TokenRepository {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenRepository{
		store:    store,
		capacity: capacity,
		timeout:  DefaultRepositoryTimeout,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// SetTimeout overrides the per-call timeout.
func (r *TokenRepository) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// GetAll returns zero or one tokens: the most recent entry of the log.
func (r *TokenRepository) GetAll(ctx context.Context) ([]Token, error) {
	var tokens []Token
	err := r.call(ctx, func() error {
		rec, err := r.store.LatestToken()
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		tokens = append(tokens, Token{ID: rec.Token, Responded: rec.Responded, LastUpdated: rec.UpdatedAt})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	return tokens, nil
}

// Latest returns the most recent token, or false when none is stored.
func (r *TokenRepository) Latest(ctx context.Context) (Token, bool, error) {
	tokens, err := r.GetAll(ctx)
	if err != nil {
		return Token{}, false, err
	}
	if len(tokens) == 0 {
		return Token{}, false, nil
	}
	return tokens[0], true, nil
}

// Upsert stores t when it is responded. Unresponded tokens are accepted
// without being written.
func (r *TokenRepository) Upsert(ctx context.Context, t Token) error {
	if !t.Responded {
		r.logger.Debug("skipping unresponded token", "token", t.ID)
		return nil
	}
	updated := t.LastUpdated
	if updated.IsZero() {
		updated = r.now()
	}
	err := r.call(ctx, func() error {
		return r.store.PutToken(storage.TokenRecord{Token: t.ID, Responded: true, UpdatedAt: updated}, r.capacity)
	})
	if err != nil {
		return fmt.Errorf("upserting token: %w", err)
	}
	return nil
}

func (r *TokenRepository) DeleteAll(ctx context.Context) error {
	if err := r.call(ctx, r.store.DeleteAllTokens); err != nil {
		return fmt.Errorf("deleting tokens: %w", err)
	}
	return nil
}

// DeleteByTokens clears the slot. The ids only document intent: with a
// single visible token, deleting any of them deletes everything.
func (r *TokenRepository) DeleteByTokens(ctx context.Context, ids ...string) error {
	r.logger.Debug("deleting tokens", "tokens", ids)
	return r.DeleteAll(ctx)
}

func (r *TokenRepository) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
