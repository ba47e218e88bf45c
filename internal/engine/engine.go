package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned by every call on an engine that is not
	// present on this host.
	ErrUnavailable = errors.New("exposure matching engine unavailable")

	// ErrResolutionRequired means the engine needs user interaction before
	// it can serve the call.
	ErrResolutionRequired = errors.New("engine requires user resolution")
)

// DefaultAPITimeout bounds status and result queries.
const DefaultAPITimeout = 15 * time.Second

// Engine abstracts the key-matching engine. All calls may block and should
// be bounded with Call.
type Engine interface {
	// IsAvailable reports whether the engine is present on this host.
	IsAvailable(ctx context.Context) bool

	// IsEnabled reports whether exposure detection is currently switched on.
	IsEnabled(ctx context.Context) (bool, error)

	// Start asks the engine to begin exposure tracing.
	Start(ctx context.Context) error

	// Stop asks the engine to end exposure tracing.
	Stop(ctx context.Context) error

	// ProvideDiagnosisKeys submits one batch of key files for matching.
	// Results are reported later, keyed by token.
	ProvideDiagnosisKeys(ctx context.Context, files []string, cfg Configuration, token string) error

	// GetExposureSummary returns the aggregate match result for token.
	GetExposureSummary(ctx context.Context, token string) (ExposureSummary, error)

	// GetExposureInformation returns per-exposure details for token.
	GetExposureInformation(ctx context.Context, token string) ([]ExposureInformation, error)

	// GetTemporaryExposureKeyHistory returns this device's own keys for sharing.
	GetTemporaryExposureKeyHistory(ctx context.Context) ([]TemporaryExposureKey, error)

	// BluetoothEnabled reports the radio state. ok is false when unknown.
	BluetoothEnabled(ctx context.Context) (enabled bool, ok bool)
}

// Call runs fn with a deadline of timeout. A deadline overrun is reported
// like any other failure.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("engine call: %w", ctx.Err())
	}
}

// CallErr is Call for functions without a result value.
func CallErr(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
