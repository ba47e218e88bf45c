package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady reports the engine state to w. An absent engine is not an
// error: the daemon still runs and answers every call as unavailable. A
// failed state query is reported as unknown; the periodic job retries it.
func EnsureReady(ctx context.Context, e Engine, w io.Writer) {
	if !e.IsAvailable(ctx) {
		fmt.Fprintln(w, "exposure engine: unavailable")
		return
	}

	enabled, err := CheckEnabled(ctx, e)
	switch {
	case err != nil:
		fmt.Fprintf(w, "exposure engine: state unknown (%v)\n", err)
	case enabled:
		fmt.Fprintln(w, "exposure engine: enabled")
	default:
		fmt.Fprintln(w, "exposure engine: available, not enabled")
	}

	if bt, ok := e.BluetoothEnabled(ctx); ok && !bt {
		fmt.Fprintln(w, "  bluetooth is off")
	}
}

// CheckEnabled queries IsEnabled bounded by DefaultAPITimeout.
func CheckEnabled(ctx context.Context, e Engine) (bool, error) {
	return Call(ctx, DefaultAPITimeout, e.IsEnabled)
}
