package detection

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is the minimum time between two notifications for
// the same token.
const DefaultDebounceWindow = time.Minute

// Debouncer remembers when each token last fired. Entries live for the
// lifetime of the process.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	fired  map[string]time.Time
	now    func() time.Time
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		window: window,
		fired:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether token may fire now and, if so, records the firing.
// Check and record happen under one lock.
func (d *Debouncer) Allow(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.fired[token]; ok && now.Sub(last) < d.window {
		return false
	}
	d.fired[token] = now
	return true
}

// Len returns the number of remembered tokens.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fired)
}
