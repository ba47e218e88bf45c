package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/detection"
	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// DefaultDeferral is how long a job waits after its constraints were unmet.
const DefaultDeferral = 5 * time.Minute

// Handler runs one scheduled job.
type Handler interface {
	Run(ctx context.Context) detection.Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) detection.Result

func (f HandlerFunc) Run(ctx context.Context) detection.Result { return f(ctx) }

// Runner claims due jobs from the store and runs their handlers.
type Runner struct {
	store       JobStore
	constraints Constraints
	handlers    map[string]Handler
	poll        time.Duration
	deferral    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewRunner creates a Runner. If pollInterval is <= 0, it defaults to 5s.
// A nil constraints value runs jobs unconditionally.
func NewRunner(store JobStore, constraints Constraints, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if constraints == nil {
		constraints = NoConstraints{}
	}
	return &Runner{
		store:       store,
		constraints: constraints,
		handlers:    make(map[string]Handler),
		poll:        pollInterval,
		deferral:    DefaultDeferral,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// Register installs h for jobs of jobType. Call before Run.
func (r *Runner) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Run polls for due jobs until ctx is cancelled. Jobs left running by a
// previous process are requeued first.
func (r *Runner) Run(ctx context.Context) {
	if n, err := r.store.RequeueRunningJobs(); err != nil {
		r.logger.Error("requeueing interrupted jobs failed", "error", err)
	} else if n > 0 {
		r.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("scheduler iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and processes a single due job.
// Returns true if a job was claimed (regardless of outcome).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob(r.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if ok, reason := r.constraints.Satisfied(ctx); !ok {
		r.logger.Info("job deferred", "job_id", job.ID, "reason", reason)
		if err := r.store.DeferJob(job.ID, r.now().Add(r.deferral)); err != nil {
			return true, fmt.Errorf("deferring job %s: %w", job.ID, err)
		}
		return true, nil
	}

	h := r.handlers[job.Type]
	result := h.Run(ctx)

	if result == detection.ResultFailure {
		r.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "periodic", job.Periodic)
		err = r.store.FailJob(job.ID, "job reported failure")
	} else {
		r.logger.Debug("job completed", "job_id", job.ID, "type", job.Type)
		err = r.store.CompleteJob(job.ID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Replaced by a newer schedule while running.
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("finishing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (r *Runner) types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
