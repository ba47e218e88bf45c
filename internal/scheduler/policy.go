package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// TypeProvideKeys is the job type of both the periodic job and its retries.
const TypeProvideKeys = "provide_keys"

// PeriodicJobName is the unique name of the periodic download-and-submit job.
const PeriodicJobName = "ProvideDiagnosisKeysWorker"

// MinIntervalFloor is the largest rejected interval in minutes.
const MinIntervalFloor = 16

// DefaultInitialDelay delays the first run of a periodic job installed with
// SchedulePeriodicWithDelay.
const DefaultInitialDelay = time.Minute

// ErrIntervalBelowFloor rejects intervals of MinIntervalFloor minutes or less.
var ErrIntervalBelowFloor = errors.New("detection interval must be greater than 16 minutes")

// JobStore abstracts scheduled job persistence.
type JobStore interface {
	ReplaceUniqueJob(job storage.Job) error
	EnqueueJob(job storage.Job) error
	GetJobByName(name string) (storage.Job, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	DeferJob(id string, runAfter time.Time) error
	RequeueRunningJobs() (int, error)
}

// Policy decides when the download-and-submit job runs.
type Policy struct {
	store  JobStore
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func NewPolicy(store JobStore) *Policy {
	return &Policy{
		store:  store,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default(),
	}
}

// ValidateInterval returns ErrIntervalBelowFloor for intervals that are
// too short. Intervals are never clamped.
func ValidateInterval(minutes int) error {
	if minutes <= MinIntervalFloor {
		return fmt.Errorf("%w: got %d", ErrIntervalBelowFloor, minutes)
	}
	return nil
}

// SchedulePeriodic installs the periodic job, replacing any job of the same
// name. The first run is due immediately.
func (p *Policy) SchedulePeriodic(ctx context.Context, intervalMinutes int) error {
	return p.schedulePeriodic(ctx, intervalMinutes, 0)
}

// SchedulePeriodicWithDelay is SchedulePeriodic with the first run delayed.
func (p *Policy) SchedulePeriodicWithDelay(ctx context.Context, intervalMinutes int, delay time.Duration) error {
	return p.schedulePeriodic(ctx, intervalMinutes, delay)
}

func (p *Policy) schedulePeriodic(ctx context.Context, intervalMinutes int, delay time.Duration) error {
	if err := ValidateInterval(intervalMinutes); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	job := storage.Job{
		ID:              p.newID(),
		Name:            PeriodicJobName,
		Type:            TypeProvideKeys,
		Periodic:        true,
		IntervalMinutes: intervalMinutes,
		RunAfter:        p.now().Add(delay),
	}
	if err := p.store.ReplaceUniqueJob(job); err != nil {
		return fmt.Errorf("scheduling periodic job: %w", err)
	}
	p.logger.Info("periodic detection scheduled", "interval_minutes", intervalMinutes, "initial_delay", delay)
	return nil
}

// ScheduleOneShotRetry installs a single delayed run of the job.
func (p *Policy) ScheduleOneShotRetry(ctx context.Context, delay time.Duration) error {
	if _, err := p.enqueueOneShot(ctx, delay); err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return nil
}

// RunNow enqueues an immediate one-shot run and returns its job id.
func (p *Policy) RunNow(ctx context.Context) (string, error) {
	id, err := p.enqueueOneShot(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("enqueueing detection run: %w", err)
	}
	return id, nil
}

func (p *Policy) enqueueOneShot(ctx context.Context, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job := storage.Job{ID: p.newID(), Type: TypeProvideKeys, RunAfter: p.now().Add(delay)}
	if err := p.store.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Periodic returns the installed periodic job, or false when none exists.
func (p *Policy) Periodic() (storage.Job, bool, error) {
	job, err := p.store.GetJobByName(PeriodicJobName)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, false, nil
	}
	if err != nil {
		return storage.Job{}, false, err
	}
	return job, true, nil
}
