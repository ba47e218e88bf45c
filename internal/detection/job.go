package detection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/keyserver"
	"github.com/genexuslabs/ExposureNotifications/internal/settings"
)

const (
	tokenByteLength   = 32
	DefaultRetryDelay = 10 * time.Minute
)

// ErrNotEnabled ends a run early because detection is switched off. It is
// reported as success.
var ErrNotEnabled = errors.New("exposure detection not enabled")

// Result is the terminal outcome of a job or reconcile run.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
)

func (r Result) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "failure"
}

// RunContext carries the pipeline's process-lifetime latches. One value is
// shared by every job run of a scheduler instance.
type RunContext struct {
	mu             sync.Mutex
	retryUsed      bool
	dailyScheduled bool
}

func NewRunContext() *RunContext {
	return &RunContext{}
}

// ClaimRetry closes the retry latch and reports whether it was still open.
// Once a retry has been scheduled the latch stays closed.
func (rc *RunContext) ClaimRetry() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.retryUsed {
		return false
	}
	rc.retryUsed = true
	return true
}

// ReleaseRetry reopens the latch after a claim whose retry could not be
// scheduled.
func (rc *RunContext) ReleaseRetry() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.retryUsed = false
}

// RetryUsed reports whether the single retry has been spent.
func (rc *RunContext) RetryUsed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.retryUsed
}

// MarkDailyScheduled records that the periodic schedule was installed and
// reports whether this call was the first.
func (rc *RunContext) MarkDailyScheduled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	first := !rc.dailyScheduled
	rc.dailyScheduled = true
	return first
}

func (rc *RunContext) DailyScheduled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.dailyScheduled
}

// EnabledChecker reports whether the matching engine is switched on.
type EnabledChecker interface {
	IsEnabled(ctx context.Context) (bool, error)
}

// BatchDownloader fetches key file batches.
type BatchDownloader interface {
	Download(ctx context.Context) ([]keyserver.Batch, error)
}

// BatchSubmitter provides batches to the engine under a token.
type BatchSubmitter interface {
	Submit(ctx context.Context, batches []keyserver.Batch, token string) (SubmitResult, error)
}

// TokenWriter persists tokens.
type TokenWriter interface {
	Upsert(ctx context.Context, t settings.Token) error
}

// RetryScheduler installs a one-shot delayed run of the job.
type RetryScheduler interface {
	ScheduleOneShotRetry(ctx context.Context, delay time.Duration) error
}

// ProvideKeysJob downloads key batches and submits them for matching.
type ProvideKeysJob struct {
	engine     EnabledChecker
	downloader BatchDownloader
	submitter  BatchSubmitter
	tokens     TokenWriter
	retry      RetryScheduler
	runCtx     *RunContext
	apiTimeout time.Duration
	retryDelay time.Duration
	newToken   func() (string, error)
	logger     *slog.Logger
}

// JobDeps groups the collaborators of a ProvideKeysJob.
type JobDeps struct {
	Engine     EnabledChecker
	Downloader BatchDownloader
	Submitter  BatchSubmitter
	Tokens     TokenWriter
	Retry      RetryScheduler
	RunContext *RunContext
	APITimeout time.Duration
	RetryDelay time.Duration
}

func NewProvideKeysJob(deps JobDeps) *ProvideKeysJob {
	if deps.APITimeout <= 0 {
		deps.APITimeout = engine.DefaultAPITimeout
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = DefaultRetryDelay
	}
	if deps.RunContext == nil {
		deps.RunContext = NewRunContext()
	}
	return &ProvideKeysJob{
		engine:     deps.Engine,
		downloader: deps.Downloader,
		submitter:  deps.Submitter,
		tokens:     deps.Tokens,
		retry:      deps.Retry,
		runCtx:     deps.RunContext,
		apiTimeout: deps.APITimeout,
		retryDelay: deps.RetryDelay,
		newToken:   GenerateToken,
		logger:     slog.Default(),
	}
}

// Run executes check-enabled, download, submit and record in that order.
// Disabled detection ends the run as success. Any other failure schedules
// at most one delayed retry for the lifetime of the run context.
func (j *ProvideKeysJob) Run(ctx context.Context) Result {
	token, err := j.newToken()
	if err == nil {
		err = j.run(ctx, token)
	}
	if errors.Is(err, ErrNotEnabled) {
		j.logger.Debug("exposure detection disabled, skipping key download")
		return ResultSuccess
	}
	if err != nil {
		j.logger.Error("failure to provide diagnosis keys", "error", err)
		j.scheduleRetry(ctx)
		return ResultFailure
	}
	return ResultSuccess
}

func (j *ProvideKeysJob) run(ctx context.Context, token string) error {
	enabled, err := engine.Call(ctx, j.apiTimeout, j.engine.IsEnabled)
	if err != nil {
		return fmt.Errorf("checking engine state: %w", err)
	}
	if !enabled {
		return ErrNotEnabled
	}

	batches, err := j.downloader.Download(ctx)
	if err != nil {
		return fmt.Errorf("downloading key batches: %w", err)
	}

	res, err := j.submitter.Submit(ctx, batches, token)
	if err != nil {
		return fmt.Errorf("submitting key batches: %w", err)
	}
	j.logger.Info("diagnosis keys provided", "batches", res.Batches, "files_deleted", res.FilesDeleted, "delete_failures", res.DeleteFailures)

	// The record step writes an unresponded token; the repository only
	// persists responded ones, so this cannot overwrite a newer result.
	if err := j.tokens.Upsert(ctx, settings.Token{ID: token, Responded: false}); err != nil {
		return fmt.Errorf("recording token: %w", err)
	}
	return nil
}

func (j *ProvideKeysJob) scheduleRetry(ctx context.Context) {
	if !j.runCtx.ClaimRetry() {
		j.logger.Debug("retry already used, not rescheduling")
		return
	}
	if err := j.retry.ScheduleOneShotRetry(ctx, j.retryDelay); err != nil {
		j.runCtx.ReleaseRetry()
		j.logger.Error("scheduling retry failed", "error", err)
		return
	}
	j.logger.Info("retry scheduled", "delay", j.retryDelay)
}

// GenerateToken returns 32 random bytes in standard base64.
func GenerateToken() (string, error) {
	b := make([]byte, tokenByteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
