package detection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/keyserver"
)

// DefaultProvideKeysTimeout bounds each batch submission.
const DefaultProvideKeysTimeout = time.Minute

// KeyProvider accepts key file batches for matching.
type KeyProvider interface {
	ProvideDiagnosisKeys(ctx context.Context, files []string, cfg engine.Configuration, token string) error
}

// SyncRecorder persists the time of the last completed submission.
type SyncRecorder interface {
	SetLastDetectionPerformed(t time.Time) error
}

// SubmitResult summarizes one submission.
type SubmitResult struct {
	Batches        int
	FilesDeleted   int
	DeleteFailures int
}

// Submitter hands downloaded batches to the matching engine.
type Submitter struct {
	provider KeyProvider
	config   ConfigSource
	sync     SyncRecorder
	timeout  time.Duration
	remove   func(string) error
	now      func() time.Time
	logger   *slog.Logger
}

// NewSubmitter creates a Submitter. timeout <= 0 uses DefaultProvideKeysTimeout.
func NewSubmitter(provider KeyProvider, config ConfigSource, sync SyncRecorder, timeout time.Duration) *Submitter {
	if timeout <= 0 {
		timeout = DefaultProvideKeysTimeout
	}
	return &Submitter{
		provider: provider,
		config:   config,
		sync:     sync,
		timeout:  timeout,
		remove:   os.Remove,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Submit provides every batch concurrently under the same token and waits
// for all of them. A single failed batch fails the whole submission; there
// is no partial credit. Batch files are deleted once every submission has
// returned, whatever the outcome. The last-sync time is recorded only when
// all batches succeed.
func (s *Submitter) Submit(ctx context.Context, batches []keyserver.Batch, token string) (SubmitResult, error) {
	res := SubmitResult{Batches: len(batches)}
	if len(batches) == 0 {
		s.logger.Debug("no key files to provide")
		return res, nil
	}

	cfg, report := ParseConfiguration(s.config.ExposureConfiguration())
	if !report.OK() {
		s.logger.Warn("exposure configuration partially parsed", "failed_fields", report.FailedFields, "field", report.Field, "error", report.Err)
	}

	s.logger.Debug("providing diagnosis key batches", "batches", len(batches), "token", token)

	var g errgroup.Group
	for _, b := range batches {
		files := b.Files
		g.Go(func() error {
			return engine.CallErr(ctx, s.timeout, func(ctx context.Context) error {
				return s.provider.ProvideDiagnosisKeys(ctx, files, cfg, token)
			})
		})
	}
	err := g.Wait()

	s.cleanup(batches, &res)

	if err != nil {
		return res, fmt.Errorf("providing diagnosis keys: %w", err)
	}

	if err := s.sync.SetLastDetectionPerformed(s.now()); err != nil {
		s.logger.Warn("recording last detection time failed", "error", err)
	}
	return res, nil
}

func (s *Submitter) cleanup(batches []keyserver.Batch, res *SubmitResult) {
	for _, b := range batches {
		for _, f := range b.Files {
			if err := s.remove(f); err != nil {
				res.DeleteFailures++
				s.logger.Warn("deleting key file failed", "file", f, "error", err)
				continue
			}
			res.FilesDeleted++
		}
		if b.Dir != "" {
			if err := s.remove(b.Dir); err != nil {
				res.DeleteFailures++
				s.logger.Warn("deleting batch directory failed", "dir", b.Dir, "error", err)
			}
		}
	}
	if res.DeleteFailures > 0 {
		s.logger.Warn("key file cleanup incomplete", "failures", res.DeleteFailures)
	}
}
