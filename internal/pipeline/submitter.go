package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/internal/sspro"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// BatchSize is the number of templates submitted together. The rendering
// service rate limits per account, so this is fixed rather than tuned.
const BatchSize = 2

// Renderer issues a single generation request.
type Renderer interface {
	Create(ctx context.Context, template models.TemplateUpdate, mods []models.Modification) (*sspro.CreateResponse, error)
}

// Archiver turns a result archive URL into files in the output tree.
type Archiver interface {
	Download(ctx context.Context, url string, t models.TemplateUpdate) (*Archive, error)
	Extract(archive *Archive, t models.TemplateUpdate) error
}

// BucketLocation identifies where a group's images are publicly served.
type BucketLocation struct {
	PublicURL string
	Bucket    string
	// BasePath is the object prefix pattern, e.g. screenshots/{platform}/{locale}/{device}.
	BasePath string
}

// Prefix returns the object prefix for a group.
func (b BucketLocation) Prefix(t models.TemplateUpdate) string {
	return naming.Substitute(b.BasePath, GroupValues(t))
}

// ImageBaseURL returns the public URL prefix of a group's images.
func (b BucketLocation) ImageBaseURL(t models.TemplateUpdate) string {
	return models.ImageBaseURL(b.PublicURL, b.Bucket, b.Prefix(t))
}

// BatchResult is the settled state of one batch.
type BatchResult struct {
	Index    int
	Outcomes []Outcome
	// Err joins the failures of the batch's templates.
	Err error
}

// Submitter runs generation requests batch by batch.
type Submitter struct {
	counter  *JobCounter
	renderer Renderer
	archiver Archiver
	bucket   BucketLocation
	limiter  *rate.Limiter
	observer Observer
	logger   *zap.Logger
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithLimiter spaces batch starts. A nil limiter disables pacing.
func WithLimiter(limiter *rate.Limiter) SubmitterOption {
	return func(s *Submitter) { s.limiter = limiter }
}

// WithObserver receives every job state change.
func WithObserver(observer Observer) SubmitterOption {
	return func(s *Submitter) { s.observer = observer }
}

// NewSubmitter creates a submitter.
func NewSubmitter(counter *JobCounter, renderer Renderer, archiver Archiver, bucket BucketLocation, logger *zap.Logger, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		counter:  counter,
		renderer: renderer,
		archiver: archiver,
		bucket:   bucket,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Partition splits items, in order, into consecutive groups of size.
func Partition[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// Submit generates screenshots for templates. Batches run one after another;
// the templates of a batch run concurrently and settle independently. A
// failed batch does not stop the next one.
func (s *Submitter) Submit(ctx context.Context, runID string, templates []models.TemplateUpdate) []BatchResult {
	jobs := make([]*Job, len(templates))
	for i, t := range templates {
		jobs[i] = newJob(runID, t, s.observer, s.logger)
	}
	return s.submitJobs(ctx, jobs)
}

func (s *Submitter) submitJobs(ctx context.Context, jobs []*Job) []BatchResult {
	batches := Partition(jobs, BatchSize)
	results := make([]BatchResult, 0, len(batches))

	for index, batch := range batches {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.logger.Warn("Batch pacing interrupted", zap.Int("batch", index), zap.Error(err))
			}
		}

		s.logger.Info("Submitting batch",
			zap.Int("batch", index),
			zap.Int("size", len(batch)))

		// Jobs record their own failures; outcomes are read once all settle.
		var wg sync.WaitGroup
		for _, job := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.process(ctx, job)
			}()
		}
		wg.Wait()

		result := BatchResult{Index: index}
		var errs []error
		for _, job := range batch {
			result.Outcomes = append(result.Outcomes, job.outcome())
			if err := job.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		result.Err = errors.Join(errs...)
		if result.Err != nil {
			s.logger.Error("Batch completed with failures",
				zap.Int("batch", index),
				zap.Error(result.Err))
		}
		results = append(results, result)
	}
	return results
}

// process drives one job from Pending or Uploading to a terminal state.
func (s *Submitter) process(ctx context.Context, job *Job) {
	release := s.counter.Acquire()
	defer release()
	defer func() {
		if r := recover(); r != nil {
			job.logger.Error("Template processing panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			job.fail(ctx, fmt.Errorf("template %s: panic: %v", job.Template.ID, r))
		}
		metrics.TemplateOutcomesTotal.WithLabelValues(string(job.Template.Platform), string(job.State())).Inc()
	}()

	t := job.Template
	mods := models.ModificationsForTemplate(s.bucket.ImageBaseURL(t), t.Screens)
	job.transition(ctx, StateSubmitted)

	resp, err := s.renderer.Create(ctx, t, mods)
	var statusErr *sspro.StatusError
	if errors.As(err, &statusErr) && statusErr.Retryable() {
		job.logger.Warn("Retrying generation request", zap.Error(err))
		metrics.RenderRetriesTotal.WithLabelValues(string(t.Platform)).Inc()
		job.transition(ctx, StateRetrying)
		resp, err = s.renderer.Create(ctx, t, mods)
	}
	if err != nil {
		job.fail(ctx, err)
		return
	}

	if resp.DownloadURL == "" {
		job.logger.Info("Generation request completed without a download URL",
			zap.String("render_id", resp.ID),
			zap.String("status", resp.Status))
		job.transition(ctx, StateDone)
		return
	}

	job.transition(ctx, StateDownloading)
	archive, err := s.archiver.Download(ctx, resp.DownloadURL, t)
	if err != nil {
		job.fail(ctx, fmt.Errorf("downloading screenshots for template %s: %w", t.ID, err))
		return
	}

	job.transition(ctx, StateExtracting)
	if err := s.archiver.Extract(archive, t); err != nil {
		job.fail(ctx, fmt.Errorf("extracting screenshots for template %s: %w", t.ID, err))
		return
	}

	job.transition(ctx, StateDone)
	job.logger.Info("Screenshots generated", zap.String("out_dir", archive.OutDir))
}
