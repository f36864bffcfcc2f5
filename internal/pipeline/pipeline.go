// Package pipeline turns template update requests into rendered marketing
// screenshots: captured images are uploaded once per group, generation
// requests go out in fixed-size batches, and result archives are unpacked
// into the output tree.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// Uploader pushes a local image directory to a bucket prefix.
type Uploader interface {
	Upload(ctx context.Context, dir, bucket, prefix string) (int, error)
}

// Service coordinates a store run.
type Service struct {
	uploader    Uploader
	submitter   *Submitter
	bucket      BucketLocation
	capturePath string
	logger      *zap.Logger
}

// NewService creates a service. capturePath is the local capture directory
// pattern whose contents are uploaded for each group.
func NewService(uploader Uploader, submitter *Submitter, bucket BucketLocation, capturePath string, logger *zap.Logger) *Service {
	return &Service{
		uploader:    uploader,
		submitter:   submitter,
		bucket:      bucket,
		capturePath: capturePath,
		logger:      logger,
	}
}

// Report summarizes a store run.
type Report struct {
	RunID    string
	Outcomes []Outcome
	Batches  []BatchResult
	// UploadErr joins the failures of group uploads.
	UploadErr error
}

// Failed reports whether any upload or template failed.
func (r *Report) Failed() bool {
	if r.UploadErr != nil {
		return true
	}
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			return true
		}
	}
	return false
}

// Err joins every failure of the run.
func (r *Report) Err() error {
	errs := []error{r.UploadErr}
	for _, b := range r.Batches {
		errs = append(errs, b.Err)
	}
	return errors.Join(errs...)
}

// Run uploads each distinct image group once, then submits the templates of
// groups that uploaded successfully. Templates of a failed group are marked
// failed without a generation request.
func (s *Service) Run(ctx context.Context, runID string, templates []models.TemplateUpdate) *Report {
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("Starting screenshot generation", zap.Int("templates", len(templates)))

	jobs := make([]*Job, len(templates))
	byGroup := make(map[models.ImageGroup][]*Job)
	var order []models.ImageGroup
	for i, t := range templates {
		job := newJob(runID, t, s.submitter.observer, s.logger)
		jobs[i] = job
		group := t.Group()
		if _, seen := byGroup[group]; !seen {
			order = append(order, group)
		}
		byGroup[group] = append(byGroup[group], job)
	}

	var uploadErrs []error
	for _, group := range order {
		groupJobs := byGroup[group]
		for _, job := range groupJobs {
			job.transition(ctx, StateUploading)
		}
		if err := s.uploadGroup(ctx, groupJobs[0].Template); err != nil {
			err = fmt.Errorf("uploading images for %s: %w", group, err)
			uploadErrs = append(uploadErrs, err)
			for _, job := range groupJobs {
				job.fail(ctx, err)
				metrics.TemplateOutcomesTotal.WithLabelValues(string(job.Template.Platform), string(StateFailed)).Inc()
			}
		}
	}

	var pending []*Job
	for _, job := range jobs {
		if job.State() != StateFailed {
			pending = append(pending, job)
		}
	}

	report := &Report{RunID: runID, UploadErr: errors.Join(uploadErrs...)}
	report.Batches = s.submitter.submitJobs(ctx, pending)
	for _, job := range jobs {
		report.Outcomes = append(report.Outcomes, job.outcome())
	}

	logger.Info("Screenshot generation finished",
		zap.Int("batches", len(report.Batches)),
		zap.Bool("failed", report.Failed()))
	return report
}

func (s *Service) uploadGroup(ctx context.Context, t models.TemplateUpdate) error {
	if err := naming.CheckSegment(t.Locale); err != nil {
		return err
	}
	if err := naming.CheckSegment(t.Device); err != nil {
		return err
	}
	dir := naming.Substitute(s.capturePath, GroupValues(t))
	prefix := s.bucket.Prefix(t)

	count, err := s.uploader.Upload(ctx, dir, s.bucket.Bucket, prefix)
	if err != nil {
		metrics.BucketUploadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.BucketUploadsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Uploaded group images",
		zap.String("dir", dir),
		zap.String("bucket", s.bucket.Bucket),
		zap.String("prefix", prefix),
		zap.Int("files", count))
	return nil
}
