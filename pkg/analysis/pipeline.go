// Package analysis implements the per-image analysis workers. Each one
// consumes post-image-processing, runs a single inference task on the
// image, and publishes its result for the post aggregator.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/httpclient"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/safeurl"
)

// pipeline is the flow shared by every analysis worker: decode and
// validate the job, enforce the URL policy, download the image, and guard
// the provider call with a circuit breaker.
type pipeline struct {
	publisher  *bus.Publisher
	downloader *httpclient.Downloader
	policy     *safeurl.Policy
	breaker    *breaker.Breaker
	log        *slog.Logger
}

func newPipeline(task string, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) pipeline {
	if log == nil {
		log = slog.Default()
	}
	retry := httpclient.RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
		Multiplier:   cfg.BackoffMultiplier,
	}
	return pipeline{
		publisher:  publisher,
		downloader: httpclient.NewDownloader(httpclient.New(cfg.DownloadTimeout), retry, log),
		policy:     safeurl.PolicyFromEnv(),
		breaker:    breaker.New(task, breaker.Config{}, log),
		log:        log,
	}
}

// decodeJob extracts the job from entry fields. A job without its
// required identifiers is a permanent failure.
func decodeJob(fields map[string]any) (messages.ImageJob, error) {
	job := messages.ImageJobFromFields(fields)
	if !job.Valid() {
		return job, errors.New("invalid job: mediaId and mediaUrl are required")
	}
	return job, nil
}

// fetch enforces the URL policy and downloads the job's image. Policy
// rejections are permanent; download failures follow the transport
// classification.
func (p *pipeline) fetch(ctx context.Context, job messages.ImageJob) ([]byte, error) {
	if err := p.policy.Validate(job.MediaURL); err != nil {
		return nil, fmt.Errorf("rejecting media url: %w", err)
	}
	return p.downloader.Download(ctx, job.MediaURL)
}
