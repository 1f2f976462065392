// Package main is the entrypoint for the Maintenance Lambda.
//
// The Lambda runs on a scheduled timer and multiplexes housekeeping tasks
// by payload. The only task today is journal archival: expired daily
// journal buckets are compressed into the archive bucket and removed from
// the live bucket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"snapcue/internal/config"
	"snapcue/internal/maintenance"
	"snapcue/internal/metrics"
	"snapcue/internal/store"
)

const taskArchiveJournals = "archive-journals"

// taskRequest is the timer payload selecting which task to run.
type taskRequest struct {
	Task string `json:"task"`
}

// taskResult reports what a task did, surfaced in the invocation output.
type taskResult struct {
	Task     string `json:"task"`
	Archived int    `json:"archived,omitempty"`
}

// Handler holds the maintenance Lambda dependencies.
type Handler struct {
	archiver *maintenance.Archiver
	logger   *slog.Logger
}

// Handle dispatches one maintenance task.
func (h *Handler) Handle(ctx context.Context, req taskRequest) (*taskResult, error) {
	switch req.Task {
	case taskArchiveJournals:
		archived, err := h.archiver.Run(ctx)
		if err != nil {
			h.logger.ErrorContext(ctx, "journal archival failed", "error", err)
			return nil, err
		}
		return &taskResult{Task: req.Task, Archived: archived}, nil
	default:
		return nil, fmt.Errorf("unknown maintenance task %q", req.Task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("maintenance lambda initializing")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	awsCfg, err := cfg.AWS.LoadAWSConfig(context.Background())
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	live := store.NewBlobStore(s3Client, cfg.AWS.ScheduleBucket, logger)
	archive := store.NewBlobStore(s3Client, cfg.AWS.ArchiveBucket, logger)
	journal := store.NewJournal(live, logger)
	recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)

	handler := &Handler{
		archiver: maintenance.NewArchiver(journal, live, archive, cfg.Maintenance.JournalRetention, recorder, logger),
		logger:   logger,
	}

	logger.Info("maintenance lambda ready",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
