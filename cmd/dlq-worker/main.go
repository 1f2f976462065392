// Package main is the entrypoint for the DLQ Worker Lambda.
//
// The worker drains the delivery dead-letter queue: jobs that exhausted
// their retries are logged, journaled as failures, and removed from the
// schedule. The handler never returns an error; there is nothing downstream
// of the DLQ to retry into.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"snapcue/internal/config"
	"snapcue/internal/deadletter"
	"snapcue/internal/metrics"
	"snapcue/internal/store"
)

// Handler holds the DLQ worker Lambda dependencies.
type Handler struct {
	dlq *deadletter.Handler
}

// Handle processes one DLQ batch. Always succeeds from SQS's point of view.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) error {
	h.dlq.HandleEvent(ctx, event)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("dlq worker lambda initializing")

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

	blobs := store.NewBlobStore(s3.NewFromConfig(awsCfg), cfg.AWS.ScheduleBucket, logger)
	schedule := store.NewScheduleStore(blobs, logger)
	journal := store.NewJournal(blobs, logger)
	recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)

	handler := &Handler{
		dlq: deadletter.NewHandler(journal, schedule, recorder, logger),
	}

	logger.Info("dlq worker lambda ready",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
