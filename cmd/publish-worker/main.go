// Package main is the entrypoint for the Publish Worker Lambda.
//
// The worker consumes publish jobs from the delivery queue. A batch is
// processed fail-fast: the first publish failure aborts the rest and returns
// an error so SQS redelivers the whole batch; after max receives the redrive
// policy moves it to the DLQ. Completed batches get one journal append and
// one schedule removal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"snapcue/internal/config"
	"snapcue/internal/metrics"
	"snapcue/internal/publish"
	"snapcue/internal/remote"
	"snapcue/internal/store"
	"snapcue/internal/types"
)

// Handler holds the publish worker Lambda dependencies.
type Handler struct {
	executor *publish.Executor
	logger   *slog.Logger
}

// Handle decodes the SQS batch into publish jobs and hands it to the
// executor. A message body that does not parse fails the batch: the job
// cannot be skipped silently, and redelivery ends in the DLQ where the
// failure is journaled.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) error {
	jobs := make([]types.PublishJobMessage, 0, len(event.Records))
	for _, record := range event.Records {
		var job types.PublishJobMessage
		if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
			h.logger.ErrorContext(ctx, "publish job body does not parse",
				slog.String("message_id", record.MessageId),
				slog.Any("error", err),
			)
			return fmt.Errorf("decoding publish job %s: %w", record.MessageId, err)
		}
		jobs = append(jobs, job)
	}

	return h.executor.HandleBatch(ctx, jobs)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("publish worker lambda initializing")

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
	credentials := store.NewSSMCredentialStore(ssm.NewFromConfig(awsCfg))
	registry := store.NewTenantRegistry(blobs, credentials, cfg.AWS.CredentialPrefix, logger)
	publishAPI := remote.NewPublishClient(cfg.Publish, nil, logger)
	recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)

	handler := &Handler{
		executor: publish.NewExecutor(registry, publishAPI, journal, schedule, recorder, logger),
		logger:   logger,
	}

	logger.Info("publish worker lambda ready",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
