// Package main is the entrypoint for the Dispatcher Lambda.
//
// The Dispatcher runs on the EventBridge schedule rule. Each invocation is
// one dispatch cycle: load the schedule document, collect the jobs due within
// the lookahead window, and enqueue them on the delivery queue with per-job
// delays. A manual invocation may carry a JSON payload with
// lookahead_minutes and dry_run for operational catch-up runs.
//
// Cold start: logger, config (with SSM secret resolution), AWS clients,
// schedule store, queue dispatcher, metrics recorder, then lambda.Start.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"snapcue/internal/config"
	"snapcue/internal/discovery"
	"snapcue/internal/metrics"
	"snapcue/internal/queue"
	"snapcue/internal/store"
)

// Handler holds the dispatcher Lambda dependencies.
type Handler struct {
	scanner *discovery.Scanner
	logger  *slog.Logger
}

// Handle runs one dispatch cycle. The input is optional; the timer rule
// sends an empty payload.
func (h *Handler) Handle(ctx context.Context, input discovery.ScanInput) (*discovery.ScanResult, error) {
	result, err := h.scanner.Scan(ctx, input)
	if err != nil {
		h.logger.ErrorContext(ctx, "dispatch cycle failed", slog.Any("error", err))
		return nil, err
	}
	return result, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("dispatcher lambda initializing")

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
	dispatcher := queue.NewDispatcher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)

	handler := &Handler{
		scanner: discovery.NewScanner(schedule, dispatcher, cfg.Scheduler, recorder, logger),
		logger:  logger,
	}

	logger.Info("dispatcher lambda ready",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"lookahead", cfg.Scheduler.Lookahead.String(),
	)
	lambda.Start(handler.Handle)
}
