// Package main is the entrypoint for the Site Poller Lambda, the alternative
// discovery path for deployments without a schedule API in front of the
// pipeline.
//
// The function serves two triggers:
//   - the EventBridge fan-out rule (empty or non-SQS payload): enqueue one
//     poll request per registered tenant;
//   - the poll queue (events.SQSEvent): scan one tenant's snapshots on the
//     remote publish API and dispatch the due ones.
//
// Both arrive at a single handler that inspects the raw payload, the same
// multiplexing pattern the maintenance Lambda uses.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"snapcue/internal/config"
	"snapcue/internal/discovery"
	"snapcue/internal/metrics"
	"snapcue/internal/queue"
	"snapcue/internal/remote"
	"snapcue/internal/store"
	"snapcue/internal/types"
)

// Handler holds the site poller Lambda dependencies.
type Handler struct {
	poller *discovery.Poller
	logger *slog.Logger
}

// Handle multiplexes between the fan-out trigger and poll-queue delivery.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) error {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 {
		return h.handlePollBatch(ctx, sqsEvent)
	}

	sent, err := h.poller.FanOut(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "tenant poll fan-out failed", slog.Any("error", err))
		return err
	}
	h.logger.InfoContext(ctx, "tenant poll fan-out finished", slog.Int("sent", sent))
	return nil
}

// handlePollBatch processes poll-queue messages. HandlePoll owns its own
// retry via backoff re-enqueue, so an unparseable body is dropped rather
// than redelivered; only a failed re-enqueue surfaces to SQS.
func (h *Handler) handlePollBatch(ctx context.Context, event events.SQSEvent) error {
	for _, record := range event.Records {
		var msg types.TenantPollMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			h.logger.ErrorContext(ctx, "dropping unparseable poll message",
				slog.String("message_id", record.MessageId),
				slog.Any("error", err),
			)
			continue
		}
		if err := h.poller.HandlePoll(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("site poller lambda initializing")

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
	credentials := store.NewSSMCredentialStore(ssm.NewFromConfig(awsCfg))
	registry := store.NewTenantRegistry(blobs, credentials, cfg.AWS.CredentialPrefix, logger)
	dispatcher := queue.NewDispatcher(sqs.NewFromConfig(awsCfg), cfg.AWS, logger)
	publishAPI := remote.NewPublishClient(cfg.Publish, nil, logger)
	recorder := metrics.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)

	handler := &Handler{
		poller: discovery.NewPoller(registry, publishAPI, dispatcher, cfg.Scheduler, recorder, logger),
		logger: logger,
	}

	logger.Info("site poller lambda ready",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)
	lambda.Start(handler.Handle)
}
