// Package queue provides the SQS producers that feed the publish workers:
// delayed publish-job messages on the delivery queue and tenant-poll requests
// on the poll queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"snapcue/internal/config"
	"snapcue/internal/types"
)

// MaxDelaySeconds is the longest per-message delay the queue supports.
// Discovery's lookahead window must stay within it so a job's delay is never
// silently truncated.
const MaxDelaySeconds = 900

// sendBatchSize is the SQS SendMessageBatch entry limit.
const sendBatchSize = 10

// SQSSender abstracts the SQS send operations for testability. Production
// code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Dispatcher sends publish-job and tenant-poll messages. Publish jobs carry a
// per-message delay so each one becomes visible at its scheduled time.
type Dispatcher struct {
	client          SQSSender
	publishQueueURL string
	pollQueueURL    string
	logger          *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given SQS client and queue
// configuration.
func NewDispatcher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:          client,
		publishQueueURL: awsCfg.PublishQueue,
		pollQueueURL:    awsCfg.PollQueue,
		logger:          logger,
	}
}

// DelaySeconds computes the message delay for a job scheduled at scheduledAt,
// observed at now. Past-due jobs get zero delay (deliver immediately, never
// drop); future jobs get the remaining time rounded up so a job is never
// delivered early. The result is clamped to the queue's delay ceiling.
func DelaySeconds(scheduledAt, now time.Time) int32 {
	remaining := scheduledAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int64(math.Ceil(remaining.Seconds()))
	if secs > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return int32(secs)
}

// EnqueuePublishJobs sends a set of publish jobs to the delivery queue in
// batches, each message delayed until its scheduled time. The error, if any,
// names the first failed batch; messages already sent stay sent, which is
// fine because delivery is at-least-once and the executor tolerates
// duplicates.
func (d *Dispatcher) EnqueuePublishJobs(ctx context.Context, jobs []types.PublishJobMessage, now time.Time) error {
	for start := 0; start < len(jobs); start += sendBatchSize {
		end := start + sendBatchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		entries := make([]sqsTypes.SendMessageBatchRequestEntry, 0, end-start)
		for i, job := range jobs[start:end] {
			body, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("queue: failed to marshal publish job %s/%s: %w", job.TenantKey(), job.SnapshotID, err)
			}
			entries = append(entries, sqsTypes.SendMessageBatchRequestEntry{
				Id:           aws.String(strconv.Itoa(start + i)),
				MessageBody:  aws.String(string(body)),
				DelaySeconds: DelaySeconds(job.ScheduledAt, now),
			})
		}

		out, err := d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(d.publishQueueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("queue: failed to send publish batch to %s: %w", d.publishQueueURL, err)
		}
		if len(out.Failed) > 0 {
			first := out.Failed[0]
			return fmt.Errorf("queue: %d of %d publish messages rejected, first: %s (%s)",
				len(out.Failed), len(entries), aws.ToString(first.Id), aws.ToString(first.Message))
		}

		d.logger.InfoContext(ctx, "publish jobs enqueued",
			slog.String("queue_url", d.publishQueueURL),
			slog.Int("count", len(entries)),
		)
	}
	return nil
}

// EnqueuePollRequest sends a tenant-poll message, optionally delayed. Used
// both for the initial fan-out (no delay) and for bounded-backoff re-enqueues
// after a transient remote failure.
func (d *Dispatcher) EnqueuePollRequest(ctx context.Context, msg types.TenantPollMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal poll request for %s: %w", msg.TenantKey(), err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.pollQueueURL),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		secs := int64(math.Ceil(delay.Seconds()))
		if secs > MaxDelaySeconds {
			secs = MaxDelaySeconds
		}
		input.DelaySeconds = int32(secs)
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send poll request to %s: %w", d.pollQueueURL, err)
	}

	d.logger.InfoContext(ctx, "tenant poll request sent",
		slog.String("queue_url", d.pollQueueURL),
		slog.String("tenant", msg.TenantKey().String()),
		slog.Int("attempt", msg.Attempt),
		slog.Duration("delay", delay),
	)
	return nil
}
