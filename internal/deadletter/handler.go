// Package deadletter drains the delivery DLQ: jobs that exhausted their
// delivery retries are recorded in the failure journal and removed from the
// schedule so they stop being re-dispatched.
package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"snapcue/internal/metrics"
	"snapcue/internal/types"
)

// FailureJournal records dead-lettered jobs.
type FailureJournal interface {
	AppendFailures(ctx context.Context, records []types.FailureRecord) error
}

// ScheduleCleaner removes dead-lettered jobs from the schedule document.
type ScheduleCleaner interface {
	RemoveJobs(ctx context.Context, refs []types.JobRef) (int, error)
}

// Handler consumes DLQ batches. It is the pipeline's last stop: whatever
// happens inside is logged, and the handler itself never returns an error,
// because re-driving a dead-lettered job back through the DLQ cannot make it
// succeed.
type Handler struct {
	journal  FailureJournal
	schedule ScheduleCleaner
	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(journal FailureJournal, schedule ScheduleCleaner, recorder metrics.Recorder, logger *slog.Logger) *Handler {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		journal:  journal,
		schedule: schedule,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleEvent processes one DLQ batch: every record is logged at error
// severity, the batch gets one failure-journal append and one schedule
// removal. Records whose body no longer parses are logged and skipped; they
// carry nothing actionable.
func (h *Handler) HandleEvent(ctx context.Context, event events.SQSEvent) {
	failedAt := h.now().UTC()

	var records []types.FailureRecord
	var refs []types.JobRef

	for _, msg := range event.Records {
		var job types.PublishJobMessage
		if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
			h.logger.ErrorContext(ctx, "dead-lettered message has unparseable body, skipping",
				slog.String("message_id", msg.MessageId),
				slog.Any("error", err),
			)
			continue
		}

		h.logger.ErrorContext(ctx, "publish job exhausted delivery retries",
			slog.String("tenant", job.TenantKey().String()),
			slog.String("snapshot_id", job.SnapshotID),
			slog.Time("scheduled_at", job.ScheduledAt),
			slog.String("message_id", msg.MessageId),
			slog.String("trace_id", job.TraceID),
		)

		records = append(records, types.FailureRecord{
			Organization:      job.Organization,
			Site:              job.Site,
			SnapshotID:        job.SnapshotID,
			ScheduledAt:       job.ScheduledAt,
			QueueMessageID:    msg.MessageId,
			OriginalEnqueueAt: enqueueTime(msg),
			FailedAt:          failedAt,
			Reason:            types.FailureReasonMaxRetries,
		})
		refs = append(refs, job.JobRef())
	}

	if len(records) == 0 {
		return
	}

	// Best-effort from here on: a bookkeeping failure must never push the
	// batch back through the DLQ.
	if err := h.journal.AppendFailures(ctx, records); err != nil {
		h.logger.ErrorContext(ctx, "failed to record dead-lettered jobs in failure journal",
			slog.Int("count", len(records)),
			slog.Any("error", err),
		)
	}
	if _, err := h.schedule.RemoveJobs(ctx, refs); err != nil {
		h.logger.ErrorContext(ctx, "failed to remove dead-lettered jobs from schedule",
			slog.Int("count", len(refs)),
			slog.Any("error", err),
		)
	}

	h.recorder.CountDeadLettered(ctx, len(records))
}

// enqueueTime recovers the original enqueue time from the message's
// SentTimestamp attribute (epoch milliseconds). Zero time when absent.
func enqueueTime(msg events.SQSMessage) time.Time {
	raw, ok := msg.Attributes["SentTimestamp"]
	if !ok {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
