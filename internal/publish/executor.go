// Package publish executes due publish jobs delivered from the queue:
// trigger the remote publish, patch the manifest, and record the outcome.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"snapcue/internal/metrics"
	"snapcue/internal/remote"
	"snapcue/internal/types"
)

// CredentialSource resolves a tenant's publish credential.
type CredentialSource interface {
	Credential(ctx context.Context, key types.TenantKey) (types.SecretString, error)
}

// Publisher is the executor's view of the remote publish API.
type Publisher interface {
	PublishSnapshot(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) error
	UpdateManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string, patch remote.ManifestPatch) error
}

// Bookkeeper records completed jobs in the audit journal.
type Bookkeeper interface {
	AppendCompletions(ctx context.Context, records []types.CompletionRecord) error
}

// ScheduleCleaner removes finished jobs from the schedule document.
type ScheduleCleaner interface {
	RemoveJobs(ctx context.Context, refs []types.JobRef) (int, error)
}

// Executor processes delivery-queue batches.
type Executor struct {
	credentials CredentialSource
	publisher   Publisher
	journal     Bookkeeper
	schedule    ScheduleCleaner
	recorder    metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(credentials CredentialSource, publisher Publisher, journal Bookkeeper, schedule ScheduleCleaner, recorder metrics.Recorder, logger *slog.Logger) *Executor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		credentials: credentials,
		publisher:   publisher,
		journal:     journal,
		schedule:    schedule,
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleBatch publishes every job in the batch, in order, fail-fast: the
// first publish failure aborts the batch and surfaces an error so the queue
// redelivers it whole. Bookkeeping (one journal append, one schedule
// removal) happens only after every job in the batch has published, and its
// failure also surfaces for redelivery. Both bookkeeping steps are
// idempotent, so a redelivered, already-published batch converges: publishes
// are duplicate-tolerant, appends add benign duplicate audit rows, removals
// skip absent jobs.
//
// A missing tenant credential fails the whole batch rather than skipping the
// job: a registration completing concurrently is expected to resolve it
// before delivery retries are exhausted.
func (e *Executor) HandleBatch(ctx context.Context, jobs []types.PublishJobMessage) error {
	if len(jobs) == 0 {
		return nil
	}
	if traceID := jobs[0].TraceID; traceID != "" {
		ctx = types.WithRequestID(ctx, traceID)
	}

	credentials, err := e.resolveCredentials(ctx, jobs)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := e.publishOne(ctx, job, credentials[job.TenantKey().String()]); err != nil {
			return err
		}
	}

	return e.finishBatch(ctx, jobs)
}

// resolveCredentials loads the credential of every distinct tenant in the
// batch up front, before any publish is attempted.
func (e *Executor) resolveCredentials(ctx context.Context, jobs []types.PublishJobMessage) (map[string]types.SecretString, error) {
	credentials := make(map[string]types.SecretString)
	for _, job := range jobs {
		key := job.TenantKey()
		if _, done := credentials[key.String()]; done {
			continue
		}
		secret, err := e.credentials.Credential(ctx, key)
		if err != nil {
			e.logger.ErrorContext(ctx, "cannot resolve tenant credential, failing batch",
				slog.String("tenant", key.String()),
				slog.String("snapshot_id", job.SnapshotID),
				slog.Any("error", err),
			)
			return nil, fmt.Errorf("publish: resolving credential for %s: %w", key, err)
		}
		credentials[key.String()] = secret
	}
	return credentials, nil
}

// publishOne triggers the remote publish for one job and patches its
// manifest. The manifest patch is best-effort: the snapshot is already live,
// so a patch failure is logged and the job still counts as published.
func (e *Executor) publishOne(ctx context.Context, job types.PublishJobMessage, credential types.SecretString) error {
	key := job.TenantKey()
	started := e.now()

	if lag := started.UTC().Sub(job.ScheduledAt); lag > 0 {
		e.recorder.RecordScheduleLag(ctx, lag)
	}

	if err := e.publisher.PublishSnapshot(ctx, key, credential, job.SnapshotID); err != nil {
		e.recorder.RecordPublishOutcome(ctx, key.String(), metrics.ResultFailure)
		e.logger.ErrorContext(ctx, "publish failed, aborting batch",
			slog.String("tenant", key.String()),
			slog.String("snapshot_id", job.SnapshotID),
			slog.Any("error", err),
		)
		return fmt.Errorf("publish: snapshot %s for %s: %w", job.SnapshotID, key, err)
	}

	e.recorder.RecordPublishOutcome(ctx, key.String(), metrics.ResultSuccess)
	e.recorder.RecordPublishLatency(ctx, e.now().Sub(started))

	publishedAt := e.now().UTC()
	patch := remote.ManifestPatch{
		PublishedAt: &publishedAt,
		PublishedBy: types.PublisherName,
		Status:      types.SnapshotStatusPublished,
	}
	if err := e.publisher.UpdateManifest(ctx, key, credential, job.SnapshotID, patch); err != nil {
		e.logger.ErrorContext(ctx, "manifest update failed after publish, continuing",
			slog.String("tenant", key.String()),
			slog.String("snapshot_id", job.SnapshotID),
			slog.Any("error", err),
		)
	}

	e.logger.InfoContext(ctx, "snapshot published",
		slog.String("tenant", key.String()),
		slog.String("snapshot_id", job.SnapshotID),
		slog.Time("scheduled_at", job.ScheduledAt),
	)
	return nil
}

// finishBatch writes the batch's bookkeeping: one journal append for all N
// completions, then one schedule removal for all N jobs.
func (e *Executor) finishBatch(ctx context.Context, jobs []types.PublishJobMessage) error {
	completedAt := e.now().UTC()

	records := make([]types.CompletionRecord, 0, len(jobs))
	refs := make([]types.JobRef, 0, len(jobs))
	for _, job := range jobs {
		records = append(records, types.CompletionRecord{
			Organization: job.Organization,
			Site:         job.Site,
			SnapshotID:   job.SnapshotID,
			ScheduledAt:  job.ScheduledAt,
			CompletedAt:  completedAt,
			CompletedBy:  types.PublisherName,
		})
		refs = append(refs, job.JobRef())
	}

	if err := e.journal.AppendCompletions(ctx, records); err != nil {
		return fmt.Errorf("publish: recording %d completions: %w", len(records), err)
	}
	if _, err := e.schedule.RemoveJobs(ctx, refs); err != nil {
		return fmt.Errorf("publish: removing %d finished jobs: %w", len(refs), err)
	}

	e.logger.InfoContext(ctx, "publish batch complete",
		slog.Int("published", len(jobs)),
	)
	return nil
}
