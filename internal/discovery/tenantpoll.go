package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"snapcue/internal/config"
	"snapcue/internal/metrics"
	"snapcue/internal/types"
)

// manifestFetchConcurrency bounds parallel manifest fetches per tenant so a
// site with many snapshots cannot exhaust the remote API's rate limit.
const manifestFetchConcurrency = 4

// TenantDirectory is the poller's view of the tenant registry.
type TenantDirectory interface {
	All(ctx context.Context) ([]types.Registration, error)
	Credential(ctx context.Context, key types.TenantKey) (types.SecretString, error)
}

// SnapshotBrowser is the poller's view of the remote publish API.
type SnapshotBrowser interface {
	ListSnapshots(ctx context.Context, key types.TenantKey, credential types.SecretString) ([]types.SnapshotManifest, error)
	GetManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) (*types.SnapshotManifest, error)
}

// PollSink is the poller's view of the queue dispatcher: publish jobs out,
// poll retries back in.
type PollSink interface {
	JobSink
	EnqueuePollRequest(ctx context.Context, msg types.TenantPollMessage, delay time.Duration) error
}

// Poller implements per-tenant poll discovery.
type Poller struct {
	directory TenantDirectory
	browser   SnapshotBrowser
	sink      PollSink
	cfg       config.SchedulerConfig
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(directory TenantDirectory, browser SnapshotBrowser, sink PollSink, cfg config.SchedulerConfig, recorder metrics.Recorder, logger *slog.Logger) *Poller {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		directory: directory,
		browser:   browser,
		sink:      sink,
		cfg:       cfg,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// FanOut enqueues one poll request per registered tenant and returns how many
// were sent. A tenant whose enqueue fails is logged and skipped; the rest of
// the fan-out proceeds.
func (p *Poller) FanOut(ctx context.Context) (int, error) {
	traceID := uuid.New().String()
	ctx = types.WithRequestID(ctx, traceID)

	registrations, err := p.directory.All(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, reg := range registrations {
		msg := types.TenantPollMessage{
			Organization: reg.Organization,
			Site:         reg.Site,
			Attempt:      1,
			TraceID:      traceID,
		}
		if err := p.sink.EnqueuePollRequest(ctx, msg, 0); err != nil {
			p.logger.ErrorContext(ctx, "failed to enqueue tenant poll, skipping tenant",
				slog.String("tenant", reg.TenantKey().String()),
				slog.Any("error", err),
			)
			continue
		}
		sent++
	}

	p.logger.InfoContext(ctx, "tenant poll fan-out complete",
		slog.Int("registered", len(registrations)),
		slog.Int("sent", sent),
	)
	return sent, nil
}

// HandlePoll processes one tenant's poll request: list the tenant's
// snapshots, fetch manifests concurrently, and dispatch every snapshot whose
// publish time falls within the lookahead window.
//
// Transient tenant-level failures re-enqueue the poll with a fixed backoff
// until the attempt cap; the handler itself never returns an error for them,
// since the re-enqueue already owns the retry. Per-snapshot fetch failures
// are logged and skipped.
func (p *Poller) HandlePoll(ctx context.Context, msg types.TenantPollMessage) error {
	if msg.TraceID != "" {
		ctx = types.WithRequestID(ctx, msg.TraceID)
	}
	key := msg.TenantKey()
	now := p.now().UTC()
	horizon := now.Add(p.cfg.Lookahead)

	credential, err := p.directory.Credential(ctx, key)
	if err != nil {
		// An unregistered tenant cannot resolve by waiting; drop the poll.
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeTenantNotRegistered {
			p.logger.WarnContext(ctx, "dropping poll for unregistered tenant",
				slog.String("tenant", key.String()),
			)
			return nil
		}
		return p.retryPoll(ctx, msg, err)
	}

	manifests, err := p.browser.ListSnapshots(ctx, key, credential)
	if err != nil {
		return p.retryPoll(ctx, msg, err)
	}

	due := p.collectDue(ctx, key, credential, manifests, horizon)
	if len(due) == 0 {
		p.logger.InfoContext(ctx, "tenant poll found no due snapshots",
			slog.String("tenant", key.String()),
			slog.Int("snapshots", len(manifests)),
		)
		return nil
	}

	jobs := make([]types.PublishJobMessage, 0, len(due))
	for _, manifest := range due {
		trimmed := manifest.Trimmed()
		jobs = append(jobs, types.PublishJobMessage{
			Organization: key.Organization,
			Site:         key.Site,
			SnapshotID:   manifest.SnapshotID,
			ScheduledAt:  manifest.PublishAt.UTC(),
			DispatchedAt: now,
			Manifest:     &trimmed,
			TraceID:      msg.TraceID,
		})
	}

	if err := p.sink.EnqueuePublishJobs(ctx, jobs, now); err != nil {
		return p.retryPoll(ctx, msg, err)
	}
	p.recorder.CountJobsDispatched(ctx, len(jobs))

	p.logger.InfoContext(ctx, "tenant poll dispatched jobs",
		slog.String("tenant", key.String()),
		slog.Int("enqueued", len(jobs)),
	)
	return nil
}

// collectDue fetches each listed snapshot's manifest with bounded concurrency
// and returns those due within the horizon, not yet published. Fetch
// failures skip the snapshot; a later poll cycle picks it up.
func (p *Poller) collectDue(ctx context.Context, key types.TenantKey, credential types.SecretString, manifests []types.SnapshotManifest, horizon time.Time) []types.SnapshotManifest {
	var mu sync.Mutex
	var due []types.SnapshotManifest

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestFetchConcurrency)

	for _, listed := range manifests {
		snapshotID := listed.SnapshotID
		if snapshotID == "" {
			continue
		}
		g.Go(func() error {
			manifest, err := p.browser.GetManifest(gctx, key, credential, snapshotID)
			if err != nil {
				p.logger.WarnContext(gctx, "skipping snapshot with unreadable manifest",
					slog.String("tenant", key.String()),
					slog.String("snapshot_id", snapshotID),
					slog.Any("error", err),
				)
				return nil
			}
			if manifest.PublishAt == nil || manifest.PublishedAt != nil {
				return nil
			}
			if manifest.PublishAt.After(horizon) {
				return nil
			}

			mu.Lock()
			due = append(due, *manifest)
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; Wait only closes out the group.
	_ = g.Wait()
	return due
}

// retryPoll re-enqueues the poll with a fixed backoff, or drops it with an
// error log once the attempt cap is reached.
func (p *Poller) retryPoll(ctx context.Context, msg types.TenantPollMessage, cause error) error {
	if msg.Attempt >= p.cfg.PollMaxAttempts {
		p.logger.ErrorContext(ctx, "tenant poll exhausted attempts, dropping",
			slog.String("tenant", msg.TenantKey().String()),
			slog.Int("attempts", msg.Attempt),
			slog.Any("error", cause),
		)
		return nil
	}

	retry := msg
	retry.Attempt++
	if err := p.sink.EnqueuePollRequest(ctx, retry, p.cfg.PollBackoff); err != nil {
		// Requeue failed; surface the original failure so the queue's own
		// redelivery takes over.
		p.logger.ErrorContext(ctx, "failed to re-enqueue tenant poll",
			slog.String("tenant", msg.TenantKey().String()),
			slog.Any("error", err),
		)
		return cause
	}

	p.logger.WarnContext(ctx, "tenant poll failed, re-enqueued with backoff",
		slog.String("tenant", msg.TenantKey().String()),
		slog.Int("next_attempt", retry.Attempt),
		slog.Duration("backoff", p.cfg.PollBackoff),
		slog.Any("error", cause),
	)
	return nil
}
