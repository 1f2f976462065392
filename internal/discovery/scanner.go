// Package discovery finds publish jobs that are due soon and moves them onto
// the delivery queue. Two strategies are implemented: the schedule scan
// (one blob read per tick, the default) and the per-tenant poll (fan-out to
// the remote publish API, for deployments without a schedule API in front).
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"snapcue/internal/config"
	"snapcue/internal/metrics"
	"snapcue/internal/queue"
	"snapcue/internal/types"
)

// ScheduleSource is the scanner's view of the schedule store.
type ScheduleSource interface {
	Load(ctx context.Context) (types.ScheduleDocument, string, error)
}

// JobSink is the scanner's view of the delivery-queue dispatcher.
type JobSink interface {
	EnqueuePublishJobs(ctx context.Context, jobs []types.PublishJobMessage, now time.Time) error
}

// ScanInput is the optional payload of a manually invoked dispatch cycle.
// A zero value is what the timer trigger sends: configured lookahead, real
// dispatch.
type ScanInput struct {
	// LookaheadMinutes widens the dispatch window beyond the configured
	// lookahead, for catching up after an outage. Zero means configured.
	LookaheadMinutes int `json:"lookahead_minutes,omitempty"`

	// DryRun reports the due set without enqueueing anything.
	DryRun bool `json:"dry_run,omitempty"`
}

// ScanResult summarizes one dispatch cycle.
type ScanResult struct {
	TraceID  string `json:"trace_id"`
	Scanned  int    `json:"scanned"`
	Skipped  int    `json:"skipped"`
	Due      int    `json:"due"`
	Enqueued int    `json:"enqueued"`
	DryRun   bool   `json:"dry_run"`
}

// Scanner implements schedule-scan discovery.
type Scanner struct {
	schedule ScheduleSource
	sink     JobSink
	cfg      config.SchedulerConfig
	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(schedule ScheduleSource, sink JobSink, cfg config.SchedulerConfig, recorder metrics.Recorder, logger *slog.Logger) *Scanner {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		schedule: schedule,
		sink:     sink,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Scan runs one dispatch cycle: load the schedule once, collect every entry
// whose scheduled time falls within the lookahead window (boundary
// inclusive), and enqueue them with per-job delays. Malformed entries are
// logged and skipped so one corrupt record can never stall the whole
// schedule.
//
// A job still pending at the next tick is dispatched again; delivery is
// at-least-once and the executor tolerates duplicates.
func (s *Scanner) Scan(ctx context.Context, input ScanInput) (*ScanResult, error) {
	now := s.now().UTC()
	lookahead := s.cfg.Lookahead
	if input.LookaheadMinutes > 0 {
		lookahead = time.Duration(input.LookaheadMinutes) * time.Minute
	}
	horizon := now.Add(lookahead)

	// The queue cannot hold a message back for longer than its delay ceiling,
	// and a job must never be delivered before its scheduled time. Entries
	// past the ceiling stay in the schedule for a later tick, no matter how
	// wide the requested window is.
	if ceiling := now.Add(queue.MaxDelaySeconds * time.Second); horizon.After(ceiling) {
		horizon = ceiling
	}

	result := &ScanResult{
		TraceID: uuid.New().String(),
		DryRun:  input.DryRun,
	}
	ctx = types.WithRequestID(ctx, result.TraceID)

	doc, _, err := s.schedule.Load(ctx)
	if err != nil {
		return nil, err
	}

	var due []types.PublishJobMessage
	for _, tenantKey := range doc.TenantKeys() {
		key, err := types.ParseTenantKey(tenantKey)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping schedule entry with malformed tenant key",
				slog.String("tenant_key", tenantKey),
				slog.Any("error", err),
			)
			result.Skipped += len(doc[tenantKey])
			continue
		}

		jobs := doc.Jobs(key)
		ids := make([]string, 0, len(jobs))
		for id := range jobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, snapshotID := range ids {
			result.Scanned++
			scheduledAt, err := time.Parse(time.RFC3339, jobs[snapshotID])
			if err != nil {
				s.logger.WarnContext(ctx, "skipping schedule entry with malformed timestamp",
					slog.String("tenant", tenantKey),
					slog.String("snapshot_id", snapshotID),
					slog.String("scheduled_at", jobs[snapshotID]),
				)
				result.Skipped++
				continue
			}
			if scheduledAt.After(horizon) {
				continue
			}

			due = append(due, types.PublishJobMessage{
				Organization: key.Organization,
				Site:         key.Site,
				SnapshotID:   snapshotID,
				ScheduledAt:  scheduledAt.UTC(),
				DispatchedAt: now,
				TraceID:      result.TraceID,
			})
		}
	}
	result.Due = len(due)

	if input.DryRun {
		s.logger.InfoContext(ctx, "dry-run dispatch cycle complete",
			slog.Int("scanned", result.Scanned),
			slog.Int("due", result.Due),
		)
		return result, nil
	}

	if len(due) > 0 {
		if err := s.sink.EnqueuePublishJobs(ctx, due, now); err != nil {
			return nil, err
		}
		result.Enqueued = len(due)
		s.recorder.CountJobsDispatched(ctx, result.Enqueued)
	}

	s.logger.InfoContext(ctx, "dispatch cycle complete",
		slog.Int("scanned", result.Scanned),
		slog.Int("skipped", result.Skipped),
		slog.Int("enqueued", result.Enqueued),
		slog.Duration("lookahead", lookahead),
	)
	return result, nil
}
