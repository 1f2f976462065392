package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"snapcue/internal/types"
)

// scheduleKey is the bucket key of the schedule document.
const scheduleKey = "schedule.json"

// maxSaveAttempts bounds the reload-and-reapply loop when a conditional save
// loses to a concurrent writer.
const maxSaveAttempts = 3

// ScheduleStore owns the schedule document. Each mutation performs exactly
// one load and one conditional save regardless of how many jobs it touches,
// which keeps concurrent-writer windows narrow and S3 round-trips flat.
type ScheduleStore struct {
	blobs  *BlobStore
	logger *slog.Logger
}

// NewScheduleStore creates a ScheduleStore over the given blob store.
func NewScheduleStore(blobs *BlobStore, logger *slog.Logger) *ScheduleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleStore{
		blobs:  blobs,
		logger: logger,
	}
}

// Load returns the current schedule document and its version. A missing
// document is not an error: scheduling simply has not happened yet, so an
// empty document with an empty version is returned and the first Save will
// create the object.
func (s *ScheduleStore) Load(ctx context.Context) (types.ScheduleDocument, string, error) {
	doc := make(types.ScheduleDocument)
	etag, found, err := s.blobs.GetJSON(ctx, scheduleKey, &doc)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return make(types.ScheduleDocument), "", nil
	}
	return doc, etag, nil
}

// Save writes the document conditionally on the version returned by Load.
// ErrVersionConflict means another writer won the race; mutate helpers below
// handle the reload themselves.
func (s *ScheduleStore) Save(ctx context.Context, doc types.ScheduleDocument, version string) error {
	return s.blobs.PutJSON(ctx, scheduleKey, doc, version)
}

// UpsertJob schedules (or re-schedules) one snapshot for a tenant.
func (s *ScheduleStore) UpsertJob(ctx context.Context, key types.TenantKey, snapshotID string, at time.Time) error {
	return s.mutate(ctx, func(doc types.ScheduleDocument) bool {
		doc.Upsert(key, snapshotID, at)
		return true
	})
}

// RemoveJobs deletes a batch of jobs from the document in a single
// load-save cycle and returns how many were actually present. Absent
// tenants or snapshots are logged and skipped: a removal raced by an earlier
// removal of the same job is already in the desired state.
func (s *ScheduleStore) RemoveJobs(ctx context.Context, refs []types.JobRef) (int, error) {
	removed := 0
	err := s.mutate(ctx, func(doc types.ScheduleDocument) bool {
		removed = 0
		for _, ref := range refs {
			if !doc.Remove(ref.Tenant, ref.SnapshotID) {
				s.logger.WarnContext(ctx, "scheduled job already absent, skipping removal",
					slog.String("tenant", ref.Tenant.String()),
					slog.String("snapshot_id", ref.SnapshotID),
				)
				continue
			}
			removed++
		}
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// mutate runs one load-apply-save cycle, retrying the whole cycle on save
// conflicts, including a lost create race on a document that did not exist at
// load time. The apply func reports whether the document changed; an
// unchanged document skips the save entirely.
func (s *ScheduleStore) mutate(ctx context.Context, apply func(types.ScheduleDocument) bool) error {
	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		doc, version, err := s.Load(ctx)
		if err != nil {
			return err
		}

		if !apply(doc) {
			return nil
		}

		err = s.Save(ctx, doc, version)
		if err == nil {
			return nil
		}
		if !retryableConflict(err) {
			return err
		}

		lastErr = err
		s.logger.WarnContext(ctx, "schedule document changed during mutation, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxSaveAttempts),
		)
	}
	return fmt.Errorf("store: schedule mutation exhausted %d attempts: %w", maxSaveAttempts, lastErr)
}
