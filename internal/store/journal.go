package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"snapcue/internal/types"
)

const (
	completedPrefix = "completed/"
	failedPrefix    = "failed/"

	journalDateLayout = "2006-01-02"
)

// Journal appends completion and failure records to daily buckets. Buckets
// are plain JSON arrays keyed by UTC calendar day; records are append-only
// and never rewritten once stored.
type Journal struct {
	blobs  *BlobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewJournal creates a Journal over the given blob store.
func NewJournal(blobs *BlobStore, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
	}
}

// AppendCompletions adds records to today's completed bucket in one
// load-append-save cycle.
func (j *Journal) AppendCompletions(ctx context.Context, records []types.CompletionRecord) error {
	return appendRecords(ctx, j, completedPrefix, records)
}

// AppendFailures adds records to today's failed bucket in one
// load-append-save cycle.
func (j *Journal) AppendFailures(ctx context.Context, records []types.FailureRecord) error {
	return appendRecords(ctx, j, failedPrefix, records)
}

// appendRecords loads the day's bucket (absent means empty), appends, and
// saves conditionally on the loaded version, retrying when a concurrent
// writer appended first or created the day's bucket first.
func appendRecords[T any](ctx context.Context, j *Journal, prefix string, records []T) error {
	if len(records) == 0 {
		return nil
	}
	key := j.dailyKey(prefix)

	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		var bucket []T
		etag, _, err := j.blobs.GetJSON(ctx, key, &bucket)
		if err != nil {
			return err
		}

		bucket = append(bucket, records...)

		err = j.blobs.PutJSON(ctx, key, bucket, etag)
		if err == nil {
			j.logger.InfoContext(ctx, "journal records appended",
				slog.String("key", key),
				slog.Int("appended", len(records)),
				slog.Int("bucket_size", len(bucket)),
			)
			return nil
		}
		if !retryableConflict(err) {
			return err
		}

		lastErr = err
		j.logger.WarnContext(ctx, "journal bucket changed during append, retrying",
			slog.String("key", key),
			slog.Int("attempt", attempt),
		)
	}
	return fmt.Errorf("store: journal append to %s exhausted %d attempts: %w", key, maxSaveAttempts, lastErr)
}

// dailyKey builds the bucket key for the current UTC day.
func (j *Journal) dailyKey(prefix string) string {
	return prefix + j.now().UTC().Format(journalDateLayout) + ".json"
}

// JournalBuckets lists the daily bucket keys under both journal prefixes
// whose day falls strictly before the cutoff. Used by the archiver to find
// buckets old enough for cold storage.
func (j *Journal) JournalBuckets(ctx context.Context, before time.Time) ([]string, error) {
	cutoff := before.UTC().Format(journalDateLayout)

	var out []string
	for _, prefix := range []string{completedPrefix, failedPrefix} {
		keys, err := j.blobs.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			day := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
			if _, err := time.Parse(journalDateLayout, day); err != nil {
				j.logger.WarnContext(ctx, "skipping journal object with unrecognized key",
					slog.String("key", key),
				)
				continue
			}
			if day < cutoff {
				out = append(out, key)
			}
		}
	}
	return out, nil
}
