// Package maintenance holds the scheduled housekeeping tasks. The only task
// today is journal archival: closed daily journal buckets older than the
// retention window are compressed into the archive bucket and removed from
// the live bucket.
package maintenance

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"snapcue/internal/metrics"
)

const archivePrefix = "archive/"

// JournalSource lists journal buckets eligible for archival.
type JournalSource interface {
	JournalBuckets(ctx context.Context, before time.Time) ([]string, error)
}

// LiveBucket is the archiver's view of the live journal bucket.
// *store.BlobStore satisfies it.
type LiveBucket interface {
	GetRaw(ctx context.Context, key string) (body []byte, found bool, err error)
	Delete(ctx context.Context, key string) error
}

// ArchiveBucket is the archiver's view of cold storage. *store.BlobStore
// satisfies it.
type ArchiveBucket interface {
	PutRaw(ctx context.Context, key string, body []byte, contentType, contentEncoding string) error
}

// Archiver relocates cold journal buckets. Only whole closed days move; the
// records themselves are never rewritten, so the audit trail stays
// append-only across the relocation.
type Archiver struct {
	journal   JournalSource
	live      LiveBucket
	archive   ArchiveBucket
	retention time.Duration
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver moving buckets from live to archive once
// they are older than retention.
func NewArchiver(journal JournalSource, live LiveBucket, archive ArchiveBucket, retention time.Duration, recorder metrics.Recorder, logger *slog.Logger) *Archiver {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		journal:   journal,
		live:      live,
		archive:   archive,
		retention: retention,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Run archives every eligible bucket and returns how many moved. A bucket
// that fails to move is logged and left in place for the next run; the
// original is deleted only after its compressed copy is stored.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().Add(-a.retention)

	keys, err := a.journal.JournalBuckets(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("maintenance: listing archivable buckets: %w", err)
	}

	archived := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if err := a.archiveOne(ctx, key); err != nil {
			a.logger.ErrorContext(ctx, "failed to archive journal bucket, leaving in place",
				slog.String("key", key),
				slog.Any("error", err),
			)
			continue
		}
		archived++
	}

	if archived > 0 {
		a.recorder.CountJournalArchived(ctx, archived)
	}
	a.logger.InfoContext(ctx, "journal archival run complete",
		slog.Int("eligible", len(keys)),
		slog.Int("archived", archived),
		slog.Time("cutoff", cutoff),
	)
	return archived, nil
}

// archiveOne compresses one bucket into the archive bucket and deletes the
// original.
func (a *Archiver) archiveOne(ctx context.Context, key string) error {
	body, found, err := a.live.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		// Already moved by a concurrent run.
		return nil
	}

	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("compressing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compressing %s: %w", key, err)
	}

	archiveKey := archivePrefix + key + ".gz"
	if err := a.archive.PutRaw(ctx, archiveKey, compressed.Bytes(), "application/json", "gzip"); err != nil {
		return err
	}
	if err := a.live.Delete(ctx, key); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "journal bucket archived",
		slog.String("key", key),
		slog.String("archive_key", archiveKey),
		slog.Int("raw_bytes", len(body)),
		slog.Int("compressed_bytes", compressed.Len()),
	)
	return nil
}
