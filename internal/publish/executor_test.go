package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"snapcue/internal/remote"
	"snapcue/internal/types"
)

// mockCredentials resolves from a fixed map.
type mockCredentials struct {
	secrets map[string]types.SecretString
	calls   int
}

func (m *mockCredentials) Credential(_ context.Context, key types.TenantKey) (types.SecretString, error) {
	m.calls++
	secret, ok := m.secrets[key.String()]
	if !ok {
		return "", types.NewAppError(types.ErrCodeTenantNotRegistered, "not registered", nil)
	}
	return secret, nil
}

// mockPublisher records publish and patch calls, with per-snapshot failures.
type mockPublisher struct {
	published  []string
	patched    []string
	publishErr map[string]error
	patchErr   error
}

func (m *mockPublisher) PublishSnapshot(_ context.Context, _ types.TenantKey, _ types.SecretString, snapshotID string) error {
	if err := m.publishErr[snapshotID]; err != nil {
		return err
	}
	m.published = append(m.published, snapshotID)
	return nil
}

func (m *mockPublisher) UpdateManifest(_ context.Context, _ types.TenantKey, _ types.SecretString, snapshotID string, _ remote.ManifestPatch) error {
	if m.patchErr != nil {
		return m.patchErr
	}
	m.patched = append(m.patched, snapshotID)
	return nil
}

// mockJournal records appended completion batches.
type mockJournal struct {
	batches   [][]types.CompletionRecord
	appendErr error
}

func (m *mockJournal) AppendCompletions(_ context.Context, records []types.CompletionRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.batches = append(m.batches, records)
	return nil
}

// mockCleaner records removal batches.
type mockCleaner struct {
	batches   [][]types.JobRef
	removeErr error
}

func (m *mockCleaner) RemoveJobs(_ context.Context, refs []types.JobRef) (int, error) {
	if m.removeErr != nil {
		return 0, m.removeErr
	}
	m.batches = append(m.batches, refs)
	return len(refs), nil
}

type executorFixture struct {
	credentials *mockCredentials
	publisher   *mockPublisher
	journal     *mockJournal
	cleaner     *mockCleaner
	executor    *Executor
}

func newFixture() *executorFixture {
	f := &executorFixture{
		credentials: &mockCredentials{secrets: map[string]types.SecretString{
			"acme--blog": "token-blog",
			"acme--docs": "token-docs",
		}},
		publisher: &mockPublisher{},
		journal:   &mockJournal{},
		cleaner:   &mockCleaner{},
	}
	f.executor = NewExecutor(f.credentials, f.publisher, f.journal, f.cleaner, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.executor.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func batchOf(ids ...string) []types.PublishJobMessage {
	jobs := make([]types.PublishJobMessage, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, types.PublishJobMessage{
			Organization: "acme",
			Site:         "blog",
			SnapshotID:   id,
			ScheduledAt:  time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC),
		})
	}
	return jobs
}

func TestHandleBatchPublishesAndBookkeepsOnce(t *testing.T) {
	f := newFixture()

	if err := f.executor.HandleBatch(context.Background(), batchOf("snap-1", "snap-2", "snap-3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.publisher.published) != 3 {
		t.Errorf("published %v", f.publisher.published)
	}
	if len(f.journal.batches) != 1 || len(f.journal.batches[0]) != 3 {
		t.Fatalf("expected one journal append of 3 records, got %v", f.journal.batches)
	}
	if len(f.cleaner.batches) != 1 || len(f.cleaner.batches[0]) != 3 {
		t.Fatalf("expected one removal of 3 refs, got %v", f.cleaner.batches)
	}
	for _, rec := range f.journal.batches[0] {
		if rec.CompletedBy != types.PublisherName {
			t.Errorf("completion record attributed to %q", rec.CompletedBy)
		}
	}
}

func TestHandleBatchFailFastAbortsRemainingJobs(t *testing.T) {
	f := newFixture()
	f.publisher.publishErr = map[string]error{"snap-2": errors.New("remote 503")}

	err := f.executor.HandleBatch(context.Background(), batchOf("snap-1", "snap-2", "snap-3"))
	if err == nil {
		t.Fatal("expected batch failure")
	}

	if len(f.publisher.published) != 1 || f.publisher.published[0] != "snap-1" {
		t.Errorf("expected only snap-1 published before abort, got %v", f.publisher.published)
	}
	if len(f.journal.batches) != 0 {
		t.Error("no bookkeeping may happen on a failed batch")
	}
	if len(f.cleaner.batches) != 0 {
		t.Error("no removals may happen on a failed batch")
	}
}

func TestHandleBatchMissingCredentialFailsBeforePublishing(t *testing.T) {
	f := newFixture()
	jobs := batchOf("snap-1")
	jobs = append(jobs, types.PublishJobMessage{
		Organization: "ghost", Site: "site", SnapshotID: "snap-x",
		ScheduledAt: time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC),
	})

	err := f.executor.HandleBatch(context.Background(), jobs)
	if err == nil {
		t.Fatal("expected batch failure for missing credential")
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("nothing may publish when a credential is missing, got %v", f.publisher.published)
	}
}

func TestHandleBatchResolvesEachTenantCredentialOnce(t *testing.T) {
	f := newFixture()
	jobs := batchOf("snap-1", "snap-2")
	jobs = append(jobs, types.PublishJobMessage{
		Organization: "acme", Site: "docs", SnapshotID: "snap-3",
		ScheduledAt: time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC),
	})

	if err := f.executor.HandleBatch(context.Background(), jobs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.credentials.calls != 2 {
		t.Errorf("expected 2 credential lookups for 2 tenants, got %d", f.credentials.calls)
	}
}

func TestHandleBatchManifestPatchFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.publisher.patchErr = errors.New("manifest locked")

	if err := f.executor.HandleBatch(context.Background(), batchOf("snap-1")); err != nil {
		t.Fatalf("patch failure must not fail the batch, got %v", err)
	}
	if len(f.journal.batches) != 1 || len(f.cleaner.batches) != 1 {
		t.Error("bookkeeping must still run after a patch failure")
	}
}

func TestHandleBatchBookkeepingFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.journal.appendErr = errors.New("bucket unavailable")

	if err := f.executor.HandleBatch(context.Background(), batchOf("snap-1")); err == nil {
		t.Fatal("journal failure must fail the batch for redelivery")
	}
	if len(f.cleaner.batches) != 0 {
		t.Error("removal must not run when the journal append failed")
	}
}

func TestHandleBatchRemovalFailureSurfaces(t *testing.T) {
	f := newFixture()
	f.cleaner.removeErr = errors.New("conflict storm")

	if err := f.executor.HandleBatch(context.Background(), batchOf("snap-1")); err == nil {
		t.Fatal("removal failure must fail the batch for redelivery")
	}
}

func TestHandleBatchEmptyIsNoOp(t *testing.T) {
	f := newFixture()
	if err := f.executor.HandleBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.credentials.calls != 0 {
		t.Error("empty batch must not touch anything")
	}
}
