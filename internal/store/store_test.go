package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"snapcue/internal/types"
)

// fakeS3 is an in-memory S3API that honors If-Match / If-None-Match the way
// conditional writes do, and counts round-trips so tests can assert the
// one-load-one-save property.
type fakeS3 struct {
	objects map[string][]byte
	etags   map[string]string
	nextTag int

	getCalls  int
	putCalls  int
	listCalls int

	// mutateOnNextGet, when set, runs after the next GetObject to simulate a
	// concurrent writer racing the load-save cycle.
	mutateOnNextGet func(f *fakeS3)
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
	}
}

func (f *fakeS3) seed(t *testing.T, key string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("seeding %s: %v", key, err)
	}
	f.store(key, body)
}

func (f *fakeS3) store(key string, body []byte) {
	f.nextTag++
	f.objects[key] = body
	f.etags[key] = fmt.Sprintf("etag-%d", f.nextTag)
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.getCalls++
	key := aws.ToString(params.Key)

	body, ok := f.objects[key]
	if !ok {
		if f.mutateOnNextGet != nil {
			mutate := f.mutateOnNextGet
			f.mutateOnNextGet = nil
			mutate(f)
		}
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	out := &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(string(body))),
		ETag: aws.String(f.etags[key]),
	}
	if f.mutateOnNextGet != nil {
		mutate := f.mutateOnNextGet
		f.mutateOnNextGet = nil
		mutate(f)
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putCalls++
	key := aws.ToString(params.Key)

	if params.IfMatch != nil && f.etags[key] != aws.ToString(params.IfMatch) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
	}
	if params.IfNoneMatch != nil {
		if _, exists := f.objects[key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
		}
	}

	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.store(key, body)
	return &s3.PutObjectOutput{ETag: aws.String(f.etags[key])}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls++
	prefix := aws.ToString(params.Prefix)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)
	delete(f.objects, key)
	delete(f.etags, key)
	return &s3.DeleteObjectOutput{}, nil
}

func testBlobStore(f *fakeS3) *BlobStore {
	return NewBlobStore(f, "test-bucket", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduleStoreLoadMissingDocument(t *testing.T) {
	s := NewScheduleStore(testBlobStore(newFakeS3()), testLogger())

	doc, version, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != "" {
		t.Errorf("expected empty version for missing document, got %q", version)
	}
	if doc == nil || doc.JobCount() != 0 {
		t.Errorf("expected empty document, got %v", doc)
	}
}

func TestScheduleStoreUpsertCreatesDocument(t *testing.T) {
	f := newFakeS3()
	s := NewScheduleStore(testBlobStore(f), testLogger())
	key := types.TenantKey{Organization: "acme", Site: "blog"}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertJob(context.Background(), key, "snap-1", at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc, _, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := doc.Jobs(key)["snap-1"]; got != "2026-03-01T12:00:00Z" {
		t.Errorf("expected stored time 2026-03-01T12:00:00Z, got %q", got)
	}
}

func TestScheduleStoreRemoveJobsSingleRoundTrip(t *testing.T) {
	f := newFakeS3()
	f.seed(t, scheduleKey, types.ScheduleDocument{
		"acme--blog": {"snap-1": "2026-03-01T12:00:00Z", "snap-2": "2026-03-01T13:00:00Z"},
		"acme--docs": {"snap-3": "2026-03-02T09:00:00Z"},
	})
	s := NewScheduleStore(testBlobStore(f), testLogger())

	refs := []types.JobRef{
		{Tenant: types.TenantKey{Organization: "acme", Site: "blog"}, SnapshotID: "snap-1"},
		{Tenant: types.TenantKey{Organization: "acme", Site: "blog"}, SnapshotID: "snap-2"},
		{Tenant: types.TenantKey{Organization: "acme", Site: "docs"}, SnapshotID: "snap-3"},
		{Tenant: types.TenantKey{Organization: "ghost", Site: "site"}, SnapshotID: "snap-x"},
	}

	removed, err := s.RemoveJobs(context.Background(), refs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removals, got %d", removed)
	}
	if f.getCalls != 1 || f.putCalls != 1 {
		t.Errorf("expected exactly one load and one save, got %d loads and %d saves", f.getCalls, f.putCalls)
	}

	doc, _, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.JobCount() != 0 {
		t.Errorf("expected empty document after removals, got %v", doc)
	}
	if len(doc.TenantKeys()) != 0 {
		t.Errorf("expected emptied tenants to be deleted, got keys %v", doc.TenantKeys())
	}
}

func TestScheduleStoreRemoveJobsAllAbsentSkipsSave(t *testing.T) {
	f := newFakeS3()
	f.seed(t, scheduleKey, types.ScheduleDocument{
		"acme--blog": {"snap-1": "2026-03-01T12:00:00Z"},
	})
	s := NewScheduleStore(testBlobStore(f), testLogger())

	removed, err := s.RemoveJobs(context.Background(), []types.JobRef{
		{Tenant: types.TenantKey{Organization: "ghost", Site: "site"}, SnapshotID: "snap-x"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removals, got %d", removed)
	}
	if f.putCalls != 0 {
		t.Errorf("expected no save for a no-op removal, got %d saves", f.putCalls)
	}
}

func TestScheduleStoreMutationRetriesOnConflict(t *testing.T) {
	f := newFakeS3()
	f.seed(t, scheduleKey, types.ScheduleDocument{
		"acme--blog": {"snap-1": "2026-03-01T12:00:00Z"},
	})

	// A concurrent writer bumps the etag after the first load, failing the
	// first conditional save.
	f.mutateOnNextGet = func(f *fakeS3) {
		body := f.objects[scheduleKey]
		f.store(scheduleKey, body)
	}

	s := NewScheduleStore(testBlobStore(f), testLogger())
	key := types.TenantKey{Organization: "acme", Site: "blog"}

	if err := s.UpsertJob(context.Background(), key, "snap-2", time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.getCalls != 2 || f.putCalls != 2 {
		t.Errorf("expected a retried cycle (2 loads, 2 saves), got %d loads and %d saves", f.getCalls, f.putCalls)
	}

	doc, _, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jobs := doc.Jobs(key)
	if len(jobs) != 2 {
		t.Errorf("expected both jobs to survive the retry, got %v", jobs)
	}
}

func TestScheduleStoreRetriesLostCreateRace(t *testing.T) {
	f := newFakeS3()
	// No document exists at load time, so the save is a create. Another
	// writer creates the document first; the mutation must reload and land on
	// top of it instead of erroring out.
	f.mutateOnNextGet = func(f *fakeS3) {
		f.seed(t, scheduleKey, types.ScheduleDocument{
			"acme--docs": {"snap-9": "2026-03-02T09:00:00Z"},
		})
	}

	s := NewScheduleStore(testBlobStore(f), testLogger())
	key := types.TenantKey{Organization: "acme", Site: "blog"}

	if err := s.UpsertJob(context.Background(), key, "snap-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.getCalls != 2 || f.putCalls != 2 {
		t.Errorf("expected a retried cycle (2 loads, 2 saves), got %d loads and %d saves", f.getCalls, f.putCalls)
	}

	doc, _, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := doc.Jobs(key)["snap-1"]; got != "2026-03-01T12:00:00Z" {
		t.Errorf("expected the upsert to land after the retry, got %q", got)
	}
	if len(doc.Jobs(types.TenantKey{Organization: "acme", Site: "docs"})) != 1 {
		t.Errorf("expected the concurrent writer's entry to survive, got %v", doc)
	}
}

func TestJournalAppendCompletionsCreatesDailyBucket(t *testing.T) {
	f := newFakeS3()
	j := NewJournal(testBlobStore(f), testLogger())
	j.now = func() time.Time { return time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC) }

	recs := []types.CompletionRecord{
		{Organization: "acme", Site: "blog", SnapshotID: "snap-1", CompletedBy: types.PublisherName},
		{Organization: "acme", Site: "blog", SnapshotID: "snap-2", CompletedBy: types.PublisherName},
	}
	if err := j.AppendCompletions(context.Background(), recs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.putCalls != 1 {
		t.Errorf("expected one save for the batch, got %d", f.putCalls)
	}

	var bucket []types.CompletionRecord
	if err := json.Unmarshal(f.objects["completed/2026-03-01.json"], &bucket); err != nil {
		t.Fatalf("decoding bucket: %v", err)
	}
	if len(bucket) != 2 {
		t.Errorf("expected 2 records in bucket, got %d", len(bucket))
	}
}

func TestJournalAppendPreservesExistingRecords(t *testing.T) {
	f := newFakeS3()
	f.seed(t, "failed/2026-03-01.json", []types.FailureRecord{
		{Organization: "acme", Site: "blog", SnapshotID: "snap-0", Reason: types.FailureReasonMaxRetries},
	})

	j := NewJournal(testBlobStore(f), testLogger())
	j.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := j.AppendFailures(context.Background(), []types.FailureRecord{
		{Organization: "acme", Site: "blog", SnapshotID: "snap-1", Reason: types.FailureReasonMaxRetries},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var bucket []types.FailureRecord
	if err := json.Unmarshal(f.objects["failed/2026-03-01.json"], &bucket); err != nil {
		t.Fatalf("decoding bucket: %v", err)
	}
	if len(bucket) != 2 {
		t.Fatalf("expected 2 records, got %d", len(bucket))
	}
	if bucket[0].SnapshotID != "snap-0" || bucket[1].SnapshotID != "snap-1" {
		t.Errorf("expected append order preserved, got %v", bucket)
	}
}

func TestJournalAppendRetriesLostCreateRace(t *testing.T) {
	f := newFakeS3()
	// First append of the UTC day: the bucket does not exist at load time and
	// a concurrent worker creates it first. The append must reload and
	// preserve the other worker's records.
	f.mutateOnNextGet = func(f *fakeS3) {
		f.seed(t, "completed/2026-03-01.json", []types.CompletionRecord{
			{Organization: "acme", Site: "docs", SnapshotID: "snap-0", CompletedBy: types.PublisherName},
		})
	}

	j := NewJournal(testBlobStore(f), testLogger())
	j.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := j.AppendCompletions(context.Background(), []types.CompletionRecord{
		{Organization: "acme", Site: "blog", SnapshotID: "snap-1", CompletedBy: types.PublisherName},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var bucket []types.CompletionRecord
	if err := json.Unmarshal(f.objects["completed/2026-03-01.json"], &bucket); err != nil {
		t.Fatalf("decoding bucket: %v", err)
	}
	if len(bucket) != 2 {
		t.Fatalf("expected both workers' records after the retry, got %d", len(bucket))
	}
	if bucket[0].SnapshotID != "snap-0" || bucket[1].SnapshotID != "snap-1" {
		t.Errorf("expected append order preserved across the retry, got %v", bucket)
	}
}

func TestJournalAppendEmptyBatchIsNoOp(t *testing.T) {
	f := newFakeS3()
	j := NewJournal(testBlobStore(f), testLogger())

	if err := j.AppendCompletions(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.getCalls != 0 || f.putCalls != 0 {
		t.Errorf("expected no round-trips for an empty batch, got %d/%d", f.getCalls, f.putCalls)
	}
}

func TestJournalBucketsFiltersByCutoff(t *testing.T) {
	f := newFakeS3()
	f.seed(t, "completed/2026-01-15.json", []types.CompletionRecord{})
	f.seed(t, "completed/2026-03-01.json", []types.CompletionRecord{})
	f.seed(t, "failed/2026-01-20.json", []types.FailureRecord{})
	f.seed(t, "failed/not-a-date.json", []types.FailureRecord{})

	j := NewJournal(testBlobStore(f), testLogger())

	keys, err := j.JournalBuckets(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 buckets before cutoff, got %v", keys)
	}
	for _, key := range keys {
		if key != "completed/2026-01-15.json" && key != "failed/2026-01-20.json" {
			t.Errorf("unexpected bucket %s", key)
		}
	}
}

// fakeCredentials is an in-memory CredentialStore.
type fakeCredentials struct {
	params   map[string]types.SecretString
	putErr   error
	getCalls int
}

func (f *fakeCredentials) PutCredential(_ context.Context, path string, credential types.SecretString) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.params == nil {
		f.params = make(map[string]types.SecretString)
	}
	f.params[path] = credential
	return nil
}

func (f *fakeCredentials) GetCredential(_ context.Context, path string) (types.SecretString, error) {
	f.getCalls++
	secret, ok := f.params[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, path)
	}
	return secret, nil
}

func TestTenantRegistryRegisterAndResolveCredential(t *testing.T) {
	f := newFakeS3()
	creds := &fakeCredentials{}
	r := NewTenantRegistry(testBlobStore(f), creds, "/snapcue/tenants", testLogger())
	key := types.TenantKey{Organization: "acme", Site: "blog"}

	reg, err := r.Register(context.Background(), key, "token-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.CredentialRef != "/snapcue/tenants/acme--blog" {
		t.Errorf("unexpected credential ref %q", reg.CredentialRef)
	}

	secret, err := r.Credential(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret.Unmask() != "token-123" {
		t.Errorf("expected stored credential back, got %q", secret.Unmask())
	}
}

func TestTenantRegistryRegisterRejectsSeparatorInParts(t *testing.T) {
	r := NewTenantRegistry(testBlobStore(newFakeS3()), &fakeCredentials{}, "/snapcue/tenants", testLogger())

	_, err := r.Register(context.Background(), types.TenantKey{Organization: "ac--me", Site: "blog"}, "token")
	var appErr *types.AppError
	if !asAppError(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidTenant {
		t.Fatalf("expected validation_invalid_tenant, got %v", err)
	}
}

func TestTenantRegistryRegisterDuplicateConflicts(t *testing.T) {
	f := newFakeS3()
	r := NewTenantRegistry(testBlobStore(f), &fakeCredentials{}, "/snapcue/tenants", testLogger())
	key := types.TenantKey{Organization: "acme", Site: "blog"}

	if _, err := r.Register(context.Background(), key, "token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := r.Register(context.Background(), key, "token-2")
	var appErr *types.AppError
	if !asAppError(err, &appErr) || appErr.Code != types.ErrCodeConflictTenantExists {
		t.Fatalf("expected conflict_tenant_exists, got %v", err)
	}
}

func TestTenantRegistryCredentialForUnregisteredTenant(t *testing.T) {
	r := NewTenantRegistry(testBlobStore(newFakeS3()), &fakeCredentials{}, "/snapcue/tenants", testLogger())

	_, err := r.Credential(context.Background(), types.TenantKey{Organization: "ghost", Site: "site"})
	var appErr *types.AppError
	if !asAppError(err, &appErr) || appErr.Code != types.ErrCodeTenantNotRegistered {
		t.Fatalf("expected tenant_not_registered, got %v", err)
	}
}

func TestTenantRegistryAllSkipsMalformedRecords(t *testing.T) {
	f := newFakeS3()
	f.seed(t, "registered/acme--blog.json", types.Registration{Organization: "acme", Site: "blog", CredentialRef: "/snapcue/tenants/acme--blog"})
	f.seed(t, "registered/broken.json", map[string]any{"organization": ""})

	r := NewTenantRegistry(testBlobStore(f), &fakeCredentials{}, "/snapcue/tenants", testLogger())

	regs, err := r.All(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regs) != 1 || regs[0].Organization != "acme" {
		t.Errorf("expected only the valid record, got %v", regs)
	}
}

// asAppError unwraps err into an *types.AppError.
func asAppError(err error, target **types.AppError) bool {
	return errors.As(err, target)
}
