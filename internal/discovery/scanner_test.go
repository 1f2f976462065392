package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"snapcue/internal/config"
	"snapcue/internal/types"
)

// mockSchedule returns a fixed document.
type mockSchedule struct {
	doc     types.ScheduleDocument
	loadErr error
	loads   int
}

func (m *mockSchedule) Load(_ context.Context) (types.ScheduleDocument, string, error) {
	m.loads++
	if m.loadErr != nil {
		return nil, "", m.loadErr
	}
	return m.doc, "etag-1", nil
}

// mockSink records enqueued jobs.
type mockSink struct {
	jobs       []types.PublishJobMessage
	now        time.Time
	enqueueErr error
}

func (m *mockSink) EnqueuePublishJobs(_ context.Context, jobs []types.PublishJobMessage, now time.Time) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.jobs = append(m.jobs, jobs...)
	m.now = now
	return nil
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:    5 * time.Minute,
		Lookahead:       10 * time.Minute,
		PollBackoff:     30 * time.Second,
		PollMaxAttempts: 3,
	}
}

func newTestScanner(sched *mockSchedule, sink *mockSink) *Scanner {
	s := NewScanner(sched, sink, schedulerConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestScanDispatchesDueJobsOnly(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog": {
			"snap-past":   "2026-03-01T11:00:00Z", // overdue
			"snap-soon":   "2026-03-01T12:03:00Z", // due in 3m
			"snap-edge":   "2026-03-01T12:10:00Z", // exactly at the horizon
			"snap-future": "2026-03-01T13:00:00Z", // beyond the window
		},
	}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sched.loads != 1 {
		t.Errorf("expected exactly one schedule load, got %d", sched.loads)
	}
	if result.Scanned != 4 || result.Due != 3 || result.Enqueued != 3 {
		t.Errorf("unexpected result %+v", result)
	}

	got := map[string]bool{}
	for _, job := range sink.jobs {
		got[job.SnapshotID] = true
		if job.TraceID != result.TraceID {
			t.Errorf("job %s missing cycle trace id", job.SnapshotID)
		}
	}
	for _, want := range []string{"snap-past", "snap-soon", "snap-edge"} {
		if !got[want] {
			t.Errorf("expected %s to be dispatched", want)
		}
	}
	if got["snap-future"] {
		t.Error("snap-future is beyond the lookahead and must not be dispatched")
	}
}

func TestScanSkipsMalformedEntries(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog":        {"snap-ok": "2026-03-01T12:01:00Z", "snap-bad": "yesterday"},
		"not-a-tenant-key":  {"snap-orphan": "2026-03-01T12:01:00Z"},
		"too--many--dashes": {"snap-orphan-2": "2026-03-01T12:01:00Z"},
	}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Enqueued != 1 {
		t.Errorf("expected only the valid entry dispatched, got %d", result.Enqueued)
	}
	if result.Skipped != 3 {
		t.Errorf("expected 3 skipped entries, got %d", result.Skipped)
	}
	if len(sink.jobs) != 1 || sink.jobs[0].SnapshotID != "snap-ok" {
		t.Errorf("unexpected jobs %v", sink.jobs)
	}
}

func TestScanDryRunEnqueuesNothing(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog": {"snap-1": "2026-03-01T12:01:00Z"},
	}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Due != 1 || result.Enqueued != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(sink.jobs) != 0 {
		t.Errorf("dry run must not enqueue, got %v", sink.jobs)
	}
}

func TestScanCustomLookaheadWidensWindow(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog": {"snap-far": "2026-03-01T12:14:00Z"},
	}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{LookaheadMinutes: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Enqueued != 1 {
		t.Errorf("expected snap-far inside the widened window, got %+v", result)
	}
}

func TestScanDefersJobsBeyondQueueDelayCeiling(t *testing.T) {
	// The queue can only delay a message 15 minutes. A job due further out
	// must stay in the schedule for a later tick even when the requested
	// window reaches it; enqueueing it now would deliver it early.
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog": {
			"snap-inside":  "2026-03-01T12:14:00Z", // within the ceiling
			"snap-beyond":  "2026-03-01T12:30:00Z", // due in 30m
			"snap-halfday": "2026-03-01T18:00:00Z",
		},
	}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{LookaheadMinutes: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Enqueued != 1 {
		t.Errorf("expected only the job within the delay ceiling, got %+v", result)
	}
	if len(sink.jobs) != 1 || sink.jobs[0].SnapshotID != "snap-inside" {
		t.Errorf("unexpected jobs %v", sink.jobs)
	}
}

func TestScanEmptyScheduleIsQuietSuccess(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{}}
	sink := &mockSink{}

	result, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scanned != 0 || result.Enqueued != 0 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestScanPropagatesLoadFailure(t *testing.T) {
	sched := &mockSchedule{loadErr: errors.New("bucket unavailable")}

	_, err := newTestScanner(sched, &mockSink{}).Scan(context.Background(), ScanInput{})
	if err == nil {
		t.Fatal("expected error when the schedule cannot be loaded")
	}
}

func TestScanPropagatesEnqueueFailure(t *testing.T) {
	sched := &mockSchedule{doc: types.ScheduleDocument{
		"acme--blog": {"snap-1": "2026-03-01T12:01:00Z"},
	}}
	sink := &mockSink{enqueueErr: errors.New("queue unavailable")}

	_, err := newTestScanner(sched, sink).Scan(context.Background(), ScanInput{})
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}
}
