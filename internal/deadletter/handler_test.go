package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"snapcue/internal/types"
)

type mockJournal struct {
	batches   [][]types.FailureRecord
	appendErr error
}

func (m *mockJournal) AppendFailures(_ context.Context, records []types.FailureRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.batches = append(m.batches, records)
	return nil
}

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

func newTestHandler(j *mockJournal, c *mockCleaner) *Handler {
	h := NewHandler(j, c, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func sqsMessage(t *testing.T, id string, job types.PublishJobMessage) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshaling job: %v", err)
	}
	return events.SQSMessage{
		MessageId:  id,
		Body:       string(body),
		Attributes: map[string]string{"SentTimestamp": "1772366100000"},
	}
}

func TestHandleEventRecordsFailuresAndCleansSchedule(t *testing.T) {
	j := &mockJournal{}
	c := &mockCleaner{}
	h := newTestHandler(j, c)

	event := events.SQSEvent{Records: []events.SQSMessage{
		sqsMessage(t, "msg-1", types.PublishJobMessage{Organization: "acme", Site: "blog", SnapshotID: "snap-1",
			ScheduledAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)}),
		sqsMessage(t, "msg-2", types.PublishJobMessage{Organization: "acme", Site: "docs", SnapshotID: "snap-2",
			ScheduledAt: time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)}),
	}}

	h.HandleEvent(context.Background(), event)

	if len(j.batches) != 1 || len(j.batches[0]) != 2 {
		t.Fatalf("expected one append of 2 failure records, got %v", j.batches)
	}
	if len(c.batches) != 1 || len(c.batches[0]) != 2 {
		t.Fatalf("expected one removal of 2 refs, got %v", c.batches)
	}

	rec := j.batches[0][0]
	if rec.Reason != types.FailureReasonMaxRetries {
		t.Errorf("reason = %q", rec.Reason)
	}
	if rec.QueueMessageID != "msg-1" {
		t.Errorf("message id = %q", rec.QueueMessageID)
	}
	if rec.OriginalEnqueueAt.IsZero() {
		t.Error("expected enqueue time from SentTimestamp")
	}
	if !rec.FailedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("failed at = %v", rec.FailedAt)
	}
}

func TestHandleEventSkipsUnparseableBodies(t *testing.T) {
	j := &mockJournal{}
	c := &mockCleaner{}
	h := newTestHandler(j, c)

	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "msg-bad", Body: "not json"},
		sqsMessage(t, "msg-ok", types.PublishJobMessage{Organization: "acme", Site: "blog", SnapshotID: "snap-1"}),
	}}

	h.HandleEvent(context.Background(), event)

	if len(j.batches) != 1 || len(j.batches[0]) != 1 {
		t.Fatalf("expected only the parseable record journaled, got %v", j.batches)
	}
	if j.batches[0][0].QueueMessageID != "msg-ok" {
		t.Errorf("journaled %q", j.batches[0][0].QueueMessageID)
	}
}

func TestHandleEventSwallowsBookkeepingFailures(t *testing.T) {
	j := &mockJournal{appendErr: errors.New("bucket down")}
	c := &mockCleaner{removeErr: errors.New("conflict storm")}
	h := newTestHandler(j, c)

	event := events.SQSEvent{Records: []events.SQSMessage{
		sqsMessage(t, "msg-1", types.PublishJobMessage{Organization: "acme", Site: "blog", SnapshotID: "snap-1"}),
	}}

	// Must not panic and has no error to return.
	h.HandleEvent(context.Background(), event)
}

func TestHandleEventAllUnparseableDoesNothing(t *testing.T) {
	j := &mockJournal{}
	c := &mockCleaner{}
	h := newTestHandler(j, c)

	h.HandleEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "msg-bad", Body: "{{{"},
	}})

	if len(j.batches) != 0 || len(c.batches) != 0 {
		t.Error("no bookkeeping expected for an all-poison batch")
	}
}
