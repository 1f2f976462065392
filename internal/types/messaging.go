package types

import "time"

// PublishJobMessage is the delivery-queue payload for one scheduled publish
// job. It is created by discovery when a schedule entry falls within the
// lookahead window and is terminal at the publish executor or the
// dead-letter handler. JSON tags use snake_case to match the blob-store
// records built from the same fields.
type PublishJobMessage struct {
	Organization string    `json:"organization"`
	Site         string    `json:"site"`
	SnapshotID   string    `json:"snapshot_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`

	// DispatchedAt is stamped by discovery when the message is enqueued.
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`

	// Manifest is an optional trimmed manifest copy, present only on jobs
	// produced by the per-tenant polling path.
	Manifest *SnapshotManifest `json:"manifest,omitempty"`

	// TraceID ties a dispatch cycle's messages together in logs.
	TraceID string `json:"trace_id,omitempty"`
}

// TenantKey derives the composite tenant key for the job.
func (m PublishJobMessage) TenantKey() TenantKey {
	return TenantKey{Organization: m.Organization, Site: m.Site}
}

// JobRef derives the schedule-mutation reference for the job.
func (m PublishJobMessage) JobRef() JobRef {
	return JobRef{Tenant: m.TenantKey(), SnapshotID: m.SnapshotID}
}

// TenantPollMessage asks the poll-queue consumer to scan one tenant's
// snapshot list on the remote publish API (per-tenant discovery strategy).
// Attempt carries the bounded-retry counter across re-enqueues.
type TenantPollMessage struct {
	Organization string `json:"organization"`
	Site         string `json:"site"`
	Attempt      int    `json:"attempt"`
	TraceID      string `json:"trace_id,omitempty"`
}

// TenantKey derives the composite tenant key for the poll request.
func (m TenantPollMessage) TenantKey() TenantKey {
	return TenantKey{Organization: m.Organization, Site: m.Site}
}
