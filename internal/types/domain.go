// Package types defines the shared domain model for the snapcue platform:
// tenant identity, the schedule document, journal records, and the error
// taxonomy used across all components.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TenantKeySeparator joins organization and site into the composite key used
// for schedule-document entries and registry blob names. Organization and
// site names are rejected at registration time if they contain it, so keys
// remain unambiguous when split back into parts.
const TenantKeySeparator = "--"

// PublisherName identifies this system in completion records and remote
// manifest updates.
const PublisherName = "scheduled-snapshot-publisher"

// SnapshotStatusPublished is the manifest status stamped after a successful
// publish.
const SnapshotStatusPublished = "published"

// TenantKey identifies a tenant: an organization plus one of its sites.
type TenantKey struct {
	Organization string `json:"organization"`
	Site         string `json:"site"`
}

// String serializes the key into its composite form ("org--site").
func (k TenantKey) String() string {
	return k.Organization + TenantKeySeparator + k.Site
}

// ParseTenantKey splits a composite key back into its parts. It returns an
// error when the separator is absent, duplicated, or either part is empty,
// so that a corrupted schedule entry surfaces as a parse failure instead of
// silently mapping to the wrong tenant.
func ParseTenantKey(s string) (TenantKey, error) {
	if strings.Count(s, TenantKeySeparator) != 1 {
		return TenantKey{}, fmt.Errorf("tenant key %q must contain exactly one %q separator", s, TenantKeySeparator)
	}
	parts := strings.SplitN(s, TenantKeySeparator, 2)
	if parts[0] == "" || parts[1] == "" {
		return TenantKey{}, fmt.Errorf("tenant key %q has an empty organization or site component", s)
	}
	return TenantKey{Organization: parts[0], Site: parts[1]}, nil
}

// ScheduleDocument is the single source of truth for pending publish jobs:
// composite tenant key -> snapshot ID -> scheduled publish time (RFC 3339).
// A tenant key present in the document always maps to a non-empty job map;
// removing the last job for a tenant removes the tenant key itself.
type ScheduleDocument map[string]map[string]string

// Upsert sets the scheduled time for a snapshot, creating the tenant entry
// if needed. Re-scheduling an already-pending snapshot overwrites its time.
func (d ScheduleDocument) Upsert(key TenantKey, snapshotID string, at time.Time) {
	k := key.String()
	if d[k] == nil {
		d[k] = make(map[string]string)
	}
	d[k][snapshotID] = at.UTC().Format(time.RFC3339)
}

// Remove deletes a snapshot from the tenant's job map and reports whether
// the entry existed. When the removal empties the tenant's job map, the
// tenant key is deleted too so no empty placeholder persists.
func (d ScheduleDocument) Remove(key TenantKey, snapshotID string) bool {
	k := key.String()
	jobs, ok := d[k]
	if !ok {
		return false
	}
	if _, ok := jobs[snapshotID]; !ok {
		return false
	}
	delete(jobs, snapshotID)
	if len(jobs) == 0 {
		delete(d, k)
	}
	return true
}

// Jobs returns a copy of the job map for a tenant. A tenant with no pending
// jobs yields an empty (non-nil) map.
func (d ScheduleDocument) Jobs(key TenantKey) map[string]string {
	out := make(map[string]string)
	for id, at := range d[key.String()] {
		out[id] = at
	}
	return out
}

// JobCount returns the total number of pending jobs across all tenants.
func (d ScheduleDocument) JobCount() int {
	n := 0
	for _, jobs := range d {
		n += len(jobs)
	}
	return n
}

// TenantKeys returns the tenant keys present in the document, sorted for
// deterministic iteration in scans and tests.
func (d ScheduleDocument) TenantKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JobRef identifies one pending job for schedule mutations.
type JobRef struct {
	Tenant     TenantKey
	SnapshotID string
}

// CompletionRecord is one entry in the daily completed-journal bucket.
// Records are append-only and never mutated after the write.
type CompletionRecord struct {
	Organization string    `json:"organization"`
	Site         string    `json:"site"`
	SnapshotID   string    `json:"snapshot_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	CompletedAt  time.Time `json:"completed_at"`
	CompletedBy  string    `json:"completed_by"`
}

// FailureRecord is one entry in the daily failed-journal bucket, written by
// the dead-letter handler when a job exhausts its delivery retries.
type FailureRecord struct {
	Organization      string    `json:"organization"`
	Site              string    `json:"site"`
	SnapshotID        string    `json:"snapshot_id"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	QueueMessageID    string    `json:"queue_message_id"`
	OriginalEnqueueAt time.Time `json:"original_enqueue_at"`
	FailedAt          time.Time `json:"failed_at"`
	Reason            string    `json:"reason"`
}

// FailureReasonMaxRetries is the reason stamped on dead-lettered jobs.
const FailureReasonMaxRetries = "exceeded-max-retries"

// Registration is the per-tenant record stored under registered/. The
// publish credential itself lives in the secret store; CredentialRef is the
// parameter path it was written to.
type Registration struct {
	Organization  string    `json:"organization"`
	Site          string    `json:"site"`
	CredentialRef string    `json:"credential_ref"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// TenantKey derives the composite key for a registration record.
func (r Registration) TenantKey() TenantKey {
	return TenantKey{Organization: r.Organization, Site: r.Site}
}

// SnapshotManifest is the remote publish API's description of one snapshot.
// Only the fields this system reads or patches are modeled; the manifest is
// owned by the remote service.
type SnapshotManifest struct {
	SnapshotID  string           `json:"snapshot_id"`
	Title       string           `json:"title,omitempty"`
	Status      string           `json:"status,omitempty"`
	PublishAt   *time.Time       `json:"publish_at,omitempty"`
	PublishedAt *time.Time       `json:"published_at,omitempty"`
	PublishedBy string           `json:"published_by,omitempty"`
	Resources   []map[string]any `json:"resources,omitempty"`
}

// Trimmed returns a copy safe to put on a queue: bulky sub-fields such as
// the resource list are stripped so messages stay well under queue size
// limits.
func (m SnapshotManifest) Trimmed() SnapshotManifest {
	out := m
	out.Resources = nil
	return out
}
