package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"snapcue/internal/types"
)

// Registry is the API's view of the tenant registry.
type Registry interface {
	Register(ctx context.Context, key types.TenantKey, credential types.SecretString) (*types.Registration, error)
	Get(ctx context.Context, key types.TenantKey) (*types.Registration, bool, error)
	Credential(ctx context.Context, key types.TenantKey) (types.SecretString, error)
}

// Schedule is the API's view of the schedule store.
type Schedule interface {
	Load(ctx context.Context) (types.ScheduleDocument, string, error)
	UpsertJob(ctx context.Context, key types.TenantKey, snapshotID string, at time.Time) error
	RemoveJobs(ctx context.Context, refs []types.JobRef) (int, error)
}

// ManifestSource is the API's view of the remote publish API, used to read a
// snapshot's intended publish time before scheduling it.
type ManifestSource interface {
	GetManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) (*types.SnapshotManifest, error)
}

// registerRequest is the POST /v1/tenants body.
type registerRequest struct {
	Organization string `json:"organization" validate:"required,min=1,max=128"`
	Site         string `json:"site" validate:"required,min=1,max=128"`
	Credential   string `json:"credential" validate:"required,min=8"`
}

// scheduledJobResponse describes one pending job.
type scheduledJobResponse struct {
	SnapshotID  string    `json:"snapshot_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// handleRegister onboards a tenant.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		Error(w, r, validationError(err))
		return
	}

	key := types.TenantKey{Organization: req.Organization, Site: req.Site}
	registration, err := s.registry.Register(r.Context(), key, types.SecretString(req.Credential))
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusCreated, registration)
}

// handleScheduleSnapshot schedules a snapshot for publication. The publish
// time comes from the snapshot's own manifest and must be well-formed and at
// least the configured lead time in the future.
func (s *Server) handleScheduleSnapshot(w http.ResponseWriter, r *http.Request) {
	key, snapshotID := pathTenant(r), chi.URLParam(r, "snapshotID")

	credential, err := s.registry.Credential(r.Context(), key)
	if err != nil {
		Error(w, r, err)
		return
	}

	manifest, err := s.manifests.GetManifest(r.Context(), key, credential, snapshotID)
	if err != nil {
		Error(w, r, err)
		return
	}

	now := s.now().UTC()
	if manifest.PublishAt == nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPublishTime,
			fmt.Sprintf("snapshot %s has no publish time set", snapshotID), nil))
		return
	}
	publishAt := manifest.PublishAt.UTC()
	if publishAt.Before(now.Add(s.minLeadTime)) {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPublishTime,
			fmt.Sprintf("publish time must be at least %s in the future", s.minLeadTime), nil,
			map[string]any{"publish_at": publishAt, "minimum": now.Add(s.minLeadTime)}))
		return
	}

	if err := s.schedule.UpsertJob(r.Context(), key, snapshotID, publishAt); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore, "storing scheduled job", err))
		return
	}

	JSON(w, r, http.StatusOK, scheduledJobResponse{
		SnapshotID:  snapshotID,
		ScheduledAt: publishAt,
	})
}

// handleGetSchedule returns a tenant's pending jobs.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	key := pathTenant(r)

	if _, found, err := s.registry.Get(r.Context(), key); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore, "loading tenant registration", err))
		return
	} else if !found {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundTenant,
			fmt.Sprintf("tenant %s is not registered", key), nil))
		return
	}

	doc, _, err := s.schedule.Load(r.Context())
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore, "loading schedule", err))
		return
	}

	jobs := make([]scheduledJobResponse, 0)
	for snapshotID, raw := range doc.Jobs(key) {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.WarnContext(r.Context(), "omitting schedule entry with malformed timestamp",
				"tenant", key.String(), "snapshot_id", snapshotID)
			continue
		}
		jobs = append(jobs, scheduledJobResponse{SnapshotID: snapshotID, ScheduledAt: at})
	}

	JSON(w, r, http.StatusOK, map[string]any{
		"organization": key.Organization,
		"site":         key.Site,
		"jobs":         jobs,
	})
}

// handleCancelSchedule removes one pending job before it dispatches.
func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	key, snapshotID := pathTenant(r), chi.URLParam(r, "snapshotID")

	removed, err := s.schedule.RemoveJobs(r.Context(), []types.JobRef{{Tenant: key, SnapshotID: snapshotID}})
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore, "removing scheduled job", err))
		return
	}
	if removed == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundJob,
			fmt.Sprintf("no pending schedule for snapshot %s", snapshotID), nil))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pathTenant builds the tenant key from the route parameters.
func pathTenant(r *http.Request) types.TenantKey {
	return types.TenantKey{
		Organization: chi.URLParam(r, "org"),
		Site:         chi.URLParam(r, "site"),
	}
}

// validationError converts validator failures into the standard envelope.
func validationError(err error) error {
	details := make(map[string]any)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
		"request failed validation", err, details)
}
