package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"snapcue/internal/config"
	"snapcue/internal/types"
)

// ManifestPatch is the partial manifest update sent after a successful
// publish: who published, when, and the resulting status. Empty fields are
// omitted from the request.
type ManifestPatch struct {
	PublishedAt *time.Time `json:"published_at,omitempty"`
	PublishedBy string     `json:"published_by,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// PublishAPI is the consumer-side view of the remote publish service, used
// by discovery, the publish executor, and the schedule API.
type PublishAPI interface {
	ListSnapshots(ctx context.Context, key types.TenantKey, credential types.SecretString) ([]types.SnapshotManifest, error)
	GetManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) (*types.SnapshotManifest, error)
	PublishSnapshot(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) error
	UpdateManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string, patch ManifestPatch) error
}

// PublishClient implements PublishAPI over HTTP.
type PublishClient struct {
	core    *httpCore
	baseURL string
	logger  *slog.Logger
}

var _ PublishAPI = (*PublishClient)(nil)

// NewPublishClient creates a PublishClient from the publish configuration.
// A nil httpClient gets a default client with the configured timeout.
func NewPublishClient(cfg config.PublishConfig, httpClient *http.Client, logger *slog.Logger) *PublishClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishClient{
		core:    newHTTPCore(httpClient, "publish-api", DefaultRetryPolicy(), cfg.UserAgent),
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// ListSnapshots returns every snapshot manifest for a site, publish-pending
// or not. Callers filter by the manifest's publish_at field.
func (p *PublishClient) ListSnapshots(ctx context.Context, key types.TenantKey, credential types.SecretString) ([]types.SnapshotManifest, error) {
	resp, err := p.request(ctx, http.MethodGet, p.snapshotsURL(key), credential, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp, key, "")
	}

	var payload struct {
		Snapshots []types.SnapshotManifest `json:"snapshots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPublish, "decoding snapshot list", err)
	}
	return payload.Snapshots, nil
}

// GetManifest fetches one snapshot's manifest. A missing snapshot maps to
// not_found_snapshot so the schedule API can reject schedules for snapshots
// that do not exist.
func (p *PublishClient) GetManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) (*types.SnapshotManifest, error) {
	resp, err := p.request(ctx, http.MethodGet, p.snapshotURL(key, snapshotID), credential, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp, key, snapshotID)
	}

	var manifest types.SnapshotManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPublish, "decoding snapshot manifest", err)
	}
	return &manifest, nil
}

// PublishSnapshot triggers the remote publish of a snapshot. A conflict
// response means the snapshot is already live; with at-least-once delivery a
// duplicate publish attempt is expected, so it is treated as success.
func (p *PublishClient) PublishSnapshot(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string) error {
	resp, err := p.request(ctx, http.MethodPost, p.snapshotURL(key, snapshotID)+"/publish", credential, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		p.logger.InfoContext(ctx, "snapshot already published, treating as success",
			slog.String("tenant", key.String()),
			slog.String("snapshot_id", snapshotID),
		)
		return nil
	default:
		return p.statusError(resp, key, snapshotID)
	}
}

// UpdateManifest patches the manifest's publish bookkeeping fields.
func (p *PublishClient) UpdateManifest(ctx context.Context, key types.TenantKey, credential types.SecretString, snapshotID string, patch ManifestPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding manifest patch", err)
	}

	resp, err := p.request(ctx, http.MethodPatch, p.snapshotURL(key, snapshotID), credential, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return p.statusError(resp, key, snapshotID)
	}
	return nil
}

// request builds and executes one authenticated call through the resilient
// core.
func (p *PublishClient) request(ctx context.Context, method, rawURL string, credential types.SecretString, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building publish api request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential.Unmask())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return p.core.do(req)
}

// statusError maps a non-success response into the error taxonomy. The body
// is drained for the message but never trusted beyond logging.
func (p *PublishClient) statusError(resp *http.Response, key types.TenantKey, snapshotID string) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusNotFound:
		if snapshotID != "" {
			return types.NewAppErrorWithDetails(types.ErrCodeNotFoundSnapshot,
				fmt.Sprintf("snapshot %s not found for tenant %s", snapshotID, key), nil,
				map[string]any{"snapshot_id": snapshotID, "tenant": key.String()})
		}
		return types.NewAppError(types.ErrCodeNotFoundTenant,
			fmt.Sprintf("tenant %s not found on publish api", key), nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewAppError(types.ErrCodeTenantNotRegistered,
			fmt.Sprintf("publish api rejected credentials for tenant %s", key), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamPublish,
			fmt.Sprintf("publish api returned %d: %s", resp.StatusCode, string(detail)), nil)
	}
}

func (p *PublishClient) snapshotsURL(key types.TenantKey) string {
	return fmt.Sprintf("%s/orgs/%s/sites/%s/snapshots",
		p.baseURL, url.PathEscape(key.Organization), url.PathEscape(key.Site))
}

func (p *PublishClient) snapshotURL(key types.TenantKey, snapshotID string) string {
	return p.snapshotsURL(key) + "/" + url.PathEscape(snapshotID)
}
