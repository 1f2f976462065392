package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"snapcue/internal/types"
)

const registeredPrefix = "registered/"

// TenantRegistry manages tenant onboarding records and their publish
// credentials. Registration records live under registered/ in the schedule
// bucket; credentials live in the credential store and are referenced by
// parameter path.
type TenantRegistry struct {
	blobs            *BlobStore
	creds            CredentialStore
	credentialPrefix string
	logger           *slog.Logger
	now              func() time.Time
}

// NewTenantRegistry creates a TenantRegistry. credentialPrefix is the
// parameter-path prefix under which tenant credentials are stored.
func NewTenantRegistry(blobs *BlobStore, creds CredentialStore, credentialPrefix string, logger *slog.Logger) *TenantRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantRegistry{
		blobs:            blobs,
		creds:            creds,
		credentialPrefix: credentialPrefix,
		logger:           logger,
		now:              time.Now,
	}
}

// Register onboards a tenant: it stores the publish credential, then writes
// the registration record with a create-only condition so a concurrent
// duplicate registration surfaces as a conflict rather than overwriting.
//
// Organization and site names containing the composite-key separator are
// rejected here, once, so every key stored downstream parses back cleanly.
func (r *TenantRegistry) Register(ctx context.Context, key types.TenantKey, credential types.SecretString) (*types.Registration, error) {
	if err := validateKeyParts(key); err != nil {
		return nil, err
	}
	if credential.Unmask() == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "publish credential is required", nil)
	}

	path := credentialPath(r.credentialPrefix, key)
	if err := r.creds.PutCredential(ctx, path, credential); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "storing tenant credential", err)
	}

	reg := &types.Registration{
		Organization:  key.Organization,
		Site:          key.Site,
		CredentialRef: path,
		RegisteredAt:  r.now().UTC(),
	}

	err := r.blobs.PutJSON(ctx, registrationKey(key), reg, "")
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, types.NewAppError(types.ErrCodeConflictTenantExists,
				fmt.Sprintf("tenant %s is already registered", key), err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalStore, "storing tenant registration", err)
	}

	r.logger.InfoContext(ctx, "tenant registered",
		slog.String("tenant", key.String()),
		slog.String("credential_ref", path),
	)
	return reg, nil
}

// Get loads a tenant's registration record. found=false means the tenant has
// never been registered.
func (r *TenantRegistry) Get(ctx context.Context, key types.TenantKey) (*types.Registration, bool, error) {
	var reg types.Registration
	_, found, err := r.blobs.GetJSON(ctx, registrationKey(key), &reg)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &reg, true, nil
}

// Credential resolves a tenant's publish credential, or an AppError with
// code tenant_not_registered when either the registration record or its
// referenced parameter is missing.
func (r *TenantRegistry) Credential(ctx context.Context, key types.TenantKey) (types.SecretString, error) {
	reg, found, err := r.Get(ctx, key)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStore, "loading tenant registration", err)
	}
	if !found {
		return "", types.NewAppError(types.ErrCodeTenantNotRegistered,
			fmt.Sprintf("tenant %s is not registered", key), nil)
	}

	secret, err := r.creds.GetCredential(ctx, reg.CredentialRef)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", types.NewAppError(types.ErrCodeTenantNotRegistered,
				fmt.Sprintf("tenant %s has no stored credential", key), err)
		}
		return "", types.NewAppError(types.ErrCodeInternalStore, "loading tenant credential", err)
	}
	return secret, nil
}

// All returns every registration record, sorted by the listing order of the
// underlying store. Malformed records are logged and skipped so one bad blob
// cannot halt a registry-wide scan.
func (r *TenantRegistry) All(ctx context.Context) ([]types.Registration, error) {
	keys, err := r.blobs.List(ctx, registeredPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]types.Registration, 0, len(keys))
	for _, blobKey := range keys {
		var reg types.Registration
		_, found, err := r.blobs.GetJSON(ctx, blobKey, &reg)
		if err != nil || !found {
			r.logger.WarnContext(ctx, "skipping unreadable registration record",
				slog.String("key", blobKey),
				slog.Any("error", err),
			)
			continue
		}
		if reg.Organization == "" || reg.Site == "" {
			r.logger.WarnContext(ctx, "skipping registration record with missing identity",
				slog.String("key", blobKey),
			)
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// registrationKey builds the blob key for a tenant's registration record.
func registrationKey(key types.TenantKey) string {
	return registeredPrefix + key.String() + ".json"
}

// validateKeyParts rejects organization or site names that would make the
// composite key ambiguous.
func validateKeyParts(key types.TenantKey) error {
	if key.Organization == "" || key.Site == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "organization and site are required", nil)
	}
	if strings.Contains(key.Organization, types.TenantKeySeparator) || strings.Contains(key.Site, types.TenantKeySeparator) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTenant,
			fmt.Sprintf("organization and site must not contain %q", types.TenantKeySeparator), nil,
			map[string]any{"organization": key.Organization, "site": key.Site})
	}
	return nil
}
