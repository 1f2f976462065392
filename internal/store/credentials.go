package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"snapcue/internal/types"
)

// CredentialStore holds per-tenant publish credentials. Credentials never
// touch the blob store; the registry keeps only a reference to the parameter
// path they were written under.
type CredentialStore interface {
	PutCredential(ctx context.Context, path string, credential types.SecretString) error
	GetCredential(ctx context.Context, path string) (types.SecretString, error)
}

// ErrCredentialNotFound is returned when a referenced credential parameter
// does not exist.
var ErrCredentialNotFound = errors.New("store: credential parameter not found")

// SSMCredentialAPI is the subset of the SSM client used for tenant
// credentials.
type SSMCredentialAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMCredentialStore stores credentials as encrypted SSM parameters.
type SSMCredentialStore struct {
	client SSMCredentialAPI
}

// NewSSMCredentialStore creates a CredentialStore backed by SSM Parameter
// Store.
func NewSSMCredentialStore(client SSMCredentialAPI) *SSMCredentialStore {
	return &SSMCredentialStore{client: client}
}

// PutCredential writes the credential as a SecureString parameter,
// overwriting any previous value at the same path.
func (s *SSMCredentialStore) PutCredential(ctx context.Context, path string, credential types.SecretString) error {
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(credential.Unmask()),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("store: writing credential parameter %s: %w", path, err)
	}
	return nil
}

// GetCredential reads and decrypts the parameter at path.
func (s *SSMCredentialStore) GetCredential(ctx context.Context, path string) (types.SecretString, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, path)
		}
		return "", fmt.Errorf("store: reading credential parameter %s: %w", path, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, path)
	}
	return types.SecretString(aws.ToString(out.Parameter.Value)), nil
}

// credentialPath joins the configured parameter prefix with the tenant key.
func credentialPath(prefix string, key types.TenantKey) string {
	return strings.TrimSuffix(prefix, "/") + "/" + key.String()
}
