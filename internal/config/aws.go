package config

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// LoadAWSConfig builds the AWS SDK configuration for this deployment: the
// configured region, plus the LocalStack endpoint override when EndpointURL
// is set. Every Lambda entrypoint builds its service clients from this.
func (a AWSConfig) LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(a.Region),
	}
	if a.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(a.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
