// Package metrics emits operational telemetry for the dispatch and publish
// pipeline to CloudWatch. Metric emission is best-effort: a failed put is
// logged and swallowed so telemetry never breaks the pipeline it observes.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric and dimension names.
const (
	MetricJobsDispatched  = "JobsDispatched"
	MetricPublishOutcome  = "PublishOutcome"
	MetricPublishLatency  = "PublishLatency"
	MetricDeadLettered    = "JobsDeadLettered"
	MetricScheduleLag     = "ScheduleLag"
	MetricJournalArchived = "JournalBucketsArchived"

	DimResult = "Result"
	DimTenant = "Tenant"
)

// Result values for the PublishOutcome dimension.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder is the pipeline's view of metric emission. Components depend on
// this interface so tests can assert emissions without CloudWatch.
type Recorder interface {
	CountJobsDispatched(ctx context.Context, count int)
	RecordPublishOutcome(ctx context.Context, tenant string, result string)
	RecordPublishLatency(ctx context.Context, duration time.Duration)
	CountDeadLettered(ctx context.Context, count int)
	RecordScheduleLag(ctx context.Context, lag time.Duration)
	CountJournalArchived(ctx context.Context, count int)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder implements Recorder against CloudWatch.
var _ Recorder = (*CloudWatchRecorder)(nil)

type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a Recorder publishing to the given namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// CountJobsDispatched records how many publish jobs a dispatch cycle put on
// the delivery queue.
func (r *CloudWatchRecorder) CountJobsDispatched(ctx context.Context, count int) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricJobsDispatched),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordPublishOutcome records one publish attempt's result per tenant.
func (r *CloudWatchRecorder) RecordPublishOutcome(ctx context.Context, tenant string, result string) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPublishOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimTenant), Value: aws.String(tenant)},
			{Name: aws.String(DimResult), Value: aws.String(result)},
		},
	})
}

// RecordPublishLatency records the wall time of one remote publish call.
func (r *CloudWatchRecorder) RecordPublishLatency(ctx context.Context, duration time.Duration) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPublishLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// CountDeadLettered records jobs that exhausted delivery retries.
func (r *CloudWatchRecorder) CountDeadLettered(ctx context.Context, count int) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeadLettered),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordScheduleLag records how far past its scheduled time a job was when
// the executor picked it up. Sustained growth means the delivery queue is
// backed up.
func (r *CloudWatchRecorder) RecordScheduleLag(ctx context.Context, lag time.Duration) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricScheduleLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// CountJournalArchived records buckets moved to cold storage in one
// maintenance run.
func (r *CloudWatchRecorder) CountJournalArchived(ctx context.Context, count int) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricJournalArchived),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (r *CloudWatchRecorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.ErrorContext(ctx, "failed to record metric",
			slog.String("metric", aws.ToString(datum.MetricName)),
			slog.Any("error", err),
		)
	}
}

// NoopRecorder discards all metrics. Used when telemetry is not configured,
// such as local runs.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) CountJobsDispatched(context.Context, int)            {}
func (NoopRecorder) RecordPublishOutcome(context.Context, string, string) {}
func (NoopRecorder) RecordPublishLatency(context.Context, time.Duration) {}
func (NoopRecorder) CountDeadLettered(context.Context, int)              {}
func (NoopRecorder) RecordScheduleLag(context.Context, time.Duration)    {}
func (NoopRecorder) CountJournalArchived(context.Context, int)           {}
