package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"hvcollector/config"
	"hvcollector/logger"
)

// maxDatumsPerCall is the PutMetricData batch limit.
const maxDatumsPerCall = 1000

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes end-of-run totals.
type CloudWatch struct {
	client    putMetricDataAPI
	namespace string
	log       *logger.Log
}

// NewCloudWatch loads the default AWS configuration for the configured
// region, falling back to AWS_REGION.
func NewCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatch, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	cw := newCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace)
	cw.log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": cw.namespace,
	}).Info("initialized CloudWatch client")
	return cw, nil
}

func newCloudWatch(client putMetricDataAPI, namespace string) *CloudWatch {
	if namespace == "" {
		namespace = "HVCollector"
	}
	return &CloudWatch{client: client, namespace: namespace, log: logger.GetLogger()}
}

// RunSummary is what gets published once a run finishes.
type RunSummary struct {
	App       string
	Totals    logger.RunTotals
	Omissions int
}

// PublishRun sends the run totals as one batch of datums dimensioned by
// app name.
func (c *CloudWatch) PublishRun(ctx context.Context, run RunSummary) error {
	dims := []cwtypes.Dimension{{Name: aws.String("app"), Value: aws.String(run.App)}}
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Dimensions: dims, Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("AssetsResolved", float64(run.Totals.Resolved), cwtypes.StandardUnitCount),
		datum("AssetsExhausted", float64(run.Totals.Exhausted), cwtypes.StandardUnitCount),
		datum("AssetsFailed", float64(run.Totals.Failed), cwtypes.StandardUnitCount),
		datum("Records", float64(run.Totals.Records), cwtypes.StandardUnitCount),
		datum("Omissions", float64(run.Omissions), cwtypes.StandardUnitCount),
		datum("Warnings", float64(run.Totals.Warnings), cwtypes.StandardUnitCount),
		datum("Errors", float64(run.Totals.Errors), cwtypes.StandardUnitCount),
		datum("RunDuration", run.Totals.Elapsed.Seconds(), cwtypes.StandardUnitSeconds),
	}
	return c.publish(ctx, data)
}

func (c *CloudWatch) publish(ctx context.Context, data []cwtypes.MetricDatum) error {
	log := c.log.WithComponent("cloudwatch")
	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(data))
		if _, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return fmt.Errorf("put metric data: %w", err)
		}
	}

	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, aws.ToString(d.MetricName))
	}
	log.WithFields(logger.Fields{"metrics": strings.Join(names, ",")}).Debug("published metrics to CloudWatch")
	return nil
}
