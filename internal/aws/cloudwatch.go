package aws

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricEmitter publishes single count datums to a CloudWatch namespace.
// A nil emitter or an empty namespace makes Count a no-op.
type MetricEmitter struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

func NewMetricEmitter(client CloudWatchAPI, namespace string) *MetricEmitter {
	return &MetricEmitter{client: client, namespace: namespace, nowFunc: time.Now}
}

// Count records value 1 for name with the given dimensions.
func (m *MetricEmitter) Count(ctx context.Context, name string, dims map[string]string) error {
	if m == nil || m.client == nil || m.namespace == "" {
		return nil
	}
	dimensions := make([]cwtypes.Dimension, 0, len(dims))
	for k, v := range dims {
		dimensions = append(dimensions, cwtypes.Dimension{Name: sdkaws.String(k), Value: sdkaws.String(v)})
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.namespace,
		MetricData: []cwtypes.MetricDatum{{
			MetricName: sdkaws.String(name),
			Dimensions: dimensions,
			Timestamp:  sdkaws.Time(m.nowFunc().UTC()),
			Unit:       cwtypes.StandardUnitCount,
			Value:      sdkaws.Float64(1),
		}},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
