// Package metrics counts checkout and reconciliation outcomes in CloudWatch.
package metrics

import (
	"context"
	"log"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/imrishuroy/go-qualpay-checkout/internal/aws"
)

// Flow names used as the Flow dimension.
const (
	FlowCheckout      = "checkout"
	FlowNotification  = "notification"
	FlowPaymentEvents = "payment_events"
)

const metricName = "Outcome"

// Recorder counts one outcome of a flow.
type Recorder interface {
	RecordOutcome(ctx context.Context, flow, outcome string)
}

// Emitter publishes outcome counts. A nil Emitter, or one without a namespace, records nothing.
type Emitter struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewEmitter returns an emitter writing to namespace.
func NewEmitter(client aws.CloudWatchAPI, namespace string) *Emitter {
	return &Emitter{client: client, namespace: namespace, nowFunc: time.Now}
}

// RecordOutcome puts a count of 1 for flow/outcome. Failures are logged and dropped;
// metrics never change the result of a payment flow.
func (e *Emitter) RecordOutcome(ctx context.Context, flow, outcome string) {
	if e == nil || e.client == nil || e.namespace == "" {
		return
	}
	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: sdkaws.String(metricName),
			Dimensions: []cwtypes.Dimension{
				{Name: sdkaws.String("Flow"), Value: sdkaws.String(flow)},
				{Name: sdkaws.String("Outcome"), Value: sdkaws.String(outcome)},
			},
			Timestamp: sdkaws.Time(e.nowFunc().UTC()),
			Unit:      cwtypes.StandardUnitCount,
			Value:     sdkaws.Float64(1),
		}},
	})
	if err != nil {
		log.Printf("[metrics] put %s/%s: %v", flow, outcome, err)
	}
}
