package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by spans and metrics
var (
	AttrCollection = attribute.Key("registry.collection")
	AttrRecordID   = attribute.Key("registry.record.id")
	AttrTarget     = attribute.Key("registry.retry.target")
	AttrOutcome    = attribute.Key("registry.outcome")
	AttrStage      = attribute.Key("registry.stage")
)

// Metrics holds the registry's instruments
type Metrics struct {
	Registrations  metric.Int64Counter
	RetryEnqueued  metric.Int64Counter
	RetryReplayed  metric.Int64Counter
	SimilarityHits metric.Int64Histogram
}

// NewMetrics creates every instrument from meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Registrations, err = meter.Int64Counter("registry.registrations",
		metric.WithDescription("Registration attempts by collection and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryEnqueued, err = meter.Int64Counter("registry.retry.enqueued",
		metric.WithDescription("Secondary writes queued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryReplayed, err = meter.Int64Counter("registry.retry.replayed",
		metric.WithDescription("Retry replays by target and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SimilarityHits, err = meter.Int64Histogram("registry.similarity.hits",
		metric.WithDescription("Near-duplicates found per similarity lookup"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveQueueLength reports length() as the registry.retry.queue_length gauge
func ObserveQueueLength(meter metric.Meter, length func() int) error {
	_, err := meter.Int64ObservableGauge("registry.retry.queue_length",
		metric.WithDescription("Items waiting in the retry queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(length()))
			return nil
		}),
	)
	return err
}
