package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service instruments. A nil *Metrics is valid and records
// nothing, which keeps unit tests free of exporter setup.
type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	PubSubDropped     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	EventsPublished   metric.Int64Counter
	PublishRetries    metric.Int64Counter
	PublishBacklog    metric.Int64UpDownCounter
	FlushesSuppressed metric.Int64Counter
	SnapshotFailures  metric.Int64Counter
	SnapshotDuration  metric.Float64Histogram
	SubscribeFailures metric.Int64Counter
	Subscriptions     metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"optstream_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"optstream_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"optstream_cache_hits_total",
		metric.WithDescription("Latest-event cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"optstream_cache_misses_total",
		metric.WithDescription("Latest-event cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"optstream_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsPublished, err = meter.Int64Counter(
		"optstream_events_published_total",
		metric.WithDescription("Events delivered to downstream sinks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishRetries, err = meter.Int64Counter(
		"optstream_publish_retries_total",
		metric.WithDescription("Failed sink deliveries that were retried"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PublishBacklog, err = meter.Int64UpDownCounter(
		"optstream_publish_backlog",
		metric.WithDescription("Events buffered and waiting for delivery"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FlushesSuppressed, err = meter.Int64Counter(
		"optstream_market_flush_suppressed_total",
		metric.WithDescription("marketInfo flushes skipped because state was unchanged"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SnapshotFailures, err = meter.Int64Counter(
		"optstream_snapshot_failures_total",
		metric.WithDescription("Provider snapshot calls that failed or timed out"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SnapshotDuration, err = meter.Float64Histogram(
		"optstream_snapshot_duration_seconds",
		metric.WithDescription("Provider snapshot latency in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubscribeFailures, err = meter.Int64Counter(
		"optstream_subscribe_failures_total",
		metric.WithDescription("Subscribe or unsubscribe commands rejected by the provider"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Subscriptions, err = meter.Int64UpDownCounter(
		"optstream_subscriptions",
		metric.WithDescription("Option instruments currently subscribed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PubSubDropped, err = meter.Int64Counter(
		"optstream_pubsub_dropped_total",
		metric.WithDescription("In-memory pubsub messages dropped for slow subscribers"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordPublished(ctx context.Context, sink, event string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("event", event),
	))
}

func (m *Metrics) RecordPublishRetry(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.PublishRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *Metrics) AddBacklog(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.PublishBacklog.Add(ctx, delta)
}

func (m *Metrics) RecordFlushSuppressed(ctx context.Context) {
	if m == nil {
		return
	}
	m.FlushesSuppressed.Add(ctx, 1)
}

// RecordSnapshot tracks one provider snapshot call. scope is "core" or "batch".
func (m *Metrics) RecordSnapshot(ctx context.Context, scope string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("scope", scope))
	m.SnapshotDuration.Record(ctx, duration.Seconds(), labels)
	if err != nil {
		m.SnapshotFailures.Add(ctx, 1, labels)
	}
}

func (m *Metrics) RecordSubscribeFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.SubscribeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordPubSubDropped(ctx context.Context, channel string, n int) {
	if m == nil {
		return
	}
	m.PubSubDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *Metrics) AddSubscriptions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(ctx, delta)
}
