package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Instruments holds a set of engine-wide metric handles. The engine, queue,
// store, registry, API and resilience components create their own
// instruments from a metric.Meter rather than reading them from here.
type Instruments struct {
	TasksSubmitted     metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksRetried       metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	TaskLatency        metric.Float64Histogram
	ProviderHealth     metric.Float64Gauge
	StoreLatency       metric.Float64Histogram
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	CircuitOpenTotal   metric.Int64Counter
}

// InitMetrics installs a periodic-reader meter provider exporting over
// OTLP/gRPC and returns the shared instrument set alongside a shutdown func.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, ins Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("component", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(initCtx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, buildInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, buildInstruments()
}

func buildInstruments() Instruments {
	meter := otel.Meter(meterName)
	ins := Instruments{}
	ins.TasksSubmitted, _ = meter.Int64Counter("gleitzeit_tasks_submitted_total")
	ins.TasksCompleted, _ = meter.Int64Counter("gleitzeit_tasks_completed_total")
	ins.TasksFailed, _ = meter.Int64Counter("gleitzeit_tasks_failed_total")
	ins.TasksRetried, _ = meter.Int64Counter("gleitzeit_tasks_retried_total")
	ins.WorkflowsCompleted, _ = meter.Int64Counter("gleitzeit_workflows_completed_total")
	ins.QueueDepth, _ = meter.Int64UpDownCounter("gleitzeit_queue_depth")
	ins.TaskLatency, _ = meter.Float64Histogram("gleitzeit_task_latency_seconds")
	ins.ProviderHealth, _ = meter.Float64Gauge("gleitzeit_provider_health_score")
	ins.StoreLatency, _ = meter.Float64Histogram("gleitzeit_store_latency_seconds")
	ins.CacheHits, _ = meter.Int64Counter("gleitzeit_cache_hits_total")
	ins.CacheMisses, _ = meter.Int64Counter("gleitzeit_cache_misses_total")
	ins.CircuitOpenTotal, _ = meter.Int64Counter("gleitzeit_circuit_open_total")
	return ins
}
