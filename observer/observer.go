// Package observer provides OTEL-based observability for flock agent runs.
//
// It exposes a flock.Tracer backed by OpenTelemetry and counters for runs,
// steps, tool executions, spawns, and credit spend. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	flocklog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/sorenkv/flock/observer"

// Instruments holds all OTEL instruments used by the observer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger flocklog.Logger

	// Counters
	AgentRuns      metric.Int64Counter
	AgentSteps     metric.Int64Counter
	ToolExecutions metric.Int64Counter
	AgentSpawns    metric.Int64Counter
	CreditsSpent   metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	StepDuration metric.Float64Histogram

	Credits *CreditTable
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT,
// etc.). Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, rates map[string]ModelRate) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("flock")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(rates)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(rates map[string]ModelRate) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	agentRuns, err := meter.Int64Counter("agent.runs",
		metric.WithDescription("Agent run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	agentSteps, err := meter.Int64Counter("agent.steps",
		metric.WithDescription("Agent step count"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	agentSpawns, err := meter.Int64Counter("agent.spawns",
		metric.WithDescription("Subagent spawn count"),
		metric.WithUnit("{spawn}"))
	if err != nil {
		return nil, err
	}

	creditsSpent, err := meter.Int64Counter("credits.spent",
		metric.WithDescription("Cumulative credit spend"),
		metric.WithUnit("{credit}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("agent.run.duration",
		metric.WithDescription("Agent run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("agent.step.duration",
		metric.WithDescription("Agent step duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		AgentRuns:      agentRuns,
		AgentSteps:     agentSteps,
		ToolExecutions: toolExecutions,
		AgentSpawns:    agentSpawns,
		CreditsSpent:   creditsSpent,
		RunDuration:    runDuration,
		StepDuration:   stepDuration,
		Credits:        NewCreditTable(rates),
	}, nil
}
