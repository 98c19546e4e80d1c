package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/querygate"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	DecisionCount      metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	QueryDuration      metric.Float64Histogram
	QueryErrors        metric.Int64Counter
	ToolDuration       metric.Float64Histogram
}

// NewInstruments creates metric instruments from the global MeterProvider.
// Returns nil-safe instruments: if creation fails, noop instruments are used.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	decisionCount, _ := meter.Int64Counter("querygate.decision.count",
		metric.WithDescription("Validation decisions by reason code; admitted decisions carry reason_code=ADMITTED"),
	)
	validationDuration, _ := meter.Float64Histogram("querygate.validation.duration",
		metric.WithDescription("SQL validation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	queryDuration, _ := meter.Float64Histogram("querygate.query.duration",
		metric.WithDescription("Admitted SQL execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	queryErrors, _ := meter.Int64Counter("querygate.query.errors",
		metric.WithDescription("Total number of admitted queries that failed to execute"),
	)
	toolDuration, _ := meter.Float64Histogram("querygate.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		DecisionCount:      decisionCount,
		ValidationDuration: validationDuration,
		QueryDuration:      queryDuration,
		QueryErrors:        queryErrors,
		ToolDuration:       toolDuration,
	}
}

func (i *Instruments) RecordValidationDuration(ctx context.Context, ms float64) {
	i.ValidationDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementDecisions(ctx context.Context, reasonCode string) {
	if reasonCode == "" {
		reasonCode = "ADMITTED"
	}
	i.DecisionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason_code", reasonCode)))
}

func (i *Instruments) RecordQueryDuration(ctx context.Context, ms float64) {
	i.QueryDuration.Record(ctx, ms)
}

func (i *Instruments) IncrementQueryErrors(ctx context.Context) {
	i.QueryErrors.Add(ctx, 1)
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}
