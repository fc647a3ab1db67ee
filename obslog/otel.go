package obslog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelSink turns each log record into an immediately-ended OpenTelemetry
// span. This lets an operator correlate a boot warning or an executor step
// failure with the trace that was in flight when it happened, without
// standing up a second logging pipeline.
type OTelSink struct {
	tracer trace.Tracer
}

// NewOTelSink builds an OTelSink from a tracer, typically
// otel.Tracer("agentrt").
func NewOTelSink(tracer trace.Tracer) *OTelSink {
	return &OTelSink{tracer: tracer}
}

func (s *OTelSink) Write(rec Record) {
	ctx := context.Background()
	_, span := s.tracer.Start(ctx, rec.Msg)
	defer span.End()

	attrs := make([]attribute.KeyValue, 0, len(rec.Fields)+1)
	attrs = append(attrs, attribute.String("level", rec.Level.String()))
	for _, f := range rec.Fields {
		attrs = append(attrs, attribute.String(f.Key, fmt.Sprintf("%v", f.Value)))
	}
	span.SetAttributes(attrs...)

	if rec.Level == LevelError {
		span.SetStatus(codes.Error, rec.Msg)
		span.RecordError(fmt.Errorf("%s", rec.Msg))
	}
}

// NewOTelLogger is a convenience constructor combining New with an OTelSink.
func NewOTelLogger(tracer trace.Tracer, minLevel Level) Logger {
	return New(NewOTelSink(tracer), minLevel, nil)
}
