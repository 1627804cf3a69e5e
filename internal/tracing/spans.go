package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrSinkName  = "stowage.sink.name"
	AttrBatchSize = "stowage.batch.size"
	AttrAttempt   = "stowage.flush.attempt"
	AttrShard     = "stowage.shard"
	AttrPages     = "stowage.write.pages"
	AttrErrorKind = "stowage.error.kind"
	AttrDBSystem  = "db.system"
	AttrDBTable   = "db.sql.table"
)

// Span names.
const (
	SpanFlush      = "stowage.flush"
	SpanWrite      = "stowage.write"
	SpanAck        = "stowage.ack"
	SpanTrim       = "stowage.trim"
	SpanDeadLetter = "stowage.deadletter"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx (possibly a no-op span).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSinkName, name)
}

func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

func AttemptAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

func ShardAttr(shard string) attribute.KeyValue {
	return attribute.String(AttrShard, shard)
}

func PagesAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrPages, n)
}

func ErrorKindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}

// DBSystemAttr returns the semantic-convention db.system attribute
// ("postgresql", "sqlite").
func DBSystemAttr(system string) attribute.KeyValue {
	return attribute.String(AttrDBSystem, system)
}

func DBTableAttr(table string) attribute.KeyValue {
	return attribute.String(AttrDBTable, table)
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
