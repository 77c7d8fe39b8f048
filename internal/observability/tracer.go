package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the resolver, the cache client and the store.
var (
	AttrCacheKey  = attribute.Key("snapcache.cache.key")
	AttrDataset   = attribute.Key("snapcache.dataset")
	AttrSource    = attribute.Key("snapcache.source")
	AttrRefresh   = attribute.Key("snapcache.refresh")
	AttrDriver    = attribute.Key("snapcache.store.driver")
	AttrRowCount  = attribute.Key("snapcache.rows")
	AttrCoalesced = attribute.Key("snapcache.coalesced")
	AttrRequestID = attribute.Key("snapcache.request_id")
)

// StartSpan opens an internal span, such as one resolve or one cache probe.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, name, trace.SpanKindInternal, attrs)
}

// StartClientSpan opens a span around a call into the authoritative store.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, name, trace.SpanKindClient, attrs)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the hex trace id carried by ctx, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
