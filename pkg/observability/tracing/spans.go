package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const storeTracerName = "github.com/nimburion/leasecoord/lease-store"

// StoreOperation names one lease store call.
type StoreOperation string

const (
	StoreOperationFindAll  StoreOperation = "find_all"
	StoreOperationFindByID StoreOperation = "find_by_id"
	StoreOperationInsert   StoreOperation = "insert"
	StoreOperationUpdate   StoreOperation = "update"
	StoreOperationDelete   StoreOperation = "delete"
)

// StartStoreSpan starts a client span for a lease store call. key is the lease id or
// the job type, depending on the operation.
func StartStoreSpan(ctx context.Context, backend string, operation StoreOperation, key string) (context.Context, trace.Span) {
	tracer := otel.Tracer(storeTracerName)
	ctx, span := tracer.Start(ctx, fmt.Sprintf("LeaseStore %s", operation), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", backend),
		attribute.String("db.operation", string(operation)),
		attribute.String("lease.key", key),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
