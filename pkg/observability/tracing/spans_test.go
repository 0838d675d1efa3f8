package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	previous := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestStartStoreSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartStoreSpan(context.Background(), "redis", StoreOperationInsert, "node-a:8080/sync")
	EndSpan(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "LeaseStore insert" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["db.system"] != "redis" || attrs["db.operation"] != "insert" || attrs["lease.key"] != "node-a:8080/sync" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[0].Status())
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartStoreSpan(context.Background(), "postgres", StoreOperationDelete, "x")
	EndSpan(span, errors.New("connection reset"))

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "connection reset" {
		t.Fatalf("unexpected status %v", ended[0].Status())
	}
	if len(ended[0].Events()) == 0 {
		t.Fatal("expected an error event")
	}
}
