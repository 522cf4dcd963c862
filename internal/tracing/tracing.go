// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package tracing wires OpenTelemetry spans through the daemon client and
// domain controller call paths: a process-wide TracerProvider, a Start
// helper that degrades to a no-op tracer when disabled, and a logrus-backed
// exporter so spans show up in the same place as everything else this
// project logs.
package tracing

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tp      *sdktrace.TracerProvider
	enabled bool
)

// logExporter reports completed spans to logrus rather than a collector;
// there is no external trace backend wired into this project yet.
type logExporter struct {
	log *logrus.Entry
}

var _ sdktrace.SpanExporter = (*logExporter)(nil)

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.log.WithFields(logrus.Fields{
			"span":     span.Name(),
			"trace_id": span.SpanContext().TraceID().String(),
			"duration": span.EndTime().Sub(span.StartTime()).String(),
		}).Debug("span completed")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }

// Init enables tracing for the process named service. Called once from a
// cmd/ main before any Start calls; a process that never calls Init gets
// the package default no-op tracer.
func Init(service string, log *logrus.Entry) {
	enabled = true
	tp = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(&logExporter{log: log}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	)
	otel.SetTracerProvider(tp)
}

// Shutdown flushes and stops the tracer provider; a no-op if Init was never
// called.
func Shutdown(ctx context.Context) {
	if !enabled || tp == nil {
		return
	}
	_ = tp.ForceFlush(ctx)
	_ = tp.Shutdown(ctx)
}

// Start begins a span named name as a child of parent, returning the span
// and a context carrying it. Safe to call whether or not Init has run: the
// global TracerProvider defaults to a no-op implementation.
func Start(parent context.Context, name string, tags map[string]string) (trace.Span, context.Context) {
	var attrs []attribute.KeyValue
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	tracer := otel.Tracer("vfioctl")
	spanCtx, span := tracer.Start(parent, name, trace.WithAttributes(attrs...))
	return span, spanCtx
}

// AddAttr records an additional attribute on span, marshaling non-primitive
// values to JSON.
func AddAttr(span trace.Span, key string, value interface{}) {
	switch v := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, v))
	case bool:
		span.SetAttributes(attribute.Bool(key, v))
	case int:
		span.SetAttributes(attribute.Int(key, v))
	default:
		if content, err := json.Marshal(v); err == nil {
			span.SetAttributes(attribute.String(key, string(content)))
		}
	}
}
