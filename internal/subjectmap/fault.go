package subjectmap

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/pubsub"
	"github.com/zjrosen/subjectmap/internal/tracing"
)

// startFault runs the fault handler for key on its own goroutine and routes
// the outcome to target, the subject that was bound when the task started.
// If that binding has been torn down by the time the task finishes, target is
// already complete and the outcome is dropped.
func (m *Map[K, V]) startFault(key K, target *pubsub.ReplaySubject[V], origin fault.Origin) {
	if m.fault == nil {
		return
	}
	handler := fault.Recover(m.fault)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		ctx := fault.WithOrigin(m.ctx, origin)
		ctx, span := m.tracer.Start(ctx, tracing.SpanFault,
			trace.WithAttributes(
				attribute.String(tracing.AttrKey, fmt.Sprint(key)),
				attribute.String(tracing.AttrFaultOrigin, string(origin)),
			),
		)
		defer span.End()

		value, err := handler(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(tracing.AttrOutcome, "error"))
			log.ErrorErr(log.CatFault, "fault handler failed", err, "key", key, "origin", origin)
			target.Error(err)
			return
		}

		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String(tracing.AttrOutcome, "value"))
		log.Debug(log.CatFault, "fault resolved", "key", key, "origin", origin)
		target.Next(value)
	}()
}
