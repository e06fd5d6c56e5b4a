// Package natshub carries OpenTelemetry trace context across the event hub
// a provider's hub-mediated handle and the trigger facade's event-driven
// submissions both use. Grounded on libs/go/core/natsctx.go's
// Publish/Subscribe pair, extended with a Request helper for the
// request/reply pattern hubHandle needs (the teacher only ever publishes
// fire-and-forget).
package natshub

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Request injects the current trace context into a NATS header and issues
// a request/reply call, returning the correlated response.
func Request(ctx context.Context, nc *nats.Conn, subject string, data []byte) (*nats.Msg, error) {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.RequestMsgWithContext(ctx, msg)
}

// Publish injects trace context into headers and publishes a fire-and-forget
// message.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a child span before calling handler — used to feed external
// hub events into the trigger facade's TriggerEvent.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("gleitzeit-natshub")
		ctx, span := tracer.Start(ctx, "natshub.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
