package natshub

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// startEmbeddedServer boots an in-process NATS server on a random port,
// grounded on how C360Studio's app.go stands up its embedded server for
// local/dev runs.
func startEmbeddedServer(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatalf("embedded NATS server never became ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect to embedded NATS: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestPublishSubscribePropagatesTraceContext(t *testing.T) {
	nc := startEmbeddedServer(t)

	tp := otelsdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	wantTraceID := span.SpanContext().TraceID()

	received := make(chan context.Context, 1)
	sub, err := Subscribe(nc, "events.test", func(rctx context.Context, m *nats.Msg) {
		received <- rctx
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := Publish(ctx, nc, "events.test", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	span.End()

	select {
	case rctx := <-received:
		gotTraceID := trace.SpanContextFromContext(rctx).TraceID()
		if gotTraceID != wantTraceID {
			t.Fatalf("subscriber trace id = %s, want %s (propagated from publisher)", gotTraceID, wantTraceID)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}
}

func TestPublishWithoutSpanStillDelivers(t *testing.T) {
	nc := startEmbeddedServer(t)

	received := make(chan []byte, 1)
	sub, err := Subscribe(nc, "events.plain", func(ctx context.Context, m *nats.Msg) {
		received <- m.Data
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "events.plain", []byte("no span")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "no span" {
			t.Fatalf("received %q, want %q", data, "no span")
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}
}

func TestRequestReturnsReply(t *testing.T) {
	nc := startEmbeddedServer(t)

	sub, err := nc.Subscribe("rpc.echo", func(m *nats.Msg) {
		_ = m.Respond(append([]byte("echo:"), m.Data...))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := Request(ctx, nc, "rpc.echo", []byte("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Fatalf("reply = %q, want %q", reply.Data, "echo:ping")
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	nc := startEmbeddedServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := Request(ctx, nc, "rpc.nobody-home", []byte("ping")); err == nil {
		t.Fatalf("expected Request to fail when nothing is subscribed")
	}
}
