// Package eventbus optionally fans out internal/stepfn ExecutionEvents over
// NATS, additive to the execution-event journal internal/stepstore keeps;
// never a replacement for it. When FLUXWEAVE_NATS_URL is unset, Publish is
// a no-op so the rest of the system behaves identically with or without a
// NATS deployment colocated.
//
// Grounded on libs/go/core/natsctx/natsctx.go: trace-context injection into
// message headers on publish, a child consumer span on subscribe.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/fluxweave/internal/stepfn"
)

var propagator = propagation.TraceContext{}

// Bus publishes ExecutionEvents to a subject derived from the workspace
// name. A nil *nats.Conn makes every Publish a no-op, matching the "inert
// when unconfigured" requirement.
type Bus struct {
	nc *nats.Conn
}

// Dial connects to FLUXWEAVE_NATS_URL if set, returning an inert Bus
// otherwise. Callers should Close the returned Bus when done.
func Dial() (*Bus, error) {
	url := os.Getenv("FLUXWEAVE_NATS_URL")
	if url == "" {
		return &Bus{}, nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// Close closes the underlying connection, if any; subscriptions are not
// drained first.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Subject is the fan-out subject for a workspace's execution events.
func Subject(workspace string) string { return "fluxweave.execution.events." + workspace }

// Publish fans ev out under workspace's subject. A no-op if the bus was
// never dialed.
func (b *Bus) Publish(ctx context.Context, workspace string, ev stepfn.Event) error {
	if b.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: Subject(workspace), Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Subscribe wires handler to every event published for workspace,
// extracting trace context and starting a consumer span per message,
// matching natsctx.Subscribe's shape. Returns nil, nil on an inert bus.
func (b *Bus) Subscribe(workspace string, handler func(context.Context, stepfn.Event)) (*nats.Subscription, error) {
	if b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(Subject(workspace), func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tracer := otel.Tracer("fluxweave-eventbus")
		ctx, span := tracer.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev stepfn.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Error("eventbus: decode event", "error", err)
			span.RecordError(err)
			return
		}
		handler(ctx, ev)
	})
}
