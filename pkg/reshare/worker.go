package reshare

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
	"github.com/chris-alexander-pop/context-reshare/pkg/node"
	"github.com/chris-alexander-pop/context-reshare/pkg/resilience"
)

// Delivery is one forwarding assignment handed to a Worker.
type Delivery struct {
	Context   string
	Recipient string
	Link      string
	Permalink string
}

// Worker delivers one message to one recipient. Implementations must return
// exactly once per invocation and must not assume non-duplicate inputs across
// crash boundaries.
type Worker interface {
	Work(ctx context.Context, d Delivery) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, d Delivery) error

func (f WorkerFunc) Work(ctx context.Context, d Delivery) error { return f(ctx, d) }

// NodeWorker is the default Worker: it forwards through the node's send.
type NodeWorker struct {
	node node.Node
}

func NewNodeWorker(n node.Node) *NodeWorker {
	return &NodeWorker{node: n}
}

func (w *NodeWorker) Work(ctx context.Context, d Delivery) error {
	return w.node.Send(ctx, node.SendRequest{
		Link: d.Link,
		To:   node.Identity{Permalink: d.Recipient},
	})
}

// RetryingWorker wraps a Worker with retry and exponential backoff. Delivery
// is idempotent on the receiving side, so retries are safe.
type RetryingWorker struct {
	next Worker
	cfg  resilience.RetryConfig
}

func NewRetryingWorker(next Worker, cfg resilience.RetryConfig) *RetryingWorker {
	return &RetryingWorker{next: next, cfg: cfg}
}

func (w *RetryingWorker) Work(ctx context.Context, d Delivery) error {
	return resilience.Retry(ctx, w.cfg, func(ctx context.Context) error {
		return w.next.Work(ctx, d)
	})
}

// InstrumentedWorker wraps a Worker to add logging and tracing.
type InstrumentedWorker struct {
	next   Worker
	tracer trace.Tracer
}

func NewInstrumentedWorker(next Worker) *InstrumentedWorker {
	return &InstrumentedWorker{
		next:   next,
		tracer: otel.Tracer("pkg/reshare"),
	}
}

func (w *InstrumentedWorker) Work(ctx context.Context, d Delivery) error {
	ctx, span := w.tracer.Start(ctx, "reshare.Work", trace.WithAttributes(
		attribute.String("reshare.context", d.Context),
		attribute.String("reshare.recipient", d.Recipient),
	))
	defer span.End()

	err := w.next.Work(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "delivery failed",
			"context", d.Context, "recipient", d.Recipient, "link", d.Link, "error", err)
		return err
	}

	logger.L().DebugContext(ctx, "delivered",
		"context", d.Context, "recipient", d.Recipient, "link", d.Link)
	return nil
}
