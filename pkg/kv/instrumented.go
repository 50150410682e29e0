package kv

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// InstrumentedStore wraps a Store to add logging and tracing.
type InstrumentedStore struct {
	next   Store
	name   string
	tracer trace.Tracer
}

// NewInstrumentedStore creates a new instrumented store wrapper. name labels
// the namespace in spans and logs.
func NewInstrumentedStore(next Store, name string) *InstrumentedStore {
	return &InstrumentedStore{
		next:   next,
		name:   name,
		tracer: otel.Tracer("pkg/kv"),
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "kv.Get", trace.WithAttributes(
		attribute.String("kv.namespace", s.name),
	))
	defer span.End()

	v, err := s.next.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v, nil
}

func (s *InstrumentedStore) Put(ctx context.Context, key, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "kv.Put", trace.WithAttributes(
		attribute.String("kv.namespace", s.name),
	))
	defer span.End()

	err := s.next.Put(ctx, key, value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "kv put failed", "namespace", s.name, "error", err)
	}
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key []byte) error {
	ctx, span := s.tracer.Start(ctx, "kv.Delete", trace.WithAttributes(
		attribute.String("kv.namespace", s.name),
	))
	defer span.End()

	err := s.next.Delete(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "kv delete failed", "namespace", s.name, "error", err)
	}
	return err
}

func (s *InstrumentedStore) Batch(ctx context.Context, ops []Op) error {
	ctx, span := s.tracer.Start(ctx, "kv.Batch", trace.WithAttributes(
		attribute.String("kv.namespace", s.name),
		attribute.Int("kv.ops", len(ops)),
	))
	defer span.End()

	err := s.next.Batch(ctx, ops)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "kv batch failed", "namespace", s.name, "ops", len(ops), "error", err)
	}
	return err
}

func (s *InstrumentedStore) Read(ctx context.Context, r Range) (*Stream, error) {
	ctx, span := s.tracer.Start(ctx, "kv.Read", trace.WithAttributes(
		attribute.String("kv.namespace", s.name),
		attribute.Bool("kv.live", r.Live),
	))
	defer span.End()

	stream, err := s.next.Read(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return stream, nil
}

func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}
