package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

const storageScopeName = "github.com/fsl-continuum/fcuid/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in fcuid.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumented(s)
}

func newInstrumented(s storage.Storage) *InstrumentedStorage {
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("fcuid.storage.operations",
		metric.WithDescription("Total registry operations executed"),
	)
	dur, _ := m.Float64Histogram("fcuid.storage.operation.duration",
		metric.WithDescription("Registry operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("fcuid.storage.errors",
		metric.WithDescription("Total registry operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Records ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateRecord(ctx context.Context, id string, entityType types.EntityType) (*types.Record, error) {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.String("fcuid.entity_type", string(entityType)),
	}
	ctx, span, t := s.op(ctx, "CreateRecord", attrs...)
	v, err := s.inner.CreateRecord(ctx, id, entityType)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetRecord(ctx context.Context, id string) (*types.Record, error) {
	attrs := []attribute.KeyValue{attribute.String("fcuid.id", id)}
	ctx, span, t := s.op(ctx, "GetRecord", attrs...)
	v, err := s.inner.GetRecord(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListRecords(ctx context.Context, filter types.RecordFilter) ([]*types.Record, error) {
	ctx, span, t := s.op(ctx, "ListRecords")
	v, err := s.inner.ListRecords(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("fcuid.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── References ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AttachExternalRef(ctx context.Context, id, systemKey, externalID string) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.String("fcuid.system", systemKey),
	}
	ctx, span, t := s.op(ctx, "AttachExternalRef", attrs...)
	err := s.inner.AttachExternalRef(ctx, id, systemKey, externalID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) AttachLedgerRef(ctx context.Context, id string, ledger types.LedgerName, txRef string) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.String("fcuid.ledger", string(ledger)),
	}
	ctx, span, t := s.op(ctx, "AttachLedgerRef", attrs...)
	err := s.inner.AttachLedgerRef(ctx, id, ledger, txRef)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ReverseLookup(ctx context.Context, systemKey, externalID string) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("fcuid.system", systemKey)}
	ctx, span, t := s.op(ctx, "ReverseLookup", attrs...)
	v, err := s.inner.ReverseLookup(ctx, systemKey, externalID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) LookupByLedgerTx(ctx context.Context, txRef string) (string, error) {
	ctx, span, t := s.op(ctx, "LookupByLedgerTx")
	v, err := s.inner.LookupByLedgerTx(ctx, txRef)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AdvanceStatus(ctx context.Context, id string, next types.Status) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.String("fcuid.status", string(next)),
	}
	ctx, span, t := s.op(ctx, "AdvanceStatus", attrs...)
	err := s.inner.AdvanceStatus(ctx, id, next)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) MarkDegraded(ctx context.Context, id string, degraded bool) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.Bool("fcuid.degraded", degraded),
	}
	ctx, span, t := s.op(ctx, "MarkDegraded", attrs...)
	err := s.inner.MarkDegraded(ctx, id, degraded)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) MarkVerified(ctx context.Context, id string, at time.Time, consistent bool) (*types.Record, error) {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.Bool("fcuid.consistent", consistent),
	}
	ctx, span, t := s.op(ctx, "MarkVerified", attrs...)
	v, err := s.inner.MarkVerified(ctx, id, at, consistent)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ResolveFlag(ctx context.Context, id, actor, note string) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", id),
		attribute.String("fcuid.actor", actor),
	}
	ctx, span, t := s.op(ctx, "ResolveFlag", attrs...)
	err := s.inner.ResolveFlag(ctx, id, actor, note)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Audit trail ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AddEvent(ctx context.Context, event *types.Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("fcuid.id", event.FCUID),
		attribute.String("fcuid.event_type", string(event.EventType)),
	}
	ctx, span, t := s.op(ctx, "AddEvent", attrs...)
	err := s.inner.AddEvent(ctx, event)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error) {
	attrs := []attribute.KeyValue{attribute.String("fcuid.id", id)}
	ctx, span, t := s.op(ctx, "GetEvents", attrs...)
	v, err := s.inner.GetEvents(ctx, id, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Maintenance ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RebuildIndices(ctx context.Context) (*storage.RebuildReport, error) {
	ctx, span, t := s.op(ctx, "RebuildIndices")
	v, err := s.inner.RebuildIndices(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.Int("fcuid.records", v.Records),
			attribute.Int("fcuid.conflicts", len(v.Conflicts)),
		)
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// Unwrap returns the underlying store.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}
