// Package service composes the generator, registry, ledger writer, verifier
// and rate limiter into the operations exposed by the CLI and HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fsl-continuum/fcuid/internal/alert"
	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/ledger"
	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/telemetry"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/validation"
	"github.com/fsl-continuum/fcuid/internal/verify"
)

const scopeName = "github.com/fsl-continuum/fcuid/service"

// ErrInvalidInput marks caller errors other than a malformed FCUID
// (bad system key, unknown status, missing note).
var ErrInvalidInput = errors.New("invalid input")

// WarningLedgerPending is returned with a successful mint or commit whose
// ledger writes did not all complete.
const WarningLedgerPending = "audit trail completion pending"

// Requester identifies the caller of a rate-limited query.
type Requester struct {
	ID string
	IP string
}

// Service is the facade over the FCUID components.
type Service struct {
	store          storage.Storage
	gen            *idgen.Generator
	writer         *ledger.Writer
	verifier       *verify.Verifier
	limiter        *ratelimit.Limiter
	alerter        alert.Alerter
	log            logrus.FieldLogger
	verifyOnCommit bool

	tracer      trace.Tracer
	minted      metric.Int64Counter
	degraded    metric.Int64Counter
	mismatches  metric.Int64Counter
	rateLimited metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter enables rate limiting on queries.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithAlerter sets where duplicate-id alerts go.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithVerifyOnCommit runs a verification right after a commit fills both slots.
func WithVerifyOnCommit(on bool) Option {
	return func(s *Service) { s.verifyOnCommit = on }
}

// WithGenerator replaces the default generator.
func WithGenerator(g *idgen.Generator) Option {
	return func(s *Service) { s.gen = g }
}

// New creates a Service.
func New(store storage.Storage, writer *ledger.Writer, verifier *verify.Verifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gen:      idgen.New(),
		writer:   writer,
		verifier: verifier,
		alerter:  alert.Nop{},
		log:      logrus.StandardLogger(),
		tracer:   telemetry.Tracer(scopeName),
	}
	for _, opt := range opts {
		opt(s)
	}
	m := telemetry.Meter(scopeName)
	s.minted, _ = m.Int64Counter("fcuid.minted", metric.WithDescription("FCUIDs minted"))
	s.degraded, _ = m.Int64Counter("fcuid.commit.degraded", metric.WithDescription("Commits that left a ledger slot empty"))
	s.mismatches, _ = m.Int64Counter("fcuid.verify.mismatches", metric.WithDescription("Cross-ledger verification mismatches"))
	s.rateLimited, _ = m.Int64Counter("fcuid.ratelimited", metric.WithDescription("Requests rejected by the rate limiter"))
	return s
}

// Store exposes the registry for maintenance commands.
func (s *Service) Store() storage.Storage {
	return s.store
}

// Verifier exposes the verifier for the sweep loop.
func (s *Service) Verifier() *verify.Verifier {
	return s.verifier
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "fcuid."+name, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// MintRequest describes a new FCUID.
type MintRequest struct {
	EntityType   types.EntityType  `json:"entity_type"`
	TimeSortable bool              `json:"time_sortable"`
	Payload      map[string]any    `json:"payload,omitempty"`
	ExternalRefs map[string]string `json:"external_refs,omitempty"`
	// DeferCommit skips the ledger commit; run Commit later.
	DeferCommit bool `json:"defer_commit,omitempty"`
}

// MintResponse is the outcome of Mint.
type MintResponse struct {
	FCUID        string               `json:"fcuid"`
	Record       *types.Record        `json:"record"`
	Commit       *ledger.CommitResult `json:"commit,omitempty"`
	Verification *verify.Result       `json:"verification,omitempty"`
	Warning      string               `json:"warning,omitempty"`
}

// Mint creates an FCUID, its mapping record and references, and commits it
// to both ledgers unless deferred. A ledger failure is not an error: the
// response carries WarningLedgerPending and the record is marked degraded.
func (s *Service) Mint(ctx context.Context, req MintRequest) (resp MintResponse, err error) {
	ctx, span := s.start(ctx, "Mint", attribute.String("fcuid.entity_type", string(req.EntityType)))
	defer func() { end(span, err) }()

	if req.EntityType == "" {
		req.EntityType = types.EntityGeneric
	}
	if !req.EntityType.IsValid() {
		return resp, fmt.Errorf("entity type %q: %w", req.EntityType, ErrInvalidInput)
	}
	systems := make([]string, 0, len(req.ExternalRefs))
	for system, extID := range req.ExternalRefs {
		if err := validateRef(system, extID); err != nil {
			return resp, err
		}
		systems = append(systems, system)
	}
	sort.Strings(systems)

	id, err := s.gen.Mint(req.EntityType, req.TimeSortable)
	if err != nil {
		return resp, err
	}
	if _, err := validation.ParseFCUID(id); err != nil {
		return resp, fmt.Errorf("generator produced an invalid identifier: %w", err)
	}
	span.SetAttributes(attribute.String("fcuid.id", id))

	if _, err := s.store.CreateRecord(ctx, id, req.EntityType); err != nil {
		if errors.Is(err, storage.ErrDuplicateID) {
			s.reportDuplicate(ctx, id)
		}
		return resp, err
	}
	s.minted.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", string(req.EntityType))))
	resp.FCUID = id
	s.log.WithFields(logrus.Fields{"fcuid": id, "entity_type": req.EntityType}).Info("minted")

	for _, system := range systems {
		if err := s.store.AttachExternalRef(ctx, id, system, req.ExternalRefs[system]); err != nil {
			return resp, fmt.Errorf("attach %s to %s: %w", system, id, err)
		}
	}

	if !req.DeferCommit {
		res, warning, verification, err := s.commit(ctx, id, req.Payload)
		if err != nil {
			return resp, err
		}
		resp.Commit = &res
		resp.Warning = warning
		resp.Verification = verification
	}

	resp.Record, err = s.store.GetRecord(ctx, id)
	return resp, err
}

// reportDuplicate records and alerts a generator collision. The existing
// record keeps its state.
func (s *Service) reportDuplicate(ctx context.Context, id string) {
	log := s.log.WithField("fcuid", id)
	log.Error("duplicate FCUID minted")
	if err := s.store.AddEvent(ctx, &types.Event{
		FCUID:     id,
		EventType: types.EventDuplicateID,
		Actor:     "generator",
		Detail:    "a newly minted identifier collided with this record",
	}); err != nil {
		log.WithError(err).Error("record duplicate event")
	}
	if err := s.alerter.Alert(ctx, alert.Alert{
		Kind:    alert.KindDuplicateID,
		FCUID:   id,
		Summary: "generator produced an identifier that already exists",
	}); err != nil {
		log.WithError(err).Error("deliver duplicate alert")
	}
}

// reportDegraded alerts that a commit left ledger slots empty after retries.
func (s *Service) reportDegraded(ctx context.Context, res ledger.CommitResult) {
	fields := make(map[string]string, len(res.Errors))
	for name, msg := range res.Errors {
		fields[string(name)] = msg
	}
	if err := s.alerter.Alert(ctx, alert.Alert{
		Kind:    alert.KindLedgerDegraded,
		FCUID:   res.FCUID,
		Summary: "ledger write failed after retries; record is degraded until commit is retried",
		Fields:  fields,
	}); err != nil {
		s.log.WithError(err).WithField("fcuid", res.FCUID).Error("deliver degraded alert")
	}
}

func validateRef(system, externalID string) error {
	if err := validation.ValidateSystemKey(system); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validation.ValidateExternalID(externalID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Attach maps systemKey/externalID to id.
func (s *Service) Attach(ctx context.Context, id, systemKey, externalID string) (err error) {
	ctx, span := s.start(ctx, "Attach", attribute.String("fcuid.id", id), attribute.String("fcuid.system", systemKey))
	defer func() { end(span, err) }()
	if id, err = validation.ParseFCUID(id); err != nil {
		return err
	}
	if err := validateRef(systemKey, externalID); err != nil {
		return err
	}
	return s.store.AttachExternalRef(ctx, id, systemKey, externalID)
}

// AdvanceStatus performs an automated forward transition.
func (s *Service) AdvanceStatus(ctx context.Context, id string, next types.Status) (err error) {
	ctx, span := s.start(ctx, "AdvanceStatus", attribute.String("fcuid.id", id), attribute.String("fcuid.status", string(next)))
	defer func() { end(span, err) }()
	if id, err = validation.ParseFCUID(id); err != nil {
		return err
	}
	if !next.IsValid() {
		return fmt.Errorf("status %q: %w", next, ErrInvalidInput)
	}
	return s.store.AdvanceStatus(ctx, id, next)
}

// CommitResponse is the outcome of Commit.
type CommitResponse struct {
	ledger.CommitResult
	Verification *verify.Result `json:"verification,omitempty"`
	Warning      string         `json:"warning,omitempty"`
}

// Commit fills the record's empty ledger slots.
func (s *Service) Commit(ctx context.Context, id string, payload map[string]any) (resp CommitResponse, err error) {
	ctx, span := s.start(ctx, "Commit", attribute.String("fcuid.id", id))
	defer func() { end(span, err) }()
	if id, err = validation.ParseFCUID(id); err != nil {
		return resp, err
	}
	resp.CommitResult, resp.Warning, resp.Verification, err = s.commit(ctx, id, payload)
	return resp, err
}

func (s *Service) commit(ctx context.Context, id string, payload map[string]any) (ledger.CommitResult, string, *verify.Result, error) {
	res, err := s.writer.Commit(ctx, id, payload)
	if err != nil {
		return res, "", nil, err
	}
	if res.Degraded {
		s.degraded.Add(ctx, 1)
		s.reportDegraded(ctx, res)
		return res, WarningLedgerPending, nil, nil
	}
	if !s.verifyOnCommit {
		return res, "", nil, nil
	}
	v, err := s.verify(ctx, id)
	if err != nil {
		return res, "", nil, fmt.Errorf("verify after commit: %w", err)
	}
	return res, "", &v, nil
}

// Verify cross-checks both ledger references of id.
func (s *Service) Verify(ctx context.Context, id string) (res verify.Result, err error) {
	ctx, span := s.start(ctx, "Verify", attribute.String("fcuid.id", id))
	defer func() { end(span, err) }()
	if id, err = validation.ParseFCUID(id); err != nil {
		return res, err
	}
	return s.verify(ctx, id)
}

func (s *Service) verify(ctx context.Context, id string) (verify.Result, error) {
	res, err := s.verifier.Verify(ctx, id)
	if err == nil && !res.Consistent && !res.Skipped && !res.AlreadyFlagged {
		s.mismatches.Add(ctx, 1)
	}
	return res, err
}

// Resolve archives a flagged record after manual investigation.
func (s *Service) Resolve(ctx context.Context, id, actor, note string) (err error) {
	ctx, span := s.start(ctx, "Resolve", attribute.String("fcuid.id", id))
	defer func() { end(span, err) }()
	if id, err = validation.ParseFCUID(id); err != nil {
		return err
	}
	if actor == "" {
		return fmt.Errorf("resolving a flag requires an actor: %w", ErrInvalidInput)
	}
	if note == "" {
		return fmt.Errorf("resolving a flag requires a note: %w", ErrInvalidInput)
	}
	if err := s.store.ResolveFlag(ctx, id, actor, note); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"fcuid": id, "actor": actor}).Info("flag resolved")
	return nil
}

// Sweep re-verifies stale records.
func (s *Service) Sweep(ctx context.Context, opts verify.SweepOptions) (report verify.SweepReport, err error) {
	ctx, span := s.start(ctx, "Sweep")
	defer func() { end(span, err) }()
	report, err = s.verifier.Sweep(ctx, opts)
	if n := len(report.Mismatched); n > 0 {
		s.mismatches.Add(ctx, int64(n))
	}
	return report, err
}

// Validate checks a candidate identifier without touching storage.
func (s *Service) Validate(candidate string) validation.Result {
	return validation.ValidateFCUID(candidate)
}

// RebuildIndices repairs the reverse indices from the records.
func (s *Service) RebuildIndices(ctx context.Context) (*storage.RebuildReport, error) {
	return s.store.RebuildIndices(ctx)
}
