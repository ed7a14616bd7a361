package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/validation"
)

// admit charges one request against the requester and IP windows.
func (s *Service) admit(ctx context.Context, who Requester) error {
	if s.limiter == nil {
		return nil
	}
	_, err := s.limiter.Check(ctx, who.ID, who.IP)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		s.rateLimited.Add(ctx, 1)
	}
	return err
}

// miss feeds a failed lookup into the suspicion tracker and returns err.
// Malformed identifiers count too: they are the signature of enumeration.
func (s *Service) miss(ctx context.Context, who Requester, err error) error {
	if s.limiter == nil {
		return err
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, validation.ErrInvalidFormat) {
		return err
	}
	if recErr := s.limiter.RecordFailedLookup(ctx, who.ID); recErr != nil {
		s.log.WithError(recErr).WithField("requester", who.ID).Warn("record failed lookup")
	}
	return err
}

// Get returns the record for id.
func (s *Service) Get(ctx context.Context, who Requester, id string) (rec *types.Record, err error) {
	ctx, span := s.start(ctx, "Get", attribute.String("fcuid.requester", who.ID))
	defer func() { end(span, err) }()
	if err := s.admit(ctx, who); err != nil {
		return nil, err
	}
	if id, err = validation.ParseFCUID(id); err != nil {
		return nil, s.miss(ctx, who, err)
	}
	rec, err = s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, s.miss(ctx, who, err)
	}
	return rec, nil
}

// ReverseLookup resolves an external reference to its FCUID.
func (s *Service) ReverseLookup(ctx context.Context, who Requester, systemKey, externalID string) (id string, err error) {
	ctx, span := s.start(ctx, "ReverseLookup",
		attribute.String("fcuid.requester", who.ID),
		attribute.String("fcuid.system", systemKey),
	)
	defer func() { end(span, err) }()
	if err := s.admit(ctx, who); err != nil {
		return "", err
	}
	if err := validateRef(systemKey, externalID); err != nil {
		return "", err
	}
	id, err = s.store.ReverseLookup(ctx, systemKey, externalID)
	if err != nil {
		return "", s.miss(ctx, who, err)
	}
	return id, nil
}

// LookupByLedgerTx resolves a ledger transaction reference to its FCUID.
func (s *Service) LookupByLedgerTx(ctx context.Context, who Requester, txRef string) (id string, err error) {
	ctx, span := s.start(ctx, "LookupByLedgerTx", attribute.String("fcuid.requester", who.ID))
	defer func() { end(span, err) }()
	if err := s.admit(ctx, who); err != nil {
		return "", err
	}
	if txRef == "" {
		return "", fmt.Errorf("ledger transaction reference is required: %w", ErrInvalidInput)
	}
	id, err = s.store.LookupByLedgerTx(ctx, txRef)
	if err != nil {
		return "", s.miss(ctx, who, err)
	}
	return id, nil
}

// Events returns the audit trail of id, newest first.
func (s *Service) Events(ctx context.Context, who Requester, id string, limit int) (events []*types.Event, err error) {
	ctx, span := s.start(ctx, "Events", attribute.String("fcuid.requester", who.ID))
	defer func() { end(span, err) }()
	if err := s.admit(ctx, who); err != nil {
		return nil, err
	}
	if id, err = validation.ParseFCUID(id); err != nil {
		return nil, s.miss(ctx, who, err)
	}
	if _, err := s.store.GetRecord(ctx, id); err != nil {
		return nil, s.miss(ctx, who, err)
	}
	events, err = s.store.GetEvents(ctx, id, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("fcuid.result.count", len(events)))
	}
	return events, err
}

// ListRecords lists records for maintenance views. It is not rate limited.
func (s *Service) ListRecords(ctx context.Context, filter types.RecordFilter) ([]*types.Record, error) {
	return s.store.ListRecords(ctx, filter)
}

// SuspiciousReport lists requesters with repeated failed lookups.
func (s *Service) SuspiciousReport(ctx context.Context) ([]types.SuspiciousEntry, error) {
	if s.limiter == nil {
		return []types.SuspiciousEntry{}, nil
	}
	return s.limiter.SuspiciousReport(ctx)
}
