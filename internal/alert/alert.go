// Package alert delivers security-relevant registry events (verification
// mismatches, duplicate identifiers, degraded ledger commits) to an external
// channel.
package alert

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies an alert.
type Kind string

// Alert kinds
const (
	KindVerificationMismatch Kind = "verification_mismatch"
	KindDuplicateID          Kind = "duplicate_id"
	KindLedgerDegraded       Kind = "ledger_degraded"
)

// Alert is one notification.
type Alert struct {
	Kind    Kind              `json:"kind"`
	FCUID   string            `json:"fcuid"`
	Summary string            `json:"summary"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts as logrus error entries.
type LogAlerter struct {
	Logger logrus.FieldLogger
}

// Alert implements Alerter.
func (l LogAlerter) Alert(ctx context.Context, a Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{"alert": string(a.Kind), "fcuid": a.FCUID}
	for _, k := range sortedKeys(a.Fields) {
		fields[k] = a.Fields[k]
	}
	logger.WithFields(fields).Error(a.Summary)
	return nil
}

// Multi fans an alert out to every Alerter and joins their errors.
type Multi []Alerter

// Alert implements Alerter.
func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops alerts.
type Nop struct{}

// Alert implements Alerter.
func (Nop) Alert(context.Context, Alert) error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
