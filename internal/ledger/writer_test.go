package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/storage/memory"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// fakeLedger fails while down is set and counts attempts.
type fakeLedger struct {
	name     string
	down     atomic.Bool
	attempts atomic.Int32
	mu       sync.Mutex
	seq      int
}

func (f *fakeLedger) Name() string { return f.name }

func (f *fakeLedger) Write(ctx context.Context, e Entry) (Receipt, error) {
	f.attempts.Add(1)
	if f.down.Load() {
		return Receipt{}, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return Receipt{TxRef: fmt.Sprintf("%s-tx-%d", f.name, f.seq), Fragment: e.Fragment}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(t *testing.T) (*memory.Store, string, *fakeLedger, *fakeLedger, *Writer) {
	t.Helper()
	store := memory.New()
	id, err := idgen.New().Mint(types.EntityDeployment, true)
	require.NoError(t, err)
	_, err = store.CreateRecord(context.Background(), id, types.EntityDeployment)
	require.NoError(t, err)
	a := &fakeLedger{name: "chain-a"}
	b := &fakeLedger{name: "chain-b"}
	w := NewWriter(store, a, b, WithRetry(fastRetry()), WithLogger(quiet()))
	return store, id, a, b, w
}

func TestCommitBothLedgers(t *testing.T) {
	ctx := context.Background()
	store, id, _, _, w := setup(t)

	res, err := w.Commit(ctx, id, map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.NoError(t, res.Err())
	frag := idgen.Fragment(id)
	assert.Equal(t, "chain-a-tx-1#"+frag, res.Refs[types.LedgerA])
	assert.Equal(t, "chain-b-tx-1#"+frag, res.Refs[types.LedgerB])

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.LedgerRefs.Complete())
	assert.False(t, rec.Degraded)
	assert.Equal(t, types.StatusActive, rec.Status)
}

func TestPartialCommitThenCompletion(t *testing.T) {
	ctx := context.Background()
	store, id, a, b, w := setup(t)
	b.down.Store(true)

	res, err := w.Commit(ctx, id, nil)
	require.NoError(t, err, "ledger failure is not a hard error")
	assert.True(t, res.Degraded)
	require.ErrorIs(t, res.Err(), ErrLedgerWriteFailed)
	assert.Contains(t, res.Errors[types.LedgerB], "connection refused")
	assert.Equal(t, int32(3), b.attempts.Load(), "bounded retries")

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.LedgerRefs.LedgerA)
	assert.Nil(t, rec.LedgerRefs.LedgerB)
	assert.Equal(t, types.StatusActive, rec.Status)
	assert.True(t, rec.Degraded)
	firstA := *rec.LedgerRefs.LedgerA

	events, err := store.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	var failures int
	for _, e := range events {
		if e.EventType == types.EventLedgerWriteFailed {
			failures++
			assert.Contains(t, e.Detail, "ledger_b")
		}
	}
	assert.Equal(t, 1, failures)

	b.down.Store(false)
	res, err = w.Commit(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []types.LedgerName{types.LedgerA}, res.Skipped)
	assert.Equal(t, int32(1), a.attempts.Load(), "populated slot is not rewritten")

	rec, err = store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.LedgerRefs.Complete())
	assert.Equal(t, firstA, *rec.LedgerRefs.LedgerA, "first slot is never reset")
	assert.False(t, rec.Degraded)
}

func TestCommitBothDown(t *testing.T) {
	ctx := context.Background()
	store, id, a, b, w := setup(t)
	a.down.Store(true)
	b.down.Store(true)

	res, err := w.Commit(ctx, id, nil)
	require.NoError(t, err)
	assert.Len(t, res.Failures, 2)
	assert.Empty(t, res.Refs)

	rec, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.LedgerRefs.LedgerA)
	assert.Nil(t, rec.LedgerRefs.LedgerB)
	assert.True(t, rec.Degraded)
}

func TestCommitRejectsFlaggedAndMissing(t *testing.T) {
	ctx := context.Background()
	store, id, a, _, w := setup(t)

	_, err := w.Commit(ctx, "fc-000000000000-000000000000-00000000", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.MarkVerified(ctx, id, time.Now(), false)
	require.NoError(t, err)
	_, err = w.Commit(ctx, id, nil)
	require.ErrorIs(t, err, storage.ErrFrozen)
	assert.Equal(t, int32(0), a.attempts.Load())
}

// slowLedger blocks until its context ends.
type slowLedger struct{ fakeLedger }

func (s *slowLedger) Write(ctx context.Context, e Entry) (Receipt, error) {
	s.attempts.Add(1)
	<-ctx.Done()
	return Receipt{}, ctx.Err()
}

func TestAttemptTimeout(t *testing.T) {
	ctx := context.Background()
	store, id, a, _, _ := setup(t)
	slow := &slowLedger{fakeLedger{name: "slow"}}
	w := NewWriter(store, a, slow, WithLogger(quiet()), WithRetry(RetryConfig{
		MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, AttemptTimeout: 20 * time.Millisecond,
	}))

	res, err := w.Commit(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, int32(2), slow.attempts.Load())
	assert.Contains(t, res.Errors[types.LedgerB], context.DeadlineExceeded.Error())
}

// refRejectingStore fails AttachLedgerRef for one slot.
type refRejectingStore struct {
	*memory.Store
	reject types.LedgerName
}

func (s *refRejectingStore) AttachLedgerRef(ctx context.Context, id string, name types.LedgerName, ref string) error {
	if name == s.reject {
		return errors.New("disk I/O error")
	}
	return s.Store.AttachLedgerRef(ctx, id, name, ref)
}

func TestRegistryErrorStillRecordsOtherSlotFailure(t *testing.T) {
	ctx := context.Background()
	mem, id, a, b, _ := setup(t)
	store := &refRejectingStore{Store: mem, reject: types.LedgerA}
	w := NewWriter(store, a, b, WithRetry(fastRetry()), WithLogger(quiet()))
	b.down.Store(true)

	res, err := w.Commit(ctx, id, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Errors[types.LedgerB], "connection refused")

	rec, err := mem.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)

	events, err := mem.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	var failures int
	for _, e := range events {
		if e.EventType == types.EventLedgerWriteFailed {
			failures++
			assert.Contains(t, e.Detail, "ledger_b")
		}
	}
	assert.Equal(t, 1, failures)
}
