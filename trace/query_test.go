package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracer(newMemStore())

	coffee := sampleRegistration(10)
	rice := sampleRegistration(20)
	rice.ItemName = "Pandan Rice"
	coffeeID, err := tr.Register(ctx, producer, coffee)
	require.NoError(t, err)
	riceID, err := tr.Register(ctx, producer, rice)
	require.NoError(t, err)
	_, err = tr.CrossBorder(ctx, border, riceID, "Merak", OutcomePass)
	require.NoError(t, err)

	all, err := tr.Search(ctx, gov, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := tr.Search(ctx, gov, "ARABICA", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, coffeeID, got[0].BatchNumber)

	got, err = tr.Search(ctx, gov, "batch-00000", StatusInTransit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, riceID, got[0].BatchNumber)

	got, err = tr.Search(ctx, gov, "rice", StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = tr.Search(ctx, producer, "", "")
	assert.ErrorIs(t, err, ErrAuthorization)
}

func TestIsExpiredUsesQueryTime(t *testing.T) {
	p := Product{ExpiryDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.False(t, IsExpired(p, time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC)))
	assert.False(t, IsExpired(p, p.ExpiryDate))
	assert.True(t, IsExpired(p, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))

	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tr := New(newMemStore(), Options{Clock: func() time.Time { return clock }})
	assert.False(t, tr.IsExpired(p))
	clock = clock.AddDate(1, 0, 0)
	assert.True(t, tr.IsExpired(p))
}

func TestLineage(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracer(newMemStore())
	root, err := tr.Register(ctx, producer, sampleRegistration(100))
	require.NoError(t, err)
	mid, err := tr.SplitAndAssign(ctx, distributor, root, Assignment{Seller: "0xwholesale", Amount: decimal.NewFromInt(60)})
	require.NoError(t, err)
	leaf, err := tr.SplitAndAssign(ctx, distributor, mid, Assignment{Seller: "0xretail", Amount: decimal.NewFromInt(15)})
	require.NoError(t, err)
	other, err := tr.SplitAndAssign(ctx, distributor, root, Assignment{Seller: "0xcafe", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	l, err := tr.Lineage(ctx, producer, leaf)
	require.NoError(t, err)
	require.Len(t, l.Ancestors, 2)
	assert.Equal(t, mid, l.Ancestors[0].BatchNumber)
	assert.Equal(t, root, l.Ancestors[1].BatchNumber)
	assert.Empty(t, l.Children)

	l, err = tr.Lineage(ctx, producer, root)
	require.NoError(t, err)
	assert.Empty(t, l.Ancestors)
	require.Len(t, l.Children, 2)
	assert.Equal(t, mid, l.Children[0].BatchNumber)
	assert.Equal(t, other, l.Children[1].BatchNumber)

	_, err = tr.Lineage(ctx, producer, "BATCH-123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

// driftingStore reports a history that lost its last movement.
type driftingStore struct {
	*memStore
}

func (s driftingStore) History(ctx context.Context, batchNumber string) (ParallelHistory, error) {
	h, err := s.memStore.History(ctx, batchNumber)
	if err != nil || len(h.Actions) == 0 {
		return h, err
	}
	n := len(h.Actions) - 1
	h.Actions, h.Actors, h.Locations, h.Timestamps = h.Actions[:n], h.Actors[:n], h.Locations[:n], h.Timestamps[:n]
	return h, nil
}

// brokenStore reports parallel arrays of different lengths.
type brokenStore struct {
	*memStore
}

func (s brokenStore) History(ctx context.Context, batchNumber string) (ParallelHistory, error) {
	h, err := s.memStore.History(ctx, batchNumber)
	h.Timestamps = append(h.Timestamps, 0)
	return h, err
}

func TestAudit(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent", func(t *testing.T) {
		tr := newTestTracer(newMemStore())
		id, err := tr.Register(ctx, producer, sampleRegistration(10))
		require.NoError(t, err)
		_, err = tr.CrossBorder(ctx, border, id, "Merak", OutcomePass)
		require.NoError(t, err)

		report, err := tr.Audit(ctx, gov, id)
		require.NoError(t, err)
		assert.True(t, report.Consistent, "%v", report.Mismatches)
		assert.Equal(t, 2, report.Local)
		assert.Equal(t, 2, report.Remote)
	})

	t.Run("store lost a movement", func(t *testing.T) {
		tr := newTestTracer(driftingStore{newMemStore()})
		id, err := tr.Register(ctx, producer, sampleRegistration(10))
		require.NoError(t, err)

		report, err := tr.Audit(ctx, gov, id)
		require.NoError(t, err)
		assert.False(t, report.Consistent)
		assert.Equal(t, 0, report.Remote)
	})

	t.Run("malformed store history", func(t *testing.T) {
		tr := newTestTracer(brokenStore{newMemStore()})
		id, err := tr.Register(ctx, producer, sampleRegistration(10))
		require.NoError(t, err)

		_, err = tr.Audit(ctx, gov, id)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	policy := fastRetry()

	calls := 0
	err := policy.Do(ctx, nil, "op", func(context.Context) error {
		calls++
		return Protocol("bad payload")
	})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 1, calls)

	calls = 0
	cause := errors.New("dial tcp: connection refused")
	err = policy.Do(ctx, cmtlog.NewNopLogger(), "op", func(context.Context) error {
		calls++
		return Connectivity(cause, "commit")
	})
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)

	assert.Equal(t, time.Millisecond, policy.backoff(1))
	assert.Equal(t, 2*time.Millisecond, policy.backoff(2))
	assert.Equal(t, 2*time.Millisecond, policy.backoff(5))
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := newKeyedMutex()
	release, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
	assert.Zero(t, k.size())
}
