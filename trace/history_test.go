package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHistoryZipsPositionally(t *testing.T) {
	h := ParallelHistory{
		Actions:    []string{"Registered", "BorderCrossing", "DistributorReceive"},
		Actors:     []string{"0xfarm", "0xcustoms", "0xdist"},
		Locations:  []string{"Bandung", "Merak", "Jakarta"},
		Timestamps: []int64{1700000000, 1700000100, 1700000200},
	}
	log, err := DecodeHistory("BATCH-000001", h)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, ActionBorderCrossing, log[1].Action)
	assert.Equal(t, "0xcustoms", log[1].Actor)
	assert.Equal(t, "Merak", log[1].Location)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), log[1].Timestamp)
	assert.Equal(t, int64(2), log[2].Seq)
	assert.Equal(t, []int64{1700000000000, 1700000100000, 1700000200000}, h.TimestampsMillis())
}

func TestDecodeHistoryRejectsMismatchedLengths(t *testing.T) {
	h := ParallelHistory{
		Actions:    []string{"Registered", "BorderCrossing", "DistributorReceive"},
		Actors:     []string{"a", "b", "c"},
		Locations:  []string{"x", "y", "z"},
		Timestamps: []int64{1, 2},
	}
	log, err := DecodeHistory("BATCH-000001", h)
	assert.Nil(t, log)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, IsRetryable(err))
}

func TestDecodeHistoryRejectsBadContent(t *testing.T) {
	_, err := DecodeHistory("B", ParallelHistory{
		Actions: []string{"Smuggled"}, Actors: []string{"a"}, Locations: []string{"x"}, Timestamps: []int64{1},
	})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = DecodeHistory("B", ParallelHistory{
		Actions:    []string{"Registered", "BorderCrossing"},
		Actors:     []string{"a", "b"},
		Locations:  []string{"x", "y"},
		Timestamps: []int64{20, 10},
	})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEncodeDecodeAgreeOnLedgerFields(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracer(newMemStore())
	id, err := tr.Register(ctx, producer, sampleRegistration(10))
	require.NoError(t, err)
	_, err = tr.CrossBorder(ctx, border, id, "Merak", OutcomePass)
	require.NoError(t, err)

	log, err := tr.Replay(ctx, gov, id)
	require.NoError(t, err)
	decoded, err := DecodeHistory(id, EncodeHistory(log))
	require.NoError(t, err)
	require.Len(t, decoded, len(log))
	for i := range log {
		assert.Equal(t, log[i].Action, decoded[i].Action)
		assert.Equal(t, log[i].Actor, decoded[i].Actor)
		assert.Equal(t, log[i].Timestamp.Unix(), decoded[i].Timestamp.Unix())
	}
}

func TestMigrateLegacyHistory(t *testing.T) {
	legacy := LegacyHistory{
		Actions:    []string{"Registered", "DistributorReceive"},
		Locations:  []string{"Bandung", "Jakarta"},
		Timestamps: []int64{100, 200},
	}
	_, err := MigrateLegacyHistory("B", legacy, "")
	assert.ErrorIs(t, err, ErrValidation)

	log, err := MigrateLegacyHistory("B", legacy, "0xarchive")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "0xarchive", log[1].Actor)
	assert.Equal(t, "Jakarta", log[1].Location)

	legacy.Locations = legacy.Locations[:1]
	_, err = MigrateLegacyHistory("B", legacy, "0xarchive")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReplayIsStableAndOrdered(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{now, now.Add(time.Minute), now.Add(-time.Hour)}
	i := 0
	tr := New(newMemStore(), Options{Retry: fastRetry(), Clock: func() time.Time {
		ts := ticks[min(i, len(ticks)-1)]
		i++
		return ts
	}})

	id, err := tr.Register(ctx, producer, sampleRegistration(10))
	require.NoError(t, err)
	_, err = tr.CrossBorder(ctx, border, id, "Merak", OutcomePass)
	require.NoError(t, err)
	// clock stepped back an hour; the stamp must not go backwards
	_, err = tr.DistributorReceive(ctx, distributor, id, "Jakarta")
	require.NoError(t, err)

	first, err := tr.Replay(ctx, gov, id)
	require.NoError(t, err)
	second, err := tr.Replay(ctx, gov, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for k := 1; k < len(first); k++ {
		assert.False(t, first[k].Timestamp.Before(first[k-1].Timestamp), "movement %d goes back in time", k)
		assert.Equal(t, int64(k), first[k].Seq)
	}

	_, err = tr.Replay(ctx, gov, "BATCH-777777")
	assert.ErrorIs(t, err, ErrNotFound)
}
