package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewABCIApplication(db, &AppConfig{NodeID: "test"}, cmtlog.NewNopLogger())
}

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func product(batch string, version int64, qty int64) trace.Product {
	return trace.Product{
		BatchNumber:    batch,
		Producer:       "0xfarm",
		FarmName:       "Green Acres",
		Location:       "Bandung",
		ItemName:       "Arabica Coffee",
		Quantity:       decimal.NewFromInt(qty),
		Unit:           "kg",
		ProductionDate: t0,
		ExpiryDate:     t0.AddDate(1, 0, 0),
		Status:         trace.StatusRegistered,
		Version:        version,
	}
}

func movement(batch string, seq int64, action trace.Action, offset time.Duration) trace.Movement {
	return trace.Movement{
		BatchNumber: batch,
		Seq:         seq,
		Action:      action,
		Actor:       "0xactor",
		Location:    "Bandung",
		Timestamp:   t0.Add(offset),
	}
}

func encode(t *testing.T, cs trace.ChangeSet) []byte {
	t.Helper()
	tx, err := json.Marshal(cs)
	require.NoError(t, err)
	return tx
}

func finalize(t *testing.T, app *Application, height int64, txs ...[]byte) []*abcitypes.ExecTxResult {
	t.Helper()
	ctx := context.Background()
	resp, err := app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{Height: height, Txs: txs})
	require.NoError(t, err)
	_, err = app.Commit(ctx, &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp.TxResults
}

func query(t *testing.T, app *Application, path string) *abcitypes.QueryResponse {
	t.Helper()
	resp, err := app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte(path)})
	require.NoError(t, err)
	return resp
}

func TestCheckTxRejectsMalformed(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	resp, err := app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: []byte("not json")})
	require.NoError(t, err)
	assert.Equal(t, CodeMalformed, resp.Code)

	resp, err = app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: encode(t, trace.ChangeSet{ID: "cs-1"})})
	require.NoError(t, err)
	assert.Equal(t, CodeMalformed, resp.Code)

	resp, err = app.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: encode(t, trace.ChangeSet{
		ID:        "cs-1",
		Products:  []trace.Product{product("B-1", 1, 10)},
		Movements: []trace.Movement{movement("B-1", 0, trace.ActionRegistered, 0)},
	})})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, resp.Code)
}

func TestFinalizeBlockEnforcesOrdering(t *testing.T) {
	app := newTestApp(t)

	register := trace.ChangeSet{
		ID:        "cs-1",
		Products:  []trace.Product{product("B-1", 1, 1000)},
		Movements: []trace.Movement{movement("B-1", 0, trace.ActionRegistered, 0)},
	}
	parent := product("B-1", 2, 600)
	child := product("B-2", 1, 400)
	child.ParentBatch = "B-1"
	split := trace.ChangeSet{
		ID:       "cs-2",
		Products: []trace.Product{parent, child},
		Movements: []trace.Movement{
			movement("B-1", 1, trace.ActionSplitAssign, time.Hour),
			movement("B-2", 0, trace.ActionRegistered, time.Hour),
		},
	}
	results := finalize(t, app, 1, encode(t, register), encode(t, split))
	require.Len(t, results, 2)
	assert.Equal(t, CodeOK, results[0].Code, results[0].Log)
	assert.Equal(t, CodeOK, results[1].Code, results[1].Log)

	stale := trace.ChangeSet{
		ID:        "cs-3",
		Products:  []trace.Product{product("B-1", 2, 100)},
		Movements: []trace.Movement{movement("B-1", 2, trace.ActionSplitAssign, 2*time.Hour)},
	}
	gap := trace.ChangeSet{
		ID:        "cs-4",
		Products:  []trace.Product{product("B-1", 3, 100)},
		Movements: []trace.Movement{movement("B-1", 5, trace.ActionSplitAssign, 2*time.Hour)},
	}
	orphan := trace.ChangeSet{
		ID:        "cs-5",
		Movements: []trace.Movement{movement("B-404", 0, trace.ActionRegistered, 0)},
	}
	results = finalize(t, app, 2, encode(t, stale), encode(t, gap), encode(t, orphan), encode(t, register))
	assert.Equal(t, CodeConflict, results[0].Code)
	assert.Equal(t, CodeConflict, results[1].Code)
	assert.Equal(t, CodeConflict, results[2].Code)
	assert.Equal(t, CodeOK, results[3].Code)
	assert.Equal(t, "duplicate", results[3].Log)

	resp := query(t, app, QueryProduct+"B-1")
	require.Equal(t, CodeOK, resp.Code)
	var stored trace.Product
	require.NoError(t, json.Unmarshal(resp.Value, &stored))
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, stored.Quantity.Equal(decimal.NewFromInt(600)))
}

func TestQueryHistoryAndSnapshot(t *testing.T) {
	app := newTestApp(t)
	cs := trace.ChangeSet{
		ID:       "cs-1",
		Products: []trace.Product{product("B-1", 1, 10)},
		Movements: []trace.Movement{
			movement("B-1", 0, trace.ActionRegistered, 0),
		},
	}
	next := product("B-1", 2, 10)
	next.Status = trace.StatusInTransit
	border := movement("B-1", 1, trace.ActionBorderCrossing, time.Hour)
	border.Outcome = trace.OutcomePass
	border.Location = "Merak"
	finalize(t, app, 1, encode(t, cs))
	finalize(t, app, 2, encode(t, trace.ChangeSet{ID: "cs-2", Products: []trace.Product{next}, Movements: []trace.Movement{border}}))

	resp := query(t, app, QueryHistory+"B-1")
	require.Equal(t, CodeOK, resp.Code)
	var h trace.ParallelHistory
	require.NoError(t, json.Unmarshal(resp.Value, &h))
	assert.Equal(t, []string{"Registered", "BorderCrossing"}, h.Actions)
	assert.Equal(t, []string{"Bandung", "Merak"}, h.Locations)
	assert.Equal(t, []int64{t0.Unix(), t0.Add(time.Hour).Unix()}, h.Timestamps)

	resp = query(t, app, QuerySnapshot)
	require.Equal(t, CodeOK, resp.Code)
	var snap trace.Snapshot
	require.NoError(t, json.Unmarshal(resp.Value, &snap))
	require.Len(t, snap.Products, 1)
	assert.Equal(t, trace.StatusInTransit, snap.Products[0].Status)
	require.Len(t, snap.Movements["B-1"], 2)
	assert.Equal(t, trace.OutcomePass, snap.Movements["B-1"][1].Outcome)

	resp = query(t, app, QueryChangeSet+"cs-2")
	require.Equal(t, CodeOK, resp.Code)
	var rec ChangeSetRecord
	require.NoError(t, json.Unmarshal(resp.Value, &rec))
	assert.Equal(t, int64(2), rec.BlockHeight)

	assert.Equal(t, CodeNotFound, query(t, app, QueryHistory+"B-9").Code)
	assert.Equal(t, CodeNotFound, query(t, app, QueryProduct+"B-9").Code)
	assert.Equal(t, CodeMalformed, query(t, app, "shard:a").Code)

	info, err := app.Info(context.Background(), &abcitypes.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.LastBlockHeight)
	assert.NotEmpty(t, info.LastBlockAppHash)
}

func TestFailedWriteAbandonsBlock(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	finalize(t, app, 1, encode(t, trace.ChangeSet{
		ID:        "cs-1",
		Products:  []trace.Product{product("B-1", 1, 1000)},
		Movements: []trace.Movement{movement("B-1", 0, trace.ActionRegistered, 0)},
	}))

	parent := product("B-1", 2, 600)
	child := product("B-2", 1, 400)
	child.ParentBatch = "B-1"
	split := encode(t, trace.ChangeSet{
		ID:       "cs-2",
		Products: []trace.Product{parent, child},
		Movements: []trace.Movement{
			movement("B-1", 1, trace.ActionSplitAssign, time.Hour),
			movement("B-2", 0, trace.ActionRegistered, time.Hour),
		},
	})

	app.writeEntry = func(txn *badger.Txn, key, value []byte) error {
		if strings.HasPrefix(string(key), prefixMovement) {
			return badger.ErrTxnTooBig
		}
		return txn.Set(key, value)
	}
	_, err := app.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{Height: 2, Txs: [][]byte{split}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, badger.ErrTxnTooBig))
	_, err = app.Commit(ctx, &abcitypes.CommitRequest{})
	require.NoError(t, err)

	resp := query(t, app, QueryProduct+"B-1")
	require.Equal(t, CodeOK, resp.Code)
	var stored trace.Product
	require.NoError(t, json.Unmarshal(resp.Value, &stored))
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, stored.Quantity.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, CodeNotFound, query(t, app, QueryProduct+"B-2").Code)
	assert.Equal(t, CodeNotFound, query(t, app, QueryChangeSet+"cs-2").Code)

	app.writeEntry = setEntry
	results := finalize(t, app, 2, split)
	assert.Equal(t, CodeOK, results[0].Code)
}

func TestInt64Bytes(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 256, 1 << 40, -1} {
		assert.Equal(t, v, bytesToInt64(int64ToBytes(v)))
	}
}
