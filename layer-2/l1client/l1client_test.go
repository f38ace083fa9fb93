package l1client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, handler http.HandlerFunc) *L1Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewL1Client(srv.URL, "trace-node-test", 2*time.Second, cmtlog.NewNopLogger())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func sampleChangeSet() trace.ChangeSet {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return trace.ChangeSet{
		ID: "cs-1",
		Products: []trace.Product{{
			BatchNumber: "BATCH-000001", Producer: "0xfarm", ItemName: "Rice",
			Quantity: decimal.NewFromInt(1000), Status: trace.StatusRegistered, Version: 1,
		}},
		Movements: []trace.Movement{{
			BatchNumber: "BATCH-000001", Action: trace.ActionRegistered, Actor: "0xfarm", Timestamp: now,
		}},
		CommittedAt: now,
	}
}

func TestCommit(t *testing.T) {
	var received trace.ChangeSet
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/l1/commit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(CommitResponse{ChangeSetID: received.ID, TxHash: "AB", BlockHeight: 3})
	})

	require.NoError(t, client.Commit(context.Background(), sampleChangeSet()))
	assert.Equal(t, "cs-1", received.ID)
	assert.Equal(t, "trace-node-test", received.Origin)
	assert.True(t, received.Products[0].Quantity.Equal(decimal.NewFromInt(1000)))
}

func TestCommitErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   trace.Code
	}{
		{"conflict", http.StatusConflict, trace.CodeConflict},
		{"bad request", http.StatusBadRequest, trace.CodeValidation},
		{"consensus unavailable", http.StatusServiceUnavailable, trace.CodeConnectivity},
		{"internal", http.StatusInternalServerError, trace.CodeConnectivity},
		{"teapot", http.StatusTeapot, trace.CodeProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tt.status, "X", "rejected")
			})
			err := client.Commit(context.Background(), sampleChangeSet())
			require.Error(t, err)
			assert.Equal(t, tt.code, trace.CodeOf(err))
			assert.Equal(t, tt.code == trace.CodeConnectivity, trace.IsRetryable(err))
		})
	}
}

func TestUnreachableLedger(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewL1Client(srv.URL, "n", time.Second, cmtlog.NewNopLogger())

	err := client.Commit(context.Background(), sampleChangeSet())
	assert.ErrorIs(t, err, trace.ErrConnectivity)

	_, err = client.Load(context.Background())
	assert.ErrorIs(t, err, trace.ErrConnectivity)
	assert.ErrorIs(t, client.HealthCheck(context.Background()), trace.ErrConnectivity)
}

func TestLoadAndHistory(t *testing.T) {
	cs := sampleChangeSet()
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/l1/snapshot":
			json.NewEncoder(w).Encode(trace.Snapshot{
				Products:  cs.Products,
				Movements: map[string][]trace.Movement{"BATCH-000001": cs.Movements},
			})
		case "/l1/history/BATCH-000001":
			json.NewEncoder(w).Encode(trace.EncodeHistory(cs.Movements))
		case "/l1/history/BATCH-000009":
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Batch not found")
		case "/l1/history/BATCH-000666":
			w.Write([]byte(`{"actions":["Registered"],"actors":`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	snap, err := client.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Products, 1)
	assert.Len(t, snap.Movements["BATCH-000001"], 1)

	h, err := client.History(ctx, "BATCH-000001")
	require.NoError(t, err)
	assert.Equal(t, []string{"Registered"}, h.Actions)
	assert.Equal(t, []string{"0xfarm"}, h.Actors)

	_, err = client.History(ctx, "BATCH-000009")
	assert.ErrorIs(t, err, trace.ErrNotFound)

	_, err = client.History(ctx, "BATCH-000666")
	assert.ErrorIs(t, err, trace.ErrProtocol)
}

func TestTracerRetriesThroughClient(t *testing.T) {
	var calls atomic.Int32
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/l1/commit":
			if calls.Add(1) < 3 {
				writeError(w, http.StatusServiceUnavailable, "CONSENSUS_TIMEOUT", "Consensus operation timed out")
				return
			}
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"change_set_id":"x"}`))
		case "/l1/snapshot":
			w.Write([]byte(`{"products":[],"movements":{}}`))
		}
	})

	tracer := trace.New(client, trace.Options{
		Retry: trace.RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	require.NoError(t, tracer.Restore(context.Background()))

	producer := trace.Session{Actor: "0xfarm", Role: trace.RoleProducer}
	batch, err := tracer.Register(context.Background(), producer, trace.Registration{
		FarmName: "Green Farm", Location: "Bandung", ItemName: "Rice",
		Quantity: decimal.NewFromInt(10), Unit: "kg",
		ProductionDate: time.Now().Add(-time.Hour), ExpiryDate: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "BATCH-000001", batch)
	assert.Equal(t, int32(3), calls.Load())
}
