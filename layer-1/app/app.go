package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Result codes carried in CheckTx, ExecTxResult and Query responses
const (
	CodeOK        uint32 = 0
	CodeMalformed uint32 = 1
	CodeConflict  uint32 = 2
	CodeNotFound  uint32 = 3
	CodeStorage   uint32 = 4
)

// Query paths understood by Query. The argument follows the prefix.
const (
	QueryProduct   = "product:"
	QueryHistory   = "history:"
	QueryChangeSet = "changeset:"
	QuerySnapshot  = "snapshot"
)

// Application implements the ABCI interface. Its state is the append-only
// traceability ledger: products, per-batch movement logs and the ids of
// every applied change set.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
	// writeEntry stores one key in the block txn.
	writeEntry func(txn *badger.Txn, key, value []byte) error
}

// AppConfig contains configuration for the ledger application
type AppConfig struct {
	NodeID    string
	LogAllTxs bool
}

// NewABCIApplication creates a new ledger ABCI application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	if config == nil {
		config = &AppConfig{}
	}
	return &Application{
		badgerDB:   badgerDB,
		nodeID:     config.NodeID,
		config:     config,
		logger:     logger.With("module", "ledger-app"),
		writeEntry: setEntry,
	}
}

func setEntry(txn *badger.Txn, key, value []byte) error {
	return txn.Set(key, value)
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

func (app *Application) NodeID() string {
	return app.nodeID
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, keyLastHeight)
		if err != nil {
			return err
		}
		if val != nil {
			lastBlockHeight = bytesToInt64(val)
		}
		lastBlockAppHash, err = getValue(txn, keyLastAppHash)
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. req.Data carries one of the
// Query* paths.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	path := string(req.Data)
	if path == "" {
		path = req.Path
	}
	resp := &abcitypes.QueryResponse{Key: []byte(path)}

	var value []byte
	var err error
	switch {
	case strings.HasPrefix(path, QueryProduct):
		value, err = app.queryProduct(strings.TrimPrefix(path, QueryProduct))
	case strings.HasPrefix(path, QueryHistory):
		value, err = app.queryHistory(strings.TrimPrefix(path, QueryHistory))
	case strings.HasPrefix(path, QueryChangeSet):
		value, err = app.queryChangeSet(strings.TrimPrefix(path, QueryChangeSet))
	case path == QuerySnapshot:
		value, err = app.querySnapshot()
	default:
		resp.Code = CodeMalformed
		resp.Log = fmt.Sprintf("unknown query path %q", path)
		return resp, nil
	}

	switch {
	case errors.Is(err, errNotFound):
		resp.Code = CodeNotFound
		resp.Log = err.Error()
	case err != nil:
		app.logger.Error("Error reading ledger state", "path", path, "err", err)
		resp.Code = CodeStorage
		resp.Log = fmt.Sprintf("Database error: %v", err)
	default:
		resp.Code = CodeOK
		resp.Log = "exists"
		resp.Value = value
	}
	return resp, nil
}

// CheckTx implements the ABCI CheckTx method. Ordering checks need the
// block state and run in FinalizeBlock.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := decodeChangeSet(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeMalformed, Log: err.Error()}, nil
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal rejects blocks carrying undecodable change sets
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		cs, err := decodeChangeSet(txBytes)
		if err != nil {
			app.logger.Error("Invalid change set in proposal", "index", i, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
		if app.config.LogAllTxs {
			app.logger.Debug("Validated change set", "index", i, "id", cs.ID, "origin", cs.Origin)
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock applies every change set of the block to the pending badger
// transaction. A change set that violates version or sequence ordering is
// rejected as a whole; later change sets see the writes of earlier ones.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		cs, err := decodeChangeSet(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: CodeMalformed, Log: err.Error()}
			continue
		}
		txResults[i], err = app.applyChangeSet(req.Height, cs, txBytes)
		if err != nil {
			app.logger.Error("Abandoning block after failed write", "height", req.Height, "err", err)
			app.onGoingBlock.Discard()
			app.onGoingBlock = nil
			return nil, err
		}
	}

	appHash := calculateAppHash(txResults)
	if err := app.onGoingBlock.Set(keyLastHeight, int64ToBytes(req.Height)); err != nil {
		return nil, fmt.Errorf("storing block height: %w", err)
	}
	if err := app.onGoingBlock.Set(keyLastAppHash, appHash); err != nil {
		return nil, fmt.Errorf("storing app hash: %w", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		return nil, fmt.Errorf("committing block: %w", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for other ABCI methods
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

func decodeChangeSet(txBytes []byte) (trace.ChangeSet, error) {
	var cs trace.ChangeSet
	dec := json.NewDecoder(bytes.NewReader(txBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cs); err != nil {
		return cs, fmt.Errorf("malformed change set: %w", err)
	}
	if err := cs.Validate(); err != nil {
		return cs, err
	}
	return cs, nil
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	for _, result := range txResults {
		h.Write([]byte{byte(result.Code)})
		h.Write(result.Data)
	}
	return h.Sum(nil)
}
