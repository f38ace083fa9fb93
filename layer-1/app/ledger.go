package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/dgraph-io/badger/v4"
)

var (
	keyLastHeight  = []byte("last_block_height")
	keyLastAppHash = []byte("last_block_app_hash")

	errNotFound = errors.New("not found")
)

const (
	prefixProduct   = "product:"
	prefixMovement  = "movement:"
	prefixMoveCount = "movecount:"
	prefixChangeSet = "changeset:"
)

func productKey(batch string) []byte {
	return []byte(prefixProduct + batch)
}

// movementKey zero-pads seq so badger iterates a log in order.
func movementKey(batch string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixMovement, batch, seq))
}

func moveCountKey(batch string) []byte {
	return []byte(prefixMoveCount + batch)
}

func changeSetKey(id string) []byte {
	return []byte(prefixChangeSet + id)
}

// ChangeSetRecord is what the ledger keeps per applied change set
type ChangeSetRecord struct {
	ID          string `json:"id"`
	Origin      string `json:"origin"`
	BlockHeight int64  `json:"block_height"`
	Products    int    `json:"products"`
	Movements   int    `json:"movements"`
}

// applyChangeSet checks ordering against the pending block state and, if
// everything lines up, writes the change set. Nothing is written when any
// check fails. An error means the block txn holds a partial change set and
// must be discarded. Callers hold app.mu.
func (app *Application) applyChangeSet(height int64, cs trace.ChangeSet, rawTx []byte) (*abcitypes.ExecTxResult, error) {
	txn := app.onGoingBlock

	seen, err := getValue(txn, changeSetKey(cs.ID))
	if err != nil {
		return storageFailure(err), nil
	}
	if seen != nil {
		app.logger.Info("Change set already applied", "id", cs.ID)
		return &abcitypes.ExecTxResult{Code: CodeOK, Data: []byte(cs.ID), Log: "duplicate"}, nil
	}

	known := make(map[string]bool, len(cs.Products))
	for _, p := range cs.Products {
		stored, err := app.storedVersion(txn, p.BatchNumber)
		if err != nil {
			return storageFailure(err), nil
		}
		if p.Version != stored+1 {
			return conflict("product %s: version %d does not follow stored version %d", p.BatchNumber, p.Version, stored), nil
		}
		known[p.BatchNumber] = true
	}

	next := make(map[string]int64)
	for _, m := range cs.Movements {
		seq, ok := next[m.BatchNumber]
		if !ok {
			seq, err = readCount(txn, m.BatchNumber)
			if err != nil {
				return storageFailure(err), nil
			}
			if !known[m.BatchNumber] {
				v, err := app.storedVersion(txn, m.BatchNumber)
				if err != nil {
					return storageFailure(err), nil
				}
				if v == 0 {
					return conflict("movement for unknown batch %s", m.BatchNumber), nil
				}
			}
		}
		if m.Seq != seq {
			return conflict("batch %s: movement seq %d, log length %d", m.BatchNumber, m.Seq, seq), nil
		}
		next[m.BatchNumber] = seq + 1
	}

	record := ChangeSetRecord{
		ID:          cs.ID,
		Origin:      cs.Origin,
		BlockHeight: height,
		Products:    len(cs.Products),
		Movements:   len(cs.Movements),
	}
	var writes []entry
	for _, p := range cs.Products {
		if writes, err = appendJSON(writes, productKey(p.BatchNumber), p); err != nil {
			return storageFailure(err), nil
		}
	}
	for _, m := range cs.Movements {
		if writes, err = appendJSON(writes, movementKey(m.BatchNumber, m.Seq), m); err != nil {
			return storageFailure(err), nil
		}
	}
	for batch, count := range next {
		writes = append(writes, entry{key: moveCountKey(batch), value: int64ToBytes(count)})
	}
	if writes, err = appendJSON(writes, changeSetKey(cs.ID), record); err != nil {
		return storageFailure(err), nil
	}

	// A failed Set leaves earlier writes of this change set in the block
	// txn, so the whole block is abandoned.
	for _, w := range writes {
		if err := app.writeEntry(txn, w.key, w.value); err != nil {
			return nil, fmt.Errorf("writing change set %s: %w", cs.ID, err)
		}
	}

	if app.config.LogAllTxs {
		app.logger.Info("Applied change set", "id", cs.ID, "origin", cs.Origin, "height", height, "bytes", len(rawTx))
	}

	batches := make([]string, 0, len(cs.Products))
	for _, p := range cs.Products {
		batches = append(batches, p.BatchNumber)
	}
	return &abcitypes.ExecTxResult{
		Code: CodeOK,
		Data: []byte(cs.ID),
		Log:  "accepted",
		Events: []abcitypes.Event{
			{
				Type: "trace_change_set",
				Attributes: []abcitypes.EventAttribute{
					{Key: "change_set_id", Value: cs.ID, Index: true},
					{Key: "origin", Value: cs.Origin, Index: true},
					{Key: "batches", Value: strings.Join(batches, ","), Index: true},
				},
			},
		},
	}, nil
}

func (app *Application) storedVersion(txn *badger.Txn, batch string) (int64, error) {
	var p trace.Product
	ok, err := getJSON(txn, productKey(batch), &p)
	if err != nil || !ok {
		return 0, err
	}
	return p.Version, nil
}

func readCount(txn *badger.Txn, batch string) (int64, error) {
	val, err := getValue(txn, moveCountKey(batch))
	if err != nil || val == nil {
		return 0, err
	}
	return bytesToInt64(val), nil
}

func (app *Application) queryProduct(batch string) ([]byte, error) {
	var out []byte
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, productKey(batch))
		if err != nil {
			return err
		}
		if val == nil {
			return fmt.Errorf("batch %s: %w", batch, errNotFound)
		}
		out = val
		return nil
	})
	return out, err
}

// readLog returns a batch log ordered by seq.
func readLog(txn *badger.Txn, batch string) ([]trace.Movement, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixMovement + batch + ":")
	it := txn.NewIterator(opts)
	defer it.Close()

	var log []trace.Movement
	for it.Rewind(); it.Valid(); it.Next() {
		var m trace.Movement
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
		if err != nil {
			return nil, err
		}
		log = append(log, m)
	}
	return log, nil
}

func (app *Application) queryHistory(batch string) ([]byte, error) {
	var out []byte
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		log, err := readLog(txn, batch)
		if err != nil {
			return err
		}
		if len(log) == 0 {
			return fmt.Errorf("history of %s: %w", batch, errNotFound)
		}
		out, err = json.Marshal(trace.EncodeHistory(log))
		return err
	})
	return out, err
}

func (app *Application) queryChangeSet(id string) ([]byte, error) {
	var out []byte
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, changeSetKey(id))
		if err != nil {
			return err
		}
		if val == nil {
			return fmt.Errorf("change set %s: %w", id, errNotFound)
		}
		out = val
		return nil
	})
	return out, err
}

func (app *Application) querySnapshot() ([]byte, error) {
	snap := trace.Snapshot{Products: []trace.Product{}, Movements: map[string][]trace.Movement{}}
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixProduct)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p trace.Product
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			snap.Products = append(snap.Products, p)
		}
		for _, p := range snap.Products {
			log, err := readLog(txn, p.BatchNumber)
			if err != nil {
				return err
			}
			snap.Movements[p.BatchNumber] = log
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// getValue returns nil, nil when the key is absent.
func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	val, err := getValue(txn, key)
	if err != nil || val == nil {
		return false, err
	}
	return true, json.Unmarshal(val, v)
}

type entry struct {
	key, value []byte
}

func appendJSON(writes []entry, key []byte, v any) ([]entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return writes, err
	}
	return append(writes, entry{key: key, value: data}), nil
}

func conflict(format string, args ...any) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{Code: CodeConflict, Log: fmt.Sprintf(format, args...)}
}

func storageFailure(err error) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{Code: CodeStorage, Log: fmt.Sprintf("Database error: %v", err)}
}

// int64ToBytes converts an int64 to big-endian bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	for b := 7; b >= 0; b-- {
		buf[b] = byte(i)
		i >>= 8
	}
	return buf
}

// bytesToInt64 converts big-endian bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	var i int64
	for _, b := range buf[:8] {
		i = i<<8 | int64(b)
	}
	return i
}
