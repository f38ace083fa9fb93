package trace

import (
	"context"
	"time"
)

// ChangeSet is the unit of atomic commit to a Store. Every mutating
// operation produces exactly one. Products carry their post-change state
// and incremented Version; Movements carry their Seq in the batch log.
type ChangeSet struct {
	ID          string     `json:"id"`
	Origin      string     `json:"origin"`
	Products    []Product  `json:"products"`
	Movements   []Movement `json:"movements"`
	CommittedAt time.Time  `json:"committed_at"`
}

// Validate checks the structural shape a store requires before applying.
func (cs ChangeSet) Validate() error {
	if cs.ID == "" {
		return validationError("change set has no id")
	}
	if len(cs.Products) == 0 && len(cs.Movements) == 0 {
		return validationError("change set %s is empty", cs.ID)
	}
	for _, p := range cs.Products {
		if p.BatchNumber == "" || p.Version < 1 {
			return validationError("change set %s carries product without batch number or version", cs.ID)
		}
	}
	for _, m := range cs.Movements {
		if m.BatchNumber == "" || !m.Action.valid() || m.Seq < 0 {
			return validationError("change set %s carries malformed movement", cs.ID)
		}
	}
	return nil
}

// Snapshot is the full persisted state: batch → product and batch → log.
type Snapshot struct {
	Products  []Product             `json:"products"`
	Movements map[string][]Movement `json:"movements"`
}

// Store is the external durable ledger. Commit must apply a change set
// all-or-nothing and treat a repeated change set ID as already applied.
// Transient failures are reported as CONNECTIVITY_ERROR.
type Store interface {
	Commit(ctx context.Context, cs ChangeSet) error
	Load(ctx context.Context) (Snapshot, error)
}

// HistorySource is implemented by stores that expose a batch history in
// the four-array wire encoding.
type HistorySource interface {
	History(ctx context.Context, batchNumber string) (ParallelHistory, error)
}
