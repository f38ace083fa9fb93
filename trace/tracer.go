package trace

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// Options configures a Tracer. Zero values take defaults.
type Options struct {
	// Prefix of issued batch numbers, default "BATCH".
	Prefix string
	// Origin is recorded on every change set, usually the node id.
	Origin string
	Retry  RetryPolicy
	Clock  func() time.Time
	Logger cmtlog.Logger
	Policy *Policy
	NewID  func() string
}

// Tracer is the traceability core: batch registry, movement ledger, split
// engine and query service over one Store.
type Tracer struct {
	store  Store
	policy *Policy
	retry  RetryPolicy
	clock  func() time.Time
	logger cmtlog.Logger
	prefix string
	origin string
	newID  func() string

	locks *keyedMutex

	mu  sync.RWMutex
	st  *state
	seq int64
}

// New creates a Tracer with empty state. Call Restore to load what the
// store already holds.
func New(store Store, opts Options) *Tracer {
	if opts.Prefix == "" {
		opts.Prefix = "BATCH"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = cmtlog.NewNopLogger()
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Tracer{
		store:  store,
		policy: opts.Policy,
		retry:  opts.Retry,
		clock:  opts.Clock,
		logger: opts.Logger.With("module", "trace"),
		prefix: strings.ToUpper(opts.Prefix),
		origin: opts.Origin,
		newID:  opts.NewID,
		locks:  newKeyedMutex(),
		st:     newState(),
	}
}

// Policy returns the authorization table in use.
func (t *Tracer) Policy() *Policy {
	return t.policy
}

// Restore replaces in-memory state with the store's snapshot and resumes
// the batch sequence after the highest number issued under this prefix.
func (t *Tracer) Restore(ctx context.Context) error {
	var snap Snapshot
	err := t.retry.Do(ctx, t.logger, "load", func(ctx context.Context) error {
		var err error
		snap, err = t.store.Load(ctx)
		return err
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.load(snap)
	t.seq = 0
	for _, p := range snap.Products {
		if n, ok := t.parseBatchNumber(p.BatchNumber); ok && n > t.seq {
			t.seq = n
		}
	}
	t.logger.Info("Restored ledger state", "products", len(snap.Products), "next_seq", t.seq+1)
	return nil
}

func (t *Tracer) nextBatchNumber() string {
	t.mu.Lock()
	t.seq++
	n := t.seq
	t.mu.Unlock()
	return fmt.Sprintf("%s-%06d", t.prefix, n)
}

func (t *Tracer) parseBatchNumber(batchNumber string) (int64, bool) {
	rest, ok := strings.CutPrefix(batchNumber, t.prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// commit sends one change set to the store and, once it is durable,
// installs it in memory. Nothing is installed if the store refuses it.
func (t *Tracer) commit(ctx context.Context, products []Product, movements []Movement) (ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return ChangeSet{}, err
	}
	cs := ChangeSet{
		ID:          t.newID(),
		Origin:      t.origin,
		Products:    products,
		Movements:   movements,
		CommittedAt: t.clock().UTC(),
	}
	err := t.retry.Do(ctx, t.logger, "commit", func(ctx context.Context) error {
		return t.store.Commit(ctx, cs)
	})
	if err != nil {
		t.logger.Error("Change set rejected", "id", cs.ID, "err", err)
		if t.resync(ctx, cs, err) {
			t.logger.Info("Change set found in store after failed acknowledgement", "id", cs.ID)
			return cs, nil
		}
		return ChangeSet{}, err
	}

	t.mu.Lock()
	t.st.apply(cs)
	t.mu.Unlock()
	return cs, nil
}

// resync reloads the batches touched by a change set whose commit failed
// with CONNECTIVITY or CONFLICT, so memory follows the store: a commit the
// store applied without acknowledging, or a newer version written by
// another node, becomes visible. It reports whether the store now holds
// exactly the products of cs, in which case cs is installed as committed.
// Callers hold the keyed locks of the touched batches.
func (t *Tracer) resync(ctx context.Context, cs ChangeSet, cause error) bool {
	switch CodeOf(cause) {
	case CodeConnectivity, CodeConflict:
	default:
		return false
	}
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	defer cancel()
	snap, err := t.store.Load(loadCtx)
	if err != nil {
		t.logger.Error("Resync after failed commit", "id", cs.ID, "err", err)
		return false
	}

	stored := make(map[string]Product, len(snap.Products))
	for _, p := range snap.Products {
		stored[p.BatchNumber] = p
	}
	landed := len(cs.Products) > 0
	for _, p := range cs.Products {
		if s, ok := stored[p.BatchNumber]; !ok || !sameRevision(s, p) {
			landed = false
		}
	}

	for _, m := range cs.Movements {
		log := snap.Movements[m.BatchNumber]
		if !slices.ContainsFunc(log, func(s Movement) bool { return sameEntry(s, m) }) {
			landed = false
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, batch := range touchedBatches(cs) {
		p, ok := stored[batch]
		t.st.replace(batch, p, ok, snap.Movements[batch])
	}
	for _, p := range snap.Products {
		if n, ok := t.parseBatchNumber(p.BatchNumber); ok && n > t.seq {
			t.seq = n
		}
	}
	if landed {
		t.st.applied[cs.ID] = true
	}
	t.logger.Info("Resynced batches after failed commit", "id", cs.ID, "landed", landed)
	return landed
}

// resyncTimeout bounds the reload after a failed commit. The caller's
// context may already be done by then.
var resyncTimeout = 10 * time.Second

// sameRevision compares at the precision SQL stores keep timestamps.
func sameRevision(a, b Product) bool {
	return a.Version == b.Version &&
		a.Status == b.Status &&
		a.Quantity.Equal(b.Quantity) &&
		a.UpdatedAt.Truncate(time.Microsecond).Equal(b.UpdatedAt.Truncate(time.Microsecond))
}

func sameEntry(a, b Movement) bool {
	return a.Seq == b.Seq &&
		a.Action == b.Action &&
		a.Actor == b.Actor &&
		a.Timestamp.Truncate(time.Microsecond).Equal(b.Timestamp.Truncate(time.Microsecond))
}

func touchedBatches(cs ChangeSet) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(b string) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, p := range cs.Products {
		add(p.BatchNumber)
	}
	for _, m := range cs.Movements {
		add(m.BatchNumber)
	}
	return out
}

// lookup reads the current product under the state read lock.
func (t *Tracer) lookup(batchNumber string) (Product, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.st.product(batchNumber)
	if !ok {
		return Product{}, notFoundError(batchNumber)
	}
	return p, nil
}
