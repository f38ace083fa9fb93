package trace

import (
	"context"
	"time"
)

// movementDraft is what an operation wants appended; seq and timestamp are
// assigned by the ledger.
type movementDraft struct {
	batchNumber string
	action      Action
	actor       string
	location    string
	outcome     Outcome
	childBatch  string
	seller      string
}

// stamp turns drafts into movements positioned after each batch's current
// log tail. The timestamp is the server clock, raised to the previous
// movement's time if the clock went backwards. Callers hold the key lock
// of every batch that already has a log.
func (t *Tracer) stamp(now time.Time, drafts ...movementDraft) []Movement {
	t.mu.RLock()
	defer t.mu.RUnlock()

	next := make(map[string]int64)
	last := make(map[string]time.Time)
	out := make([]Movement, 0, len(drafts))
	for _, d := range drafts {
		seq, seen := next[d.batchNumber]
		if !seen {
			log := t.st.logs[d.batchNumber]
			seq = int64(len(log))
			if tail, ok := t.st.lastMovement(d.batchNumber); ok {
				last[d.batchNumber] = tail.Timestamp
			}
		}
		ts := now
		if prev, ok := last[d.batchNumber]; ok && prev.After(ts) {
			ts = prev
		}
		out = append(out, Movement{
			BatchNumber: d.batchNumber,
			Seq:         seq,
			Action:      d.action,
			Actor:       d.actor,
			Location:    d.location,
			Timestamp:   ts,
			Outcome:     d.outcome,
			ChildBatch:  d.childBatch,
			Seller:      d.seller,
		})
		next[d.batchNumber] = seq + 1
		last[d.batchNumber] = ts
	}
	return out
}

// Replay returns the ordered movement log of a batch. A batch with no
// movements is reported as NOT_FOUND. Two calls with no append in between
// return identical sequences.
func (t *Tracer) Replay(ctx context.Context, sess Session, batchNumber string) ([]Movement, error) {
	if err := t.policy.Require(sess, OpReplay); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	log := t.st.history(batchNumber)
	t.mu.RUnlock()
	if len(log) == 0 {
		return nil, notFoundError(batchNumber)
	}
	return log, nil
}

// GetMovementHistory is the command-surface name for Replay.
func (t *Tracer) GetMovementHistory(ctx context.Context, sess Session, batchNumber string) ([]Movement, error) {
	return t.Replay(ctx, sess, batchNumber)
}

// impliedStatus folds a log through the state machine. The returned bool is
// false if some movement has no edge from the status before it.
func impliedStatus(log []Movement) (Status, bool) {
	if len(log) == 0 || log[0].Action != ActionRegistered {
		return "", false
	}
	status := StatusRegistered
	for _, m := range log[1:] {
		switch m.Action {
		case ActionSplitAssign:
			continue
		case ActionRegistered:
			return status, false
		}
		next, ok := nextStatus(status, m.Action, m.Outcome)
		if !ok {
			return status, false
		}
		status = next
	}
	return status, true
}
