package trace

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Search filters the product snapshot by a case-insensitive substring of
// batch number or item name and by exact status. Both filters are optional.
func (t *Tracer) Search(ctx context.Context, sess Session, text string, status Status) ([]Product, error) {
	all, err := t.ListAll(ctx, sess)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	out := make([]Product, 0, len(all))
	for _, p := range all {
		if status != "" && p.Status != status {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.BatchNumber), needle) &&
			!strings.Contains(strings.ToLower(p.ItemName), needle) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// IsExpired evaluates expiry against the tracer clock at call time.
func (t *Tracer) IsExpired(p Product) bool {
	return IsExpired(p, t.clock())
}

// Lineage is a batch with its split ancestry
type Lineage struct {
	Batch Product `json:"batch"`
	// Ancestors are ordered nearest first.
	Ancestors []Product `json:"ancestors"`
	Children  []Product `json:"children"`
}

// Lineage follows parentBatch references up to the root and lists the
// direct children of the batch.
func (t *Tracer) Lineage(ctx context.Context, sess Session, batchNumber string) (Lineage, error) {
	if err := t.policy.Require(sess, OpLineage); err != nil {
		return Lineage{}, err
	}
	if err := ctx.Err(); err != nil {
		return Lineage{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.st.product(batchNumber)
	if !ok {
		return Lineage{}, notFoundError(batchNumber)
	}
	l := Lineage{Batch: p, Ancestors: []Product{}, Children: []Product{}}
	seen := map[string]bool{p.BatchNumber: true}
	for cur := p; cur.ParentBatch != "" && !seen[cur.ParentBatch]; {
		parent, ok := t.st.product(cur.ParentBatch)
		if !ok {
			break
		}
		seen[parent.BatchNumber] = true
		l.Ancestors = append(l.Ancestors, parent)
		cur = parent
	}
	for _, c := range t.st.all() {
		if c.ParentBatch == batchNumber {
			l.Children = append(l.Children, c)
		}
	}
	return l, nil
}

// AuditReport compares the local log of a batch with the history the store
// reports in its wire encoding.
type AuditReport struct {
	BatchNumber string   `json:"batch_number"`
	Local       int      `json:"local_movements"`
	Remote      int      `json:"remote_movements"`
	Status      Status   `json:"status"`
	Consistent  bool     `json:"consistent"`
	Mismatches  []string `json:"mismatches,omitempty"`
}

// Audit replays a batch locally and checks it against the store's history
// and against the product's current status. Stores without a HistorySource
// are audited against the local log only.
func (t *Tracer) Audit(ctx context.Context, sess Session, batchNumber string) (AuditReport, error) {
	local, err := t.Replay(ctx, sess, batchNumber)
	if err != nil {
		return AuditReport{}, err
	}
	product, err := t.lookup(batchNumber)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{BatchNumber: batchNumber, Local: len(local), Remote: -1, Status: product.Status}
	if implied, ok := impliedStatus(local); !ok || implied != product.Status {
		report.Mismatches = append(report.Mismatches,
			fmt.Sprintf("log implies status %q, product is %q", implied, product.Status))
	}

	if src, ok := t.store.(HistorySource); ok {
		var wire ParallelHistory
		err := t.retry.Do(ctx, t.logger, "history", func(ctx context.Context) error {
			var err error
			wire, err = src.History(ctx, batchNumber)
			return err
		})
		if err != nil {
			return AuditReport{}, err
		}
		remote, err := DecodeHistory(batchNumber, wire)
		if err != nil {
			return AuditReport{}, err
		}
		report.Remote = len(remote)
		report.Mismatches = append(report.Mismatches, compareLogs(local, remote)...)
	}
	report.Consistent = len(report.Mismatches) == 0
	return report, nil
}

// compareLogs matches positions on the fields the wire encoding carries.
// Timestamps are compared at second precision.
func compareLogs(local, remote []Movement) []string {
	var out []string
	if len(local) != len(remote) {
		out = append(out, fmt.Sprintf("local log has %d movements, store has %d", len(local), len(remote)))
	}
	n := min(len(local), len(remote))
	for i := 0; i < n; i++ {
		l, r := local[i], remote[i]
		if l.Action != r.Action || l.Actor != r.Actor || l.Location != r.Location ||
			!l.Timestamp.Truncate(time.Second).Equal(r.Timestamp.Truncate(time.Second)) {
			out = append(out, fmt.Sprintf("movement %d differs: local %s/%s/%s, store %s/%s/%s",
				i, l.Action, l.Actor, l.Location, r.Action, r.Actor, r.Location))
		}
	}
	return out
}
