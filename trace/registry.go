package trace

import (
	"context"
	"strings"
)

// Register creates a batch in status registered and appends its Registered
// movement. Producer is the session actor unless a Gov Authority registers
// on a producer's behalf.
func (t *Tracer) Register(ctx context.Context, sess Session, reg Registration) (string, error) {
	if err := t.policy.Require(sess, OpRegister); err != nil {
		return "", err
	}
	if sess.Role != RoleGovAuthority || strings.TrimSpace(reg.Producer) == "" {
		reg.Producer = sess.Actor
	}
	if err := reg.Validate(); err != nil {
		return "", err
	}

	batchNumber := t.nextBatchNumber()
	release, err := t.locks.Lock(ctx, batchNumber)
	if err != nil {
		return "", err
	}
	defer release()

	now := t.clock().UTC()
	product := Product{
		BatchNumber:    batchNumber,
		Producer:       reg.Producer,
		FarmName:       reg.FarmName,
		Location:       reg.Location,
		ItemName:       reg.ItemName,
		Quantity:       reg.Quantity,
		Unit:           reg.Unit,
		ProductionDate: reg.ProductionDate.UTC(),
		ExpiryDate:     reg.ExpiryDate.UTC(),
		Status:         StatusRegistered,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	movements := t.stamp(now, movementDraft{
		batchNumber: batchNumber,
		action:      ActionRegistered,
		actor:       sess.Actor,
		location:    reg.Location,
	})
	if _, err := t.commit(ctx, []Product{product}, movements); err != nil {
		return "", err
	}
	t.logger.Info("Registered batch", "batch", batchNumber, "producer", reg.Producer, "quantity", reg.Quantity.String())
	return batchNumber, nil
}

// UpdateStatus moves a batch to next through the given event. It fails with
// CONFLICT unless the state machine has exactly that edge from the current
// status.
func (t *Tracer) UpdateStatus(ctx context.Context, sess Session, batchNumber string, next Status, ev StatusEvent) error {
	_, err := t.transition(ctx, sess, batchNumber, ev, func(current Status) (Status, bool) {
		to, ok := nextStatus(current, ev.Action, ev.Outcome)
		return to, ok && to == next
	})
	return err
}

// CrossBorder records a border inspection. A pass advances registered
// batches to in_transit; a fail rejects in_transit batches.
func (t *Tracer) CrossBorder(ctx context.Context, sess Session, batchNumber, borderLocation string, outcome Outcome) (Status, error) {
	ev := StatusEvent{Action: ActionBorderCrossing, Location: borderLocation, Outcome: outcome}
	return t.transition(ctx, sess, batchNumber, ev, func(current Status) (Status, bool) {
		return nextStatus(current, ev.Action, ev.Outcome)
	})
}

// DistributorReceive records receipt by a distributor: registered batches
// go straight to in_transit, in_transit batches are delivered.
func (t *Tracer) DistributorReceive(ctx context.Context, sess Session, batchNumber, location string) (Status, error) {
	ev := StatusEvent{Action: ActionDistributorReceive, Location: location}
	return t.transition(ctx, sess, batchNumber, ev, func(current Status) (Status, bool) {
		return nextStatus(current, ev.Action, ev.Outcome)
	})
}

func (t *Tracer) transition(ctx context.Context, sess Session, batchNumber string, ev StatusEvent, resolve func(Status) (Status, bool)) (Status, error) {
	if err := t.policy.Require(sess, operationFor(ev.Action)); err != nil {
		return "", err
	}
	if err := ev.validate(); err != nil {
		return "", err
	}

	release, err := t.locks.Lock(ctx, batchNumber)
	if err != nil {
		return "", err
	}
	defer release()

	product, err := t.lookup(batchNumber)
	if err != nil {
		return "", err
	}
	next, ok := resolve(product.Status)
	if !ok {
		return "", conflictError("batch %s is %s; %s%s is not a valid transition",
			batchNumber, product.Status, ev.Action, outcomeSuffix(ev.Outcome))
	}

	now := t.clock().UTC()
	product.Status = next
	product.Version++
	product.UpdatedAt = now
	movements := t.stamp(now, movementDraft{
		batchNumber: batchNumber,
		action:      ev.Action,
		actor:       sess.Actor,
		location:    ev.Location,
		outcome:     ev.Outcome,
	})
	if _, err := t.commit(ctx, []Product{product}, movements); err != nil {
		return "", err
	}
	t.logger.Info("Batch status changed", "batch", batchNumber, "action", ev.Action, "status", next, "actor", sess.Actor)
	return next, nil
}

func outcomeSuffix(o Outcome) string {
	if o == OutcomeNone {
		return ""
	}
	return "(" + string(o) + ")"
}

// Get returns the current product record.
func (t *Tracer) Get(ctx context.Context, sess Session, batchNumber string) (Product, error) {
	if err := t.policy.Require(sess, OpGet); err != nil {
		return Product{}, err
	}
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	return t.lookup(batchNumber)
}

// ListAll returns a snapshot of every product ordered by batch number.
func (t *Tracer) ListAll(ctx context.Context, sess Session) ([]Product, error) {
	if err := t.policy.Require(sess, OpListAll); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st.all(), nil
}

// ListAllProducts is the command-surface name for ListAll.
func (t *Tracer) ListAllProducts(ctx context.Context, sess Session) ([]Product, error) {
	return t.ListAll(ctx, sess)
}
