package trace

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Assignment describes the portion of a batch handed to a seller
type Assignment struct {
	Seller      string
	SellerLabel string
	Amount      decimal.Decimal
	// Location of the split, defaults to the parent's location.
	Location string
}

// SplitAndAssign carves amount off a batch into a new child batch assigned
// to a seller. The parent decrement, the child record and both movements
// go to the store as one change set: either all of them exist afterwards
// or none do.
func (t *Tracer) SplitAndAssign(ctx context.Context, sess Session, batchNumber string, a Assignment) (string, error) {
	if err := t.policy.Require(sess, OpSplitAndAssign); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Seller) == "" {
		return "", validationError("seller is required")
	}
	if a.Amount.LessThanOrEqual(decimal.Zero) {
		return "", validationError("split amount must be positive, got %s", a.Amount)
	}

	release, err := t.locks.Lock(ctx, batchNumber)
	if err != nil {
		return "", err
	}
	defer release()

	parent, err := t.lookup(batchNumber)
	if err != nil {
		return "", err
	}
	if parent.Status == StatusRejected {
		return "", conflictError("batch %s is rejected and cannot be split", batchNumber)
	}
	if a.Amount.GreaterThan(parent.Quantity) {
		return "", conflictError("batch %s has %s remaining, %s requested",
			batchNumber, parent.Quantity, a.Amount)
	}

	childNumber := t.nextBatchNumber()
	location := a.Location
	if location == "" {
		location = parent.Location
	}
	label := a.SellerLabel
	if label == "" {
		label = a.Seller
	}

	now := t.clock().UTC()
	child := Product{
		BatchNumber:    childNumber,
		Producer:       parent.Producer,
		FarmName:       parent.FarmName,
		Location:       location,
		ItemName:       parent.ItemName,
		Quantity:       a.Amount,
		Unit:           parent.Unit,
		ProductionDate: parent.ProductionDate,
		ExpiryDate:     parent.ExpiryDate,
		Status:         StatusRegistered,
		ParentBatch:    batchNumber,
		Seller:         a.Seller,
		SellerLabel:    label,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	parent.Quantity = parent.Quantity.Sub(a.Amount)
	parent.Version++
	parent.UpdatedAt = now

	movements := t.stamp(now,
		movementDraft{
			batchNumber: batchNumber,
			action:      ActionSplitAssign,
			actor:       sess.Actor,
			location:    location,
			childBatch:  childNumber,
			seller:      a.Seller,
		},
		movementDraft{
			batchNumber: childNumber,
			action:      ActionRegistered,
			actor:       sess.Actor,
			location:    location,
			seller:      a.Seller,
		},
	)
	if _, err := t.commit(ctx, []Product{parent, child}, movements); err != nil {
		return "", err
	}
	t.logger.Info("Split batch", "parent", batchNumber, "child", childNumber,
		"amount", a.Amount.String(), "remaining", parent.Quantity.String(), "seller", a.Seller)
	return childNumber, nil
}
