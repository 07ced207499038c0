/*
batch.go - Allocation batch lifecycle

PURPOSE:
  The batch is the unit of work tying one approval/rejection event to the
  cells it reserved. This file owns the state machine:

      pending ──▶ approved   (terminal, except explicit rollback)
      pending ──▶ rejected   (terminal)
      approved ─▶ rejected   (rollback: releases the batch's cells)

BEST-EFFORT TRACKING:
  CreateBatch never blocks a financial approval. On failure it logs the
  tracking gap and reports ok=false; the caller proceeds without a batch
  reference. Money correctness is not degradable; tracking is.

IDEMPOTENT RETRY:
  GetBatchByRequest finds the batch created for an originating pledge or
  payment, so a retried approval reuses it instead of double-allocating.

SEE ALSO:
  - store.go: BatchStore and CellStore contracts
  - approval: Drives this state machine inside one transaction
*/
package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationBatchTracker manages batch records. All mutations run inside
// the caller's transaction via the store views it holds.
type AllocationBatchTracker struct {
	Batches BatchStore
	Cells   CellStore
	Logger  *slog.Logger
}

func (t *AllocationBatchTracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// CreateBatch inserts a pending batch record. Best-effort: on failure it
// returns ok=false and logs, so the caller can proceed with the financial
// approval and live with the tracking gap.
func (t *AllocationBatchTracker) CreateBatch(ctx context.Context, b AllocationBatch) (BatchID, bool) {
	if b.ApprovalStatus == "" {
		b.ApprovalStatus = ApprovalPending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if err := t.Batches.InsertBatch(ctx, b); err != nil {
		t.logger().Warn("batch tracking degraded: create failed",
			"batch_id", string(b.ID),
			"batch_type", string(b.Type),
			"error", err)
		return "", false
	}
	return b.ID, true
}

// GetBatchByRequest returns the batch created for the originating request,
// or nil when none exists. Retried approvals call this first.
func (t *AllocationBatchTracker) GetBatchByRequest(ctx context.Context, pledgeID PledgeID, paymentID PaymentID) (*AllocationBatch, error) {
	return t.Batches.BatchByRequest(ctx, pledgeID, paymentID)
}

// ApproveBatch transitions pending -> approved and stores the allocated
// cell set. Approving twice without an intervening rollback is a logic
// error, surfaced as AlreadyApprovedError.
func (t *AllocationBatchTracker) ApproveBatch(
	ctx context.Context,
	id BatchID,
	cellIDs []CellID,
	area decimal.Decimal,
	approvedBy string,
) error {
	b, err := t.Batches.Batch(ctx, id)
	if err != nil {
		return err
	}
	if b.ApprovalStatus == ApprovalApproved {
		return &AlreadyApprovedError{BatchID: id, ApprovedBy: b.ApprovedBy}
	}
	if b.ApprovalStatus == ApprovalRejected {
		return fmt.Errorf("batch %s already rejected: %w", id, ErrInvalidStatus)
	}

	now := time.Now().UTC()
	b.ApprovalStatus = ApprovalApproved
	b.AllocatedCellIDs = cellIDs
	b.AllocatedArea = area
	b.ApprovedBy = approvedBy
	b.ResolvedAt = &now
	return t.Batches.UpdateBatch(ctx, *b)
}

// BatchesForPledge returns every batch anchored to the pledge, earliest
// first: the pledge's own batch plus any increase batches that were
// merged into it. Rollbacks must reject all of them, otherwise the
// merged increase's cells stay reserved after the counter is reversed.
func (t *AllocationBatchTracker) BatchesForPledge(ctx context.Context, pledgeID PledgeID) ([]AllocationBatch, error) {
	all, err := t.Batches.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	var matches []AllocationBatch
	for _, b := range all {
		if b.OriginalPledgeID == pledgeID || b.NewPledgeID == pledgeID {
			matches = append(matches, b)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// RejectBatch marks the batch rejected. If it previously reached approved
// (the rollback path), the cells it owns are released first; a pending
// batch owns nothing and nothing is released. Rejecting an already
// rejected batch is a no-op.
func (t *AllocationBatchTracker) RejectBatch(ctx context.Context, id BatchID) error {
	b, err := t.Batches.Batch(ctx, id)
	if err != nil {
		return err
	}
	if b.ApprovalStatus == ApprovalRejected {
		return nil
	}

	if b.ApprovalStatus == ApprovalApproved && len(b.AllocatedCellIDs) > 0 {
		if err := t.Cells.Release(ctx, b.AllocatedCellIDs); err != nil {
			return fmt.Errorf("release cells for batch %s: %w", id, err)
		}
	}

	now := time.Now().UTC()
	b.ApprovalStatus = ApprovalRejected
	b.ResolvedAt = &now
	return t.Batches.UpdateBatch(ctx, *b)
}
