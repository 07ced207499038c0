/*
Package approval orchestrates the admin approval workflow over the
allocation engine.

PURPOSE:
  One approval action = one database transaction. The service locks the
  pledge/payment row, applies the counter delta, finds-or-creates the
  allocation batch, runs the custom-amount allocator, approves the batch
  with the resulting cell set, and updates donor aggregates - all through
  a single transactional store view. Any failure rolls the whole set back;
  there is never a partial success.

APPROVAL FLOW:
  lock row ─▶ find/create batch ─▶ apply counter delta ─▶ allocate cells
           ─▶ approve batch ─▶ update record + donor ─▶ commit ─▶ audit

ROLLBACK FLOW (rejecting an approved item):
  lock row ─▶ reject batch (releases its cells) ─▶ restore remainder
           ─▶ reverse counter delta ─▶ update record + donor ─▶ commit

DEGRADED TRACKING:
  Batch bookkeeping is best-effort. If the batch record cannot be written
  the approval still proceeds (the generated batch id still marks cell
  ownership); the gap is logged. Audit logging is likewise best-effort and
  happens after commit. Money correctness never degrades.

SEE ALSO:
  - grid: The engine components this service drives
  - store/sqlite: The transactional store underneath
*/
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/grid-engine/grid"
)

// Service drives pledge and payment approvals.
type Service struct {
	Store     grid.TxStore
	Audit     grid.AuditLog
	UnitPrice grid.Money
	Logger    *slog.Logger
}

func NewService(store grid.TxStore, audit grid.AuditLog, unitPrice grid.Money, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Audit: audit, UnitPrice: unitPrice, Logger: logger}
}

// WithUnitPrice returns a copy of the service bound to a different unit
// price. The price must always match the seeded inventory's - loading a
// plan whose price differs from the boot plan's rebinds through here.
func (s *Service) WithUnitPrice(price grid.Money) *Service {
	cp := *s
	cp.UnitPrice = price
	return &cp
}

// Components bound to one transaction's store view.
func (s *Service) allocator(st grid.Store) *grid.IntelligentGridAllocator {
	return &grid.IntelligentGridAllocator{Cells: st, UnitPrice: s.UnitPrice}
}

func (s *Service) custom(st grid.Store) *grid.CustomAmountAllocator {
	return &grid.CustomAmountAllocator{Allocator: s.allocator(st), Remainders: st, UnitPrice: s.UnitPrice}
}

func (s *Service) tracker(st grid.Store) *grid.AllocationBatchTracker {
	return &grid.AllocationBatchTracker{Batches: st, Cells: st, Logger: s.Logger}
}

func (s *Service) ledger(st grid.Store) *grid.CounterLedger {
	return grid.NewCounterLedger(st)
}

// =============================================================================
// SUBMISSION - Pending rows the approval workflow acts on
// =============================================================================

// PledgeInput is what a donor (or an admin on their behalf) submits.
type PledgeInput struct {
	DonorName  string
	DonorPhone string
	Amount     grid.Money
	PackageID  string
}

// SubmitPledge records a pending pledge.
func (s *Service) SubmitPledge(ctx context.Context, in PledgeInput) (*grid.Pledge, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("pledge amount must be positive, got %s", in.Amount)
	}
	now := time.Now().UTC()
	p := grid.Pledge{
		ID:         grid.PledgeID(uuid.NewString()),
		DonorID:    grid.DonorID(uuid.NewString()),
		DonorName:  in.DonorName,
		DonorPhone: in.DonorPhone,
		Amount:     in.Amount,
		Status:     grid.RecordPending,
		Kind:       grid.PledgeStandard,
		PackageID:  in.PackageID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.InsertPledge(ctx, p); err != nil {
		return nil, fmt.Errorf("insert pledge: %w", err)
	}
	return &p, nil
}

// SubmitPledgeIncrease records a pending update-request pledge that, once
// approved, merges into the original.
func (s *Service) SubmitPledgeIncrease(ctx context.Context, originalID grid.PledgeID, amount grid.Money) (*grid.Pledge, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("pledge increase must be positive, got %s", amount)
	}
	orig, err := s.Store.PledgeForUpdate(ctx, originalID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := grid.Pledge{
		ID:               grid.PledgeID(uuid.NewString()),
		DonorID:          orig.DonorID,
		DonorName:        orig.DonorName,
		DonorPhone:       orig.DonorPhone,
		Amount:           amount,
		Status:           grid.RecordPending,
		Kind:             grid.PledgeUpdateRequest,
		OriginalPledgeID: originalID,
		PackageID:        orig.PackageID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.InsertPledge(ctx, p); err != nil {
		return nil, fmt.Errorf("insert pledge increase: %w", err)
	}
	return &p, nil
}

// PaymentInput is a received payment awaiting approval.
type PaymentInput struct {
	PledgeID   grid.PledgeID // empty for direct payments
	DonorName  string
	DonorPhone string
	Amount     grid.Money
}

// SubmitPayment records a pending payment.
func (s *Service) SubmitPayment(ctx context.Context, in PaymentInput) (*grid.Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", in.Amount)
	}
	donorID := grid.DonorID(uuid.NewString())
	donorName, donorPhone := in.DonorName, in.DonorPhone
	if in.PledgeID != "" {
		orig, err := s.Store.PledgeForUpdate(ctx, in.PledgeID)
		if err != nil {
			return nil, err
		}
		donorID, donorName, donorPhone = orig.DonorID, orig.DonorName, orig.DonorPhone
	}
	now := time.Now().UTC()
	p := grid.Payment{
		ID:         grid.PaymentID(uuid.NewString()),
		PledgeID:   in.PledgeID,
		DonorID:    donorID,
		DonorName:  donorName,
		DonorPhone: donorPhone,
		Amount:     in.Amount,
		Status:     grid.RecordPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.InsertPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return &p, nil
}

// =============================================================================
// PLEDGE APPROVAL
// =============================================================================

// ApprovePledge approves a pending pledge: counters, batch, cell
// allocation (or accumulation), record status and donor aggregates all
// move in one transaction. Update-request pledges merge into their
// original instead of becoming a second pledge.
func (s *Service) ApprovePledge(ctx context.Context, id grid.PledgeID, approvedBy string) (*grid.AllocationResult, error) {
	var (
		result *grid.AllocationResult
		pledge grid.Pledge
	)

	err := s.Store.WithTx(ctx, func(st grid.Store) error {
		p, err := st.PledgeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != grid.RecordPending {
			return &grid.StatusError{EntityType: "pledge", EntityID: string(p.ID), Status: p.Status, Required: grid.RecordPending}
		}
		pledge = *p

		tracker := s.tracker(st)
		key := grid.DonorKeyFor(p.DonorPhone, p.DonorID)

		remBefore, err := st.Remainder(ctx, key)
		if err != nil {
			return fmt.Errorf("load remainder: %w", err)
		}

		batchID, tracked, err := s.findOrCreateBatch(ctx, st, tracker, batchSeed{
			pledge:          p,
			remainderBefore: remBefore,
			requestedBy:     approvedBy,
		})
		if err != nil {
			return err
		}

		if _, err := s.ledger(st).ApplyDelta(ctx, grid.ZeroMoney(), p.Amount); err != nil {
			return fmt.Errorf("apply pledge delta: %w", err)
		}

		res, err := s.custom(st).ProcessCustomAmount(ctx, grid.CustomAmountRequest{
			RequestID: string(p.ID),
			Amount:    p.Amount,
			DonorName: p.DonorName,
			DonorKey:  key,
			Status:    grid.StatusPledged,
			BatchID:   batchID,
		})
		if err != nil {
			return err
		}

		if tracked {
			if err := tracker.ApproveBatch(ctx, batchID, res.CellIDs, res.Area, approvedBy); err != nil {
				return err
			}
		}

		if p.Kind == grid.PledgeUpdateRequest {
			if err := s.mergeIntoOriginal(ctx, st, p); err != nil {
				return err
			}
		} else {
			p.Status = grid.RecordApproved
			p.UpdatedAt = time.Now().UTC()
			if err := st.UpdatePledge(ctx, *p); err != nil {
				return fmt.Errorf("update pledge: %w", err)
			}
		}

		if err := s.bumpDonor(ctx, st, p.DonorID, p.DonorName, p.DonorPhone, p.Amount, grid.ZeroMoney()); err != nil {
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, grid.AuditPledgeApproved, "pledge", string(id), approvedBy,
		map[string]any{"status": string(grid.RecordPending)},
		map[string]any{"status": string(grid.RecordApproved), "amount": pledge.Amount.String(), "result": string(result.Type)})
	return result, nil
}

// mergeIntoOriginal folds an approved update-request pledge into the
// pledge it increases, then deletes the superseded request row. The
// delete happens in the same transaction, after the merge.
func (s *Service) mergeIntoOriginal(ctx context.Context, st grid.Store, update *grid.Pledge) error {
	orig, err := st.PledgeForUpdate(ctx, update.OriginalPledgeID)
	if err != nil {
		return fmt.Errorf("load original pledge %s: %w", update.OriginalPledgeID, err)
	}
	before := orig.Amount
	orig.Amount = orig.Amount.Add(update.Amount)
	orig.UpdatedAt = time.Now().UTC()
	if err := st.UpdatePledge(ctx, *orig); err != nil {
		return fmt.Errorf("merge into original pledge: %w", err)
	}
	if err := st.DeletePledge(ctx, update.ID); err != nil {
		return fmt.Errorf("delete superseded update request: %w", err)
	}
	s.recordAudit(ctx, grid.AuditPledgeMerged, "pledge", string(orig.ID), "system",
		map[string]any{"amount": before.String()},
		map[string]any{"amount": orig.Amount.String(), "merged_request": string(update.ID)})
	return nil
}

// RejectPledge rejects a pledge. A still-pending pledge is simply marked
// rejected (its batch owned no cells). Rejecting a previously approved
// pledge is the rollback path: the cells of every batch anchored to the
// pledge are released - the pledge's own batch and any increase batches
// merged into it - the donor's remainder is restored to its value before
// the first approval, and the full (post-merge) pledged counter delta is
// reversed. Rejecting twice is a no-op.
func (s *Service) RejectPledge(ctx context.Context, id grid.PledgeID, reason, actor string) error {
	var wasApproved bool

	err := s.Store.WithTx(ctx, func(st grid.Store) error {
		p, err := st.PledgeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == grid.RecordRejected {
			return nil
		}
		wasApproved = p.Status == grid.RecordApproved

		tracker := s.tracker(st)

		// Every batch anchored to the pledge: its own plus any merged
		// increase batches. The counter reversal below uses the full
		// post-merge amount, so every batch's cells must go back too.
		batches, err := tracker.BatchesForPledge(ctx, p.ID)
		if err != nil {
			return err
		}

		if wasApproved && len(batches) > 0 {
			// The earliest batch recorded the remainder before the
			// first approval touched it; that is the restore point.
			if err := s.restoreRemainder(ctx, st, &batches[0]); err != nil {
				return err
			}
		}
		for i := range batches {
			if err := tracker.RejectBatch(ctx, batches[i].ID); err != nil {
				return err
			}
		}

		if wasApproved {
			if _, err := s.ledger(st).ApplyDelta(ctx, grid.ZeroMoney(), p.Amount.Neg()); err != nil {
				return fmt.Errorf("reverse pledge delta: %w", err)
			}
			if err := s.bumpDonor(ctx, st, p.DonorID, p.DonorName, p.DonorPhone, p.Amount.Neg(), grid.ZeroMoney()); err != nil {
				return err
			}
		}

		p.Status = grid.RecordRejected
		p.UpdatedAt = time.Now().UTC()
		return st.UpdatePledge(ctx, *p)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, grid.AuditPledgeRejected, "pledge", string(id), actor,
		map[string]any{"was_approved": wasApproved},
		map[string]any{"status": string(grid.RecordRejected), "reason": reason})
	return nil
}

// =============================================================================
// PAYMENT APPROVAL
// =============================================================================

// ApprovePayment approves a pending payment.
//
// A direct payment (no pledge reference) allocates paid cells through the
// custom-amount path with delta (amount, 0). A settlement payment against
// an existing pledge moves money from pledged to paid - delta
// (amount, -amount) - and relabels the pledge's cells to paid without
// changing area.
func (s *Service) ApprovePayment(ctx context.Context, id grid.PaymentID, approvedBy string) (*grid.AllocationResult, error) {
	var result *grid.AllocationResult

	err := s.Store.WithTx(ctx, func(st grid.Store) error {
		pay, err := st.PaymentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if pay.Status != grid.RecordPending {
			return &grid.StatusError{EntityType: "payment", EntityID: string(pay.ID), Status: pay.Status, Required: grid.RecordPending}
		}

		tracker := s.tracker(st)
		key := grid.DonorKeyFor(pay.DonorPhone, pay.DonorID)

		remBefore, err := st.Remainder(ctx, key)
		if err != nil {
			return fmt.Errorf("load remainder: %w", err)
		}

		batchID, tracked, err := s.findOrCreateBatch(ctx, st, tracker, batchSeed{
			payment:         pay,
			remainderBefore: remBefore,
			requestedBy:     approvedBy,
		})
		if err != nil {
			return err
		}

		if pay.PledgeID != "" {
			result, err = s.settlePledgePayment(ctx, st, tracker, pay, batchID, tracked, approvedBy)
		} else {
			result, err = s.directPayment(ctx, st, tracker, pay, key, batchID, tracked, approvedBy)
		}
		if err != nil {
			return err
		}

		pay.Status = grid.RecordApproved
		pay.UpdatedAt = time.Now().UTC()
		if err := st.UpdatePayment(ctx, *pay); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		return s.bumpDonor(ctx, st, pay.DonorID, pay.DonorName, pay.DonorPhone, grid.ZeroMoney(), pay.Amount)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, grid.AuditPaymentApproved, "payment", string(id), approvedBy,
		map[string]any{"status": string(grid.RecordPending)},
		map[string]any{"status": string(grid.RecordApproved), "result": string(result.Type)})
	return result, nil
}

// directPayment allocates paid cells for a payment that settles no pledge.
func (s *Service) directPayment(
	ctx context.Context,
	st grid.Store,
	tracker *grid.AllocationBatchTracker,
	pay *grid.Payment,
	key grid.DonorKey,
	batchID grid.BatchID,
	tracked bool,
	approvedBy string,
) (*grid.AllocationResult, error) {
	if _, err := s.ledger(st).ApplyDelta(ctx, pay.Amount, grid.ZeroMoney()); err != nil {
		return nil, fmt.Errorf("apply payment delta: %w", err)
	}

	res, err := s.custom(st).ProcessPaymentCustomAmount(ctx, grid.CustomAmountRequest{
		RequestID: string(pay.ID),
		Amount:    pay.Amount,
		DonorName: pay.DonorName,
		DonorKey:  key,
		BatchID:   batchID,
	})
	if err != nil {
		return nil, err
	}

	if tracked {
		if err := tracker.ApproveBatch(ctx, batchID, res.CellIDs, res.Area, approvedBy); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// settlePledgePayment converts pledged money (and its cells) to paid.
// Area does not change; the pledge batch keeps its cells, relabeled.
func (s *Service) settlePledgePayment(
	ctx context.Context,
	st grid.Store,
	tracker *grid.AllocationBatchTracker,
	pay *grid.Payment,
	batchID grid.BatchID,
	tracked bool,
	approvedBy string,
) (*grid.AllocationResult, error) {
	if _, err := s.ledger(st).ApplyDelta(ctx, pay.Amount, pay.Amount.Neg()); err != nil {
		return nil, fmt.Errorf("apply settlement delta: %w", err)
	}

	pledgeBatch, err := tracker.GetBatchByRequest(ctx, pay.PledgeID, "")
	if err != nil {
		return nil, err
	}

	res := &grid.AllocationResult{
		Type:    grid.ResultAllocated,
		Message: fmt.Sprintf("payment of %s settles pledge %s", pay.Amount, pay.PledgeID),
	}

	if pledgeBatch != nil && pledgeBatch.ApprovalStatus == grid.ApprovalApproved && len(pledgeBatch.AllocatedCellIDs) > 0 {
		if err := st.Reassign(ctx, pledgeBatch.AllocatedCellIDs, pledgeBatch.ID, pay.DonorName, grid.StatusPaid); err != nil {
			return nil, fmt.Errorf("relabel settled cells: %w", err)
		}
		res.CellIDs = pledgeBatch.AllocatedCellIDs
		res.CellCount = len(pledgeBatch.AllocatedCellIDs)
		res.Area = pledgeBatch.AllocatedArea
		res.Message = fmt.Sprintf("payment of %s settles pledge %s: %d cell(s) now paid",
			pay.Amount, pay.PledgeID, res.CellCount)
	}

	// Relabel any held fraction too, so the dashboard shows it as paid.
	key := grid.DonorKeyFor(pay.DonorPhone, pay.DonorID)
	rem, err := st.Remainder(ctx, key)
	if err != nil {
		return nil, err
	}
	if rem.IsPositive() {
		if err := st.SetRemainder(ctx, key, rem, grid.StatusPaid); err != nil {
			return nil, err
		}
	}

	if tracked {
		// The settlement batch itself owns no cells; it records the money
		// movement. The pledge batch keeps owning the relabeled cells.
		if err := tracker.ApproveBatch(ctx, batchID, nil, decimal.Zero, approvedBy); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// RejectPayment rejects a payment. Pending payments are simply marked.
// Rejecting a previously approved direct payment releases its cells,
// restores the remainder and reverses the paid delta; rejecting an
// approved settlement relabels the pledge's cells back to pledged and
// reverses the settlement delta.
func (s *Service) RejectPayment(ctx context.Context, id grid.PaymentID, reason, actor string) error {
	var wasApproved bool

	err := s.Store.WithTx(ctx, func(st grid.Store) error {
		pay, err := st.PaymentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if pay.Status == grid.RecordRejected {
			return nil
		}
		wasApproved = pay.Status == grid.RecordApproved

		tracker := s.tracker(st)
		batch, err := tracker.GetBatchByRequest(ctx, "", pay.ID)
		if err != nil {
			return err
		}

		if wasApproved {
			if pay.PledgeID != "" {
				if err := s.unwindSettlement(ctx, st, tracker, pay); err != nil {
					return err
				}
			} else {
				if batch != nil {
					if err := s.restoreRemainder(ctx, st, batch); err != nil {
						return err
					}
				}
				if _, err := s.ledger(st).ApplyDelta(ctx, pay.Amount.Neg(), grid.ZeroMoney()); err != nil {
					return fmt.Errorf("reverse payment delta: %w", err)
				}
			}
			if err := s.bumpDonor(ctx, st, pay.DonorID, pay.DonorName, pay.DonorPhone, grid.ZeroMoney(), pay.Amount.Neg()); err != nil {
				return err
			}
		}

		if batch != nil {
			if err := tracker.RejectBatch(ctx, batch.ID); err != nil {
				return err
			}
		}

		pay.Status = grid.RecordRejected
		pay.UpdatedAt = time.Now().UTC()
		return st.UpdatePayment(ctx, *pay)
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, grid.AuditPaymentRejected, "payment", string(id), actor,
		map[string]any{"was_approved": wasApproved},
		map[string]any{"status": string(grid.RecordRejected), "reason": reason})
	return nil
}

// unwindSettlement reverses an approved settlement: pledged money comes
// back, paid money goes, and the pledge's cells return to pledged.
func (s *Service) unwindSettlement(ctx context.Context, st grid.Store, tracker *grid.AllocationBatchTracker, pay *grid.Payment) error {
	if _, err := s.ledger(st).ApplyDelta(ctx, pay.Amount.Neg(), pay.Amount); err != nil {
		return fmt.Errorf("reverse settlement delta: %w", err)
	}
	pledgeBatch, err := tracker.GetBatchByRequest(ctx, pay.PledgeID, "")
	if err != nil {
		return err
	}
	if pledgeBatch != nil && len(pledgeBatch.AllocatedCellIDs) > 0 {
		if err := st.Reassign(ctx, pledgeBatch.AllocatedCellIDs, pledgeBatch.ID, pay.DonorName, grid.StatusPledged); err != nil {
			return fmt.Errorf("relabel cells back to pledged: %w", err)
		}
	}
	key := grid.DonorKeyFor(pay.DonorPhone, pay.DonorID)
	rem, err := st.Remainder(ctx, key)
	if err != nil {
		return err
	}
	if rem.IsPositive() {
		if err := st.SetRemainder(ctx, key, rem, grid.StatusPledged); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

type batchSeed struct {
	pledge          *grid.Pledge
	payment         *grid.Payment
	remainderBefore grid.Money
	requestedBy     string
}

// findOrCreateBatch implements the idempotent-retry contract: an existing
// batch for the originating request is reused; a new pending one is
// created otherwise. A batch that already reached approved means this
// request was already fully processed.
//
// The returned id is always usable for cell ownership, even when the
// batch record itself could not be written (tracked=false).
func (s *Service) findOrCreateBatch(ctx context.Context, st grid.Store, tracker *grid.AllocationBatchTracker, seed batchSeed) (grid.BatchID, bool, error) {
	var pledgeID grid.PledgeID
	var paymentID grid.PaymentID
	if seed.pledge != nil {
		pledgeID = seed.pledge.ID
	}
	if seed.payment != nil {
		paymentID = seed.payment.ID
	}

	existing, err := tracker.GetBatchByRequest(ctx, pledgeID, paymentID)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if existing.ApprovalStatus == grid.ApprovalApproved {
			return "", false, &grid.AlreadyApprovedError{BatchID: existing.ID, ApprovedBy: existing.ApprovedBy}
		}
		return existing.ID, true, nil
	}

	b := grid.AllocationBatch{
		ID:            grid.BatchID(uuid.NewString()),
		RequestedBy:   seed.requestedBy,
		RequestSource: grid.SourceAdmin,
		Metadata: map[string]string{
			grid.MetadataRemainderBefore: seed.remainderBefore.String(),
		},
	}
	switch {
	case seed.pledge != nil && seed.pledge.Kind == grid.PledgeUpdateRequest:
		orig, err := st.PledgeForUpdate(ctx, seed.pledge.OriginalPledgeID)
		if err != nil {
			return "", false, fmt.Errorf("load original pledge for batch: %w", err)
		}
		b.Type = grid.BatchPledgeUpdate
		b.OriginalPledgeID = seed.pledge.OriginalPledgeID
		b.NewPledgeID = seed.pledge.ID
		b.OriginalAmount = orig.Amount
		b.AdditionalAmount = seed.pledge.Amount
		b.TotalAmount = orig.Amount.Add(seed.pledge.Amount)
		s.fillDonor(&b, seed.pledge.DonorID, seed.pledge.DonorName, seed.pledge.DonorPhone)
		b.PackageID = seed.pledge.PackageID
	case seed.pledge != nil:
		b.Type = grid.BatchNewPledge
		b.NewPledgeID = seed.pledge.ID
		b.AdditionalAmount = seed.pledge.Amount
		b.TotalAmount = seed.pledge.Amount
		s.fillDonor(&b, seed.pledge.DonorID, seed.pledge.DonorName, seed.pledge.DonorPhone)
		b.PackageID = seed.pledge.PackageID
	case seed.payment != nil:
		b.Type = grid.BatchNewPayment
		b.NewPaymentID = seed.payment.ID
		b.OriginalPledgeID = seed.payment.PledgeID
		b.AdditionalAmount = seed.payment.Amount
		b.TotalAmount = seed.payment.Amount
		s.fillDonor(&b, seed.payment.DonorID, seed.payment.DonorName, seed.payment.DonorPhone)
	}

	id, tracked := tracker.CreateBatch(ctx, b)
	if !tracked {
		// Proceed with the generated id so cell ownership stays coherent.
		return b.ID, false, nil
	}
	return id, true, nil
}

func (s *Service) fillDonor(b *grid.AllocationBatch, id grid.DonorID, name, phone string) {
	b.DonorID = id
	b.DonorName = name
	b.DonorPhone = phone
}

// restoreRemainder puts the donor's pending fraction back to the value
// recorded in the batch metadata at approval time.
func (s *Service) restoreRemainder(ctx context.Context, st grid.Store, batch *grid.AllocationBatch) error {
	raw, ok := batch.Metadata[grid.MetadataRemainderBefore]
	if !ok {
		return nil
	}
	before, err := grid.ParseMoney(raw)
	if err != nil {
		return fmt.Errorf("corrupt %s metadata on batch %s: %w", grid.MetadataRemainderBefore, batch.ID, err)
	}
	key := grid.DonorKeyFor(batch.DonorPhone, batch.DonorID)
	status := grid.StatusPledged
	if batch.Type == grid.BatchNewPayment || batch.Type == grid.BatchPaymentUpdate {
		status = grid.StatusPaid
	}
	return st.SetRemainder(ctx, key, before, status)
}

// bumpDonor maintains the donor aggregate row inside the same transaction
// as the ledger deltas it must stay consistent with.
func (s *Service) bumpDonor(ctx context.Context, st grid.Store, donorID grid.DonorID, name, phone string, deltaPledged, deltaPaid grid.Money) error {
	key := grid.DonorKeyFor(phone, donorID)
	d, err := st.DonorByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("load donor: %w", err)
	}
	now := time.Now().UTC()
	if d == nil {
		d = &grid.Donor{
			ID:           donorID,
			Name:         name,
			Phone:        phone,
			TotalPledged: grid.ZeroMoney(),
			TotalPaid:    grid.ZeroMoney(),
			Balance:      grid.ZeroMoney(),
			CreatedAt:    now,
		}
	}
	d.TotalPledged = d.TotalPledged.Add(deltaPledged)
	d.TotalPaid = d.TotalPaid.Add(deltaPaid)
	d.Balance = d.TotalPledged.Sub(d.TotalPaid)
	d.PaymentStatus = paymentStatusFor(*d)
	d.UpdatedAt = now
	return st.UpsertDonor(ctx, *d)
}

func paymentStatusFor(d grid.Donor) string {
	switch {
	case d.TotalPaid.IsPositive() && !d.Balance.IsPositive():
		return "settled"
	case d.TotalPaid.IsPositive():
		return "partial"
	default:
		return "pledged"
	}
}

// recordAudit is best-effort: a failed write is logged, never propagated.
func (s *Service) recordAudit(ctx context.Context, action grid.AuditAction, entityType, entityID, actor string, before, after map[string]any) {
	if s.Audit == nil {
		return
	}
	entry := grid.AuditEntry{
		ID:         uuid.NewString(),
		At:         time.Now().UTC(),
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
	}
	if err := s.Audit.Record(ctx, entry); err != nil {
		s.Logger.Warn("audit record failed",
			"action", string(action),
			"entity_id", entityID,
			"error", err)
	}
}

// IsRetryable reports whether the approval should be retried as a whole.
func IsRetryable(err error) bool {
	return grid.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}
