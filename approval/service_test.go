package approval_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/grid-engine/approval"
	"github.com/warp/grid-engine/grid"
	"github.com/warp/grid-engine/grid/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func money(s string) grid.Money {
	return grid.MustParseMoney(s)
}

// newTestService wires the service over a memory store seeded with n free
// cells at the given unit price.
func newTestService(t *testing.T, n int, unitPrice string) (*approval.Service, *store.Memory, *store.MemoryAudit) {
	t.Helper()

	m := store.NewMemory()
	price := money(unitPrice)
	area := decimal.RequireFromString("0.09")
	cells := make([]grid.GridCell, n)
	for i := range cells {
		id := grid.CellID(cellName(i))
		cells[i] = grid.GridCell{
			ID: id, Label: string(id), Position: i,
			UnitPrice: price, AreaPerUnit: area, State: grid.CellFree,
		}
	}
	m.SeedCells(cells)

	audit := store.NewMemoryAudit()
	svc := approval.NewService(m, audit, price, slog.Default())
	return svc, m, audit
}

func cellName(i int) string {
	return "cell-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func submitPledge(t *testing.T, svc *approval.Service, name, phone, amount string) *grid.Pledge {
	t.Helper()
	p, err := svc.SubmitPledge(context.Background(), approval.PledgeInput{
		DonorName:  name,
		DonorPhone: phone,
		Amount:     money(amount),
	})
	require.NoError(t, err)
	return p
}

// =============================================================================
// PLEDGE APPROVAL
// =============================================================================

func TestApprovePledge_AllocatesAndCounts(t *testing.T) {
	// GIVEN: A pending 90 pledge, unit price 30
	// WHEN: Approved
	// THEN: 3 cells reserved, pledged counter 90, pledge approved, batch
	//       approved, donor aggregates updated

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	p := submitPledge(t, svc, "Amina Yusuf", "+447700900001", "90")

	res, err := svc.ApprovePledge(ctx, p.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, grid.ResultAllocated, res.Type)
	assert.Equal(t, 3, res.CellCount)

	free, _ := m.FreeCount(ctx)
	assert.Equal(t, 7, free)

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("90")), "pledged total should be 90, got %s", totals.PledgedTotal)
	assert.True(t, totals.PaidTotal.IsZero())
	assert.Equal(t, int64(1), totals.Version)

	stored, err := m.PledgeForUpdate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, grid.RecordApproved, stored.Status)

	batch, err := m.BatchByRequest(ctx, p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, grid.ApprovalApproved, batch.ApprovalStatus)
	assert.Len(t, batch.AllocatedCellIDs, 3)

	donor, err := m.DonorByKey(ctx, grid.DonorKeyFor(p.DonorPhone, p.DonorID))
	require.NoError(t, err)
	require.NotNil(t, donor)
	assert.True(t, donor.TotalPledged.Equal(money("90")))
	assert.Equal(t, "pledged", donor.PaymentStatus)
}

func TestApprovePledge_SubUnitAmount_Accumulates(t *testing.T) {
	// GIVEN: A 12 pledge against unit price 30
	// WHEN: Approved
	// THEN: Counters move by the full 12, no cells, remainder 12 held

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	p := submitPledge(t, svc, "Tunde", "+447700900002", "12")
	res, err := svc.ApprovePledge(ctx, p.ID, "admin")
	require.NoError(t, err)

	assert.Equal(t, grid.ResultAccumulated, res.Type)
	assert.Zero(t, res.CellCount)

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("12")), "the full amount counts even unallocated")

	rem, _ := m.Remainder(ctx, grid.DonorKeyFor(p.DonorPhone, p.DonorID))
	assert.True(t, rem.Equal(money("12")))
}

func TestApprovePledge_TwoApprovals_AccumulationConverts(t *testing.T) {
	// GIVEN: Approved 12 pledge from a donor
	// WHEN: A second 25 pledge from the same phone is approved
	// THEN: Combined 37 buys one cell, 7 carried

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	first := submitPledge(t, svc, "Amina", "+447700900001", "12")
	_, err := svc.ApprovePledge(ctx, first.ID, "admin")
	require.NoError(t, err)

	second := submitPledge(t, svc, "Amina", "+447700900001", "25")
	res, err := svc.ApprovePledge(ctx, second.ID, "admin")
	require.NoError(t, err)

	assert.Equal(t, grid.ResultAllocated, res.Type)
	assert.Equal(t, 1, res.CellCount)
	assert.True(t, res.RemainderAfter.Equal(money("7")))

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("37")))
}

func TestApprovePledge_Twice_Rejected(t *testing.T) {
	svc, _, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	p := submitPledge(t, svc, "Amina", "+447700900001", "30")
	_, err := svc.ApprovePledge(ctx, p.ID, "admin")
	require.NoError(t, err)

	_, err = svc.ApprovePledge(ctx, p.ID, "admin")
	assert.ErrorIs(t, err, grid.ErrInvalidStatus, "re-approving an approved pledge must fail")
}

func TestApprovePledge_InsufficientCapacity_FullRollback(t *testing.T) {
	// GIVEN: 2 free cells, a pledge worth 5 cells, and an existing remainder
	// WHEN: Approval fails on capacity
	// THEN: Counters, cells, remainder and pledge status are all untouched

	svc, m, _ := newTestService(t, 12, "30")
	ctx := context.Background()

	// Seed a 12 remainder via a small approved pledge.
	small := submitPledge(t, svc, "Amina", "+447700900001", "12")
	_, err := svc.ApprovePledge(ctx, small.ID, "admin")
	require.NoError(t, err)

	// Burn the grid down to 2 free cells.
	burner := submitPledge(t, svc, "Everyone Else", "+447700900099", "300")
	_, err = svc.ApprovePledge(ctx, burner.ID, "admin")
	require.NoError(t, err)
	totalsBefore, _ := m.Totals(ctx)
	free, _ := m.FreeCount(ctx)
	require.Equal(t, 2, free)

	// 138 + 12 held = 150 = 5 cells; only 2 free.
	big := submitPledge(t, svc, "Amina", "+447700900001", "138")
	_, err = svc.ApprovePledge(ctx, big.ID, "admin")
	require.ErrorIs(t, err, grid.ErrInsufficientCapacity)

	totalsAfter, _ := m.Totals(ctx)
	assert.True(t, totalsAfter.PledgedTotal.Equal(totalsBefore.PledgedTotal), "counter delta must be rolled back")
	assert.Equal(t, totalsBefore.Version, totalsAfter.Version)

	free, _ = m.FreeCount(ctx)
	assert.Equal(t, 2, free, "no cells may leak from the failed approval")

	rem, _ := m.Remainder(ctx, grid.DonorKeyFor("+447700900001", ""))
	assert.True(t, rem.Equal(money("12")), "remainder must be untouched, got %s", rem)

	stored, _ := m.PledgeForUpdate(ctx, big.ID)
	assert.Equal(t, grid.RecordPending, stored.Status, "the pledge stays pending for retry")
}

// =============================================================================
// PLEDGE REJECTION
// =============================================================================

func TestRejectPledge_Pending_JustMarks(t *testing.T) {
	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	p := submitPledge(t, svc, "Femi", "+447700900003", "60")
	require.NoError(t, svc.RejectPledge(ctx, p.ID, "withdrawn", "admin"))

	stored, _ := m.PledgeForUpdate(ctx, p.ID)
	assert.Equal(t, grid.RecordRejected, stored.Status)

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.GrandTotal.IsZero(), "a pending pledge never reached the counters")
}

func TestRejectPledge_Approved_RollsEverythingBack(t *testing.T) {
	// GIVEN: Donor holds 12; a 78 pledge approval converts 90 into 3 cells
	// WHEN: That approval is rejected
	// THEN: Cells released, counters reversed, remainder back to 12

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	small := submitPledge(t, svc, "Amina", "+447700900001", "12")
	_, err := svc.ApprovePledge(ctx, small.ID, "admin")
	require.NoError(t, err)

	big := submitPledge(t, svc, "Amina", "+447700900001", "78")
	res, err := svc.ApprovePledge(ctx, big.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, 3, res.CellCount)

	require.NoError(t, svc.RejectPledge(ctx, big.ID, "changed mind", "admin"))

	free, _ := m.FreeCount(ctx)
	assert.Equal(t, 10, free, "the batch's cells must be released")

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("12")), "only the first pledge remains counted, got %s", totals.PledgedTotal)

	rem, _ := m.Remainder(ctx, grid.DonorKeyFor("+447700900001", ""))
	assert.True(t, rem.Equal(money("12")), "remainder restored to its pre-approval value, got %s", rem)

	batch, _ := m.BatchByRequest(ctx, big.ID, "")
	require.NotNil(t, batch)
	assert.Equal(t, grid.ApprovalRejected, batch.ApprovalStatus)
}

func TestRejectPledge_Twice_NoOp(t *testing.T) {
	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	p := submitPledge(t, svc, "Amina", "+447700900001", "60")
	_, err := svc.ApprovePledge(ctx, p.ID, "admin")
	require.NoError(t, err)

	require.NoError(t, svc.RejectPledge(ctx, p.ID, "first", "admin"))
	totalsAfterFirst, _ := m.Totals(ctx)

	require.NoError(t, svc.RejectPledge(ctx, p.ID, "second", "admin"))
	totalsAfterSecond, _ := m.Totals(ctx)

	assert.Equal(t, totalsAfterFirst.Version, totalsAfterSecond.Version,
		"a second reject must not touch the counters again")
	free, _ := m.FreeCount(ctx)
	assert.Equal(t, 10, free)
}

// =============================================================================
// PLEDGE INCREASE
// =============================================================================

func TestApprovePledgeIncrease_MergesIntoOriginal(t *testing.T) {
	// GIVEN: An approved 60 pledge and a pending 30 increase for it
	// WHEN: The increase is approved
	// THEN: The original's amount becomes 90, the request row is deleted,
	//       and the extra cell is reserved

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	orig := submitPledge(t, svc, "Grace", "+447700900010", "60")
	_, err := svc.ApprovePledge(ctx, orig.ID, "admin")
	require.NoError(t, err)

	inc, err := svc.SubmitPledgeIncrease(ctx, orig.ID, money("30"))
	require.NoError(t, err)
	assert.Equal(t, grid.PledgeUpdateRequest, inc.Kind)
	assert.Equal(t, orig.ID, inc.OriginalPledgeID)

	res, err := svc.ApprovePledge(ctx, inc.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CellCount)

	merged, err := m.PledgeForUpdate(ctx, orig.ID)
	require.NoError(t, err)
	assert.True(t, merged.Amount.Equal(money("90")), "original should hold the merged amount, got %s", merged.Amount)

	_, err = m.PledgeForUpdate(ctx, inc.ID)
	assert.ErrorIs(t, err, grid.ErrPledgeNotFound, "the superseded request row is deleted")

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("90")))
}

func TestRejectPledge_AfterMergedIncrease_ReleasesAllBatches(t *testing.T) {
	// GIVEN: A 65 pledge approved (2 cells, remainder 5), then a 34
	//        increase merged in (1 more cell, remainder 9)
	// WHEN: The merged pledge is rejected
	// THEN: The cells of BOTH batches come back, the full 99 is reversed,
	//       and the remainder returns to its value before the first
	//       approval

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	orig := submitPledge(t, svc, "Grace", "+447700900010", "65")
	_, err := svc.ApprovePledge(ctx, orig.ID, "admin")
	require.NoError(t, err)

	inc, err := svc.SubmitPledgeIncrease(ctx, orig.ID, money("34"))
	require.NoError(t, err)
	_, err = svc.ApprovePledge(ctx, inc.ID, "admin")
	require.NoError(t, err)

	free, _ := m.FreeCount(ctx)
	require.Equal(t, 7, free, "65 then +34 at unit 30 should hold 3 cells")

	require.NoError(t, svc.RejectPledge(ctx, orig.ID, "changed mind", "admin"))

	free, _ = m.FreeCount(ctx)
	assert.Equal(t, 10, free, "every cell from both batches must be released")

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("0")), "pledged = %s", totals.PledgedTotal)

	rem, err := m.Remainder(ctx, grid.DonorKeyFor("+447700900010", ""))
	require.NoError(t, err)
	assert.True(t, rem.IsZero(), "remainder should return to its pre-approval value, got %s", rem)

	batches, err := m.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, grid.ApprovalRejected, b.ApprovalStatus, "batch %s", b.ID)
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestApprovePayment_Direct_AllocatesPaidCells(t *testing.T) {
	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	pay, err := svc.SubmitPayment(ctx, approval.PaymentInput{
		DonorName:  "Chidi",
		DonorPhone: "+447700900020",
		Amount:     money("60"),
	})
	require.NoError(t, err)

	res, err := svc.ApprovePayment(ctx, pay.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CellCount)

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PaidTotal.Equal(money("60")))
	assert.True(t, totals.PledgedTotal.IsZero())

	all, _ := m.Cells(ctx)
	var paid int
	for _, c := range all {
		if c.State == grid.CellReserved && c.StatusLabel == grid.StatusPaid {
			paid++
		}
	}
	assert.Equal(t, 2, paid)
}

func TestApprovePayment_Settlement_ShiftsPledgedToPaid(t *testing.T) {
	// GIVEN: An approved 60 pledge with 2 pledged cells
	// WHEN: A 60 payment against that pledge is approved
	// THEN: Grand total unchanged, paid=60, pledged=0, same 2 cells now paid

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	pledge := submitPledge(t, svc, "Grace", "+447700900010", "60")
	_, err := svc.ApprovePledge(ctx, pledge.ID, "admin")
	require.NoError(t, err)

	pay, err := svc.SubmitPayment(ctx, approval.PaymentInput{
		PledgeID: pledge.ID,
		Amount:   money("60"),
	})
	require.NoError(t, err)

	res, err := svc.ApprovePayment(ctx, pay.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CellCount, "the pledge's cells carry over, not new ones")

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PaidTotal.Equal(money("60")))
	assert.True(t, totals.PledgedTotal.IsZero())
	assert.True(t, totals.GrandTotal.Equal(money("60")), "settlement never double-counts")

	free, _ := m.FreeCount(ctx)
	assert.Equal(t, 8, free, "no extra cells reserved by the settlement")

	all, _ := m.Cells(ctx)
	for _, c := range all {
		if c.State == grid.CellReserved {
			assert.Equal(t, grid.StatusPaid, c.StatusLabel, "cell %s should be relabeled paid", c.ID)
		}
	}
}

func TestRejectPayment_Settlement_Unwinds(t *testing.T) {
	// GIVEN: A settled pledge
	// WHEN: The settlement payment is rejected
	// THEN: Money moves back to pledged and cells relabel to pledged

	svc, m, _ := newTestService(t, 10, "30")
	ctx := context.Background()

	pledge := submitPledge(t, svc, "Grace", "+447700900010", "60")
	_, err := svc.ApprovePledge(ctx, pledge.ID, "admin")
	require.NoError(t, err)

	pay, err := svc.SubmitPayment(ctx, approval.PaymentInput{PledgeID: pledge.ID, Amount: money("60")})
	require.NoError(t, err)
	_, err = svc.ApprovePayment(ctx, pay.ID, "admin")
	require.NoError(t, err)

	require.NoError(t, svc.RejectPayment(ctx, pay.ID, "bounced", "admin"))

	totals, _ := m.Totals(ctx)
	assert.True(t, totals.PledgedTotal.Equal(money("60")), "pledged restored, got %s", totals.PledgedTotal)
	assert.True(t, totals.PaidTotal.IsZero())

	all, _ := m.Cells(ctx)
	for _, c := range all {
		if c.State == grid.CellReserved {
			assert.Equal(t, grid.StatusPledged, c.StatusLabel)
		}
	}
}

// =============================================================================
// DEGRADED PATHS
// =============================================================================

func TestApprovePledge_AuditFailure_DoesNotBlock(t *testing.T) {
	// GIVEN: An audit log primed to fail once
	// WHEN: A pledge is approved
	// THEN: The approval commits; the gap is only logged

	svc, m, audit := newTestService(t, 10, "30")
	ctx := context.Background()

	audit.FailNext = true
	p := submitPledge(t, svc, "Amina", "+447700900001", "30")
	_, err := svc.ApprovePledge(ctx, p.ID, "admin")
	require.NoError(t, err, "audit failures must never fail the approval")

	stored, _ := m.PledgeForUpdate(ctx, p.ID)
	assert.Equal(t, grid.RecordApproved, stored.Status)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, approval.IsRetryable(grid.ErrConcurrencyConflict))
	assert.True(t, approval.IsRetryable(context.DeadlineExceeded))
	assert.False(t, approval.IsRetryable(errors.New("plain failure")))
	assert.False(t, approval.IsRetryable(grid.ErrInsufficientCapacity))
}
