package grid_test

import (
	"context"
	"errors"
	"testing"

	"github.com/warp/grid-engine/grid"
	"github.com/warp/grid-engine/grid/store"
)

func newCustom(m *store.Memory, unitPrice string) *grid.CustomAmountAllocator {
	return &grid.CustomAmountAllocator{
		Allocator:  newAllocator(m, unitPrice),
		Remainders: m,
		UnitPrice:  money(unitPrice),
	}
}

func customReq(amount, donor string, batch grid.BatchID) grid.CustomAmountRequest {
	return grid.CustomAmountRequest{
		Amount:    money(amount),
		DonorName: donor,
		DonorKey:  grid.DonorKey(donor),
		Status:    grid.StatusPledged,
		BatchID:   batch,
	}
}

// =============================================================================
// ACCUMULATION
// =============================================================================

func TestProcessCustomAmount_TwelveThenTwentyFive(t *testing.T) {
	// GIVEN: Unit price 30, donor gives 12
	// WHEN: The donor then gives 25
	// THEN: First call accumulates (remainder 12), second combines to 37,
	//       reserves 1 cell and carries 7

	ctx := context.Background()
	m := seedGrid(10, "30")
	c := newCustom(m, "30")

	first, err := c.ProcessCustomAmount(ctx, customReq("12", "amina", "batch-1"))
	if err != nil {
		t.Fatalf("first donation failed: %v", err)
	}
	if first.Type != grid.ResultAccumulated {
		t.Errorf("expected accumulated, got %s", first.Type)
	}
	if !first.RemainderAfter.Equal(money("12")) {
		t.Errorf("expected remainder 12, got %s", first.RemainderAfter)
	}
	if free, _ := m.FreeCount(ctx); free != 10 {
		t.Errorf("no cells should be reserved yet, %d free", free)
	}

	second, err := c.ProcessCustomAmount(ctx, customReq("25", "amina", "batch-2"))
	if err != nil {
		t.Fatalf("second donation failed: %v", err)
	}
	if second.Type != grid.ResultAllocated {
		t.Errorf("expected allocated, got %s", second.Type)
	}
	if second.CellCount != 1 {
		t.Errorf("expected 1 cell, got %d", second.CellCount)
	}
	if !second.RemainderBefore.Equal(money("12")) {
		t.Errorf("expected remainder before 12, got %s", second.RemainderBefore)
	}
	if !second.RemainderAfter.Equal(money("7")) {
		t.Errorf("expected remainder after 7, got %s", second.RemainderAfter)
	}

	stored, _ := m.Remainder(ctx, "amina")
	if !stored.Equal(money("7")) {
		t.Errorf("stored remainder should be 7, got %s", stored)
	}
}

func TestProcessCustomAmount_ExactMultiple_NoRemainder(t *testing.T) {
	// GIVEN: Unit price 30
	// WHEN: Donor gives exactly 90
	// THEN: 3 cells, remainder 0

	ctx := context.Background()
	m := seedGrid(10, "30")
	c := newCustom(m, "30")

	res, err := c.ProcessCustomAmount(ctx, customReq("90", "tunde", "batch-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CellCount != 3 {
		t.Errorf("expected 3 cells, got %d", res.CellCount)
	}
	if !res.RemainderAfter.IsZero() {
		t.Errorf("expected zero remainder, got %s", res.RemainderAfter)
	}
}

func TestProcessCustomAmount_RemainderOverwritesNotAdds(t *testing.T) {
	// GIVEN: A stored remainder of 12
	// WHEN: A 25 donation converts the combined 37 into one cell
	// THEN: The stored remainder is 7, never 12+7

	ctx := context.Background()
	m := seedGrid(10, "30")
	c := newCustom(m, "30")

	if _, err := c.ProcessCustomAmount(ctx, customReq("12", "amina", "b1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessCustomAmount(ctx, customReq("25", "amina", "b2")); err != nil {
		t.Fatal(err)
	}

	stored, _ := m.Remainder(ctx, "amina")
	if !stored.Equal(money("7")) {
		t.Fatalf("remainder must be overwritten to 7, got %s", stored)
	}
}

func TestProcessCustomAmount_RemainderAlwaysBounded(t *testing.T) {
	// GIVEN: A stream of donations of varying sizes
	// WHEN: Each is processed
	// THEN: After every call, 0 <= remainder < unit price

	ctx := context.Background()
	m := seedGrid(100, "30")
	c := newCustom(m, "30")
	unit := money("30")

	for _, amount := range []string{"12", "25", "7", "90", "29.99", "0.01", "61", "13.37"} {
		res, err := c.ProcessCustomAmount(ctx, customReq(amount, "amina", "b"))
		if err != nil {
			t.Fatalf("donation %s failed: %v", amount, err)
		}
		if res.RemainderAfter.IsNegative() {
			t.Errorf("after %s: remainder %s is negative", amount, res.RemainderAfter)
		}
		if !res.RemainderAfter.LessThan(unit) {
			t.Errorf("after %s: remainder %s >= unit price", amount, res.RemainderAfter)
		}
	}
}

func TestProcessCustomAmount_SeparateDonorsSeparateBuckets(t *testing.T) {
	// GIVEN: Two donors each giving 20 against a unit price of 30
	// WHEN: Both are processed
	// THEN: Neither affords a cell; fractions never pool across donors

	ctx := context.Background()
	m := seedGrid(10, "30")
	c := newCustom(m, "30")

	if _, err := c.ProcessCustomAmount(ctx, customReq("20", "amina", "b1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessCustomAmount(ctx, customReq("20", "tunde", "b2")); err != nil {
		t.Fatal(err)
	}

	if free, _ := m.FreeCount(ctx); free != 10 {
		t.Errorf("fractions must not pool across donors, %d free", free)
	}

	a, _ := m.Remainder(ctx, "amina")
	b, _ := m.Remainder(ctx, "tunde")
	if !a.Equal(money("20")) || !b.Equal(money("20")) {
		t.Errorf("each donor holds their own 20, got %s and %s", a, b)
	}
}

func TestProcessCustomAmount_InsufficientCapacity_RemainderUntouched(t *testing.T) {
	// GIVEN: Donor holds 12, only 1 free cell
	// WHEN: A 78 donation needs 3 cells (combined 90)
	// THEN: Capacity error; the stored remainder stays 12

	ctx := context.Background()
	m := seedGrid(1, "30")
	c := newCustom(m, "30")

	if _, err := c.ProcessCustomAmount(ctx, customReq("12", "amina", "b1")); err != nil {
		t.Fatal(err)
	}

	_, err := c.ProcessCustomAmount(ctx, customReq("78", "amina", "b2"))
	if !errors.Is(err, grid.ErrInsufficientCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	stored, _ := m.Remainder(ctx, "amina")
	if !stored.Equal(money("12")) {
		t.Errorf("remainder must be untouched on failure, got %s", stored)
	}
}

func TestProcessPaymentCustomAmount_ForcesPaidLabel(t *testing.T) {
	// GIVEN: A request labeled pledged
	// WHEN: Processed through the payment path
	// THEN: Cells carry the paid label

	ctx := context.Background()
	m := seedGrid(5, "30")
	c := newCustom(m, "30")

	req := customReq("30", "grace", "batch-1")
	req.Status = grid.StatusPledged // deliberately wrong; the payment path overrides

	if _, err := c.ProcessPaymentCustomAmount(ctx, req); err != nil {
		t.Fatal(err)
	}

	cells, _ := m.CellsByBatch(ctx, "batch-1")
	if len(cells) != 1 || cells[0].StatusLabel != grid.StatusPaid {
		t.Errorf("expected one paid cell, got %+v", cells)
	}
}
