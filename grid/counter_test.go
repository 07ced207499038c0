package grid_test

import (
	"context"
	"testing"

	"github.com/warp/grid-engine/grid"
	"github.com/warp/grid-engine/grid/store"
)

// =============================================================================
// COUNTER LEDGER
// =============================================================================

func TestCounterLedger_FirstDelta_CreatesRow(t *testing.T) {
	// GIVEN: No totals row yet
	// WHEN: Applying the first delta
	// THEN: The row is created with the deltas and version 1

	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	totals, err := ledger.ApplyDelta(ctx, money("100"), money("50"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !totals.PaidTotal.Equal(money("100")) {
		t.Errorf("expected paid 100, got %s", totals.PaidTotal)
	}
	if !totals.PledgedTotal.Equal(money("50")) {
		t.Errorf("expected pledged 50, got %s", totals.PledgedTotal)
	}
	if !totals.GrandTotal.Equal(money("150")) {
		t.Errorf("expected grand 150, got %s", totals.GrandTotal)
	}
	if totals.Version != 1 {
		t.Errorf("expected version 1, got %d", totals.Version)
	}
}

func TestCounterLedger_DeltasAccumulate(t *testing.T) {
	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	if _, err := ledger.ApplyDelta(ctx, money("100"), money("0")); err != nil {
		t.Fatal(err)
	}
	totals, err := ledger.ApplyDelta(ctx, money("0"), money("512.50"))
	if err != nil {
		t.Fatal(err)
	}

	if !totals.PaidTotal.Equal(money("100")) || !totals.PledgedTotal.Equal(money("512.50")) {
		t.Errorf("unexpected totals %+v", totals)
	}
	if !totals.GrandTotal.Equal(money("612.50")) {
		t.Errorf("expected grand 612.50, got %s", totals.GrandTotal)
	}
}

func TestCounterLedger_VersionStrictlyIncreases(t *testing.T) {
	// GIVEN: A sequence of mutations, including no-op deltas
	// WHEN: Each is applied
	// THEN: Version goes up every time

	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	var last int64
	for i := 0; i < 5; i++ {
		totals, err := ledger.ApplyDelta(ctx, money("0"), money("10"))
		if err != nil {
			t.Fatal(err)
		}
		if totals.Version <= last {
			t.Fatalf("version must strictly increase: %d after %d", totals.Version, last)
		}
		last = totals.Version
	}
}

func TestCounterLedger_NegativeDelta_Reverses(t *testing.T) {
	// GIVEN: Pledged total of 90
	// WHEN: Applying (0, -90) - e.g. a rejected approval being unwound
	// THEN: Totals return to zero; grand stays consistent

	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	if _, err := ledger.ApplyDelta(ctx, money("0"), money("90")); err != nil {
		t.Fatal(err)
	}
	totals, err := ledger.ApplyDelta(ctx, money("0"), money("-90"))
	if err != nil {
		t.Fatal(err)
	}

	if !totals.PledgedTotal.IsZero() || !totals.GrandTotal.IsZero() {
		t.Errorf("expected zero totals after reversal, got %+v", totals)
	}
	if totals.Version != 2 {
		t.Errorf("reversal still bumps version, got %d", totals.Version)
	}
}

func TestCounterLedger_SettlementShiftsPledgedToPaid(t *testing.T) {
	// GIVEN: A pledged total of 2000
	// WHEN: A settlement applies (2000, -2000)
	// THEN: Paid rises, pledged falls, grand unchanged

	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	if _, err := ledger.ApplyDelta(ctx, money("0"), money("2000")); err != nil {
		t.Fatal(err)
	}
	totals, err := ledger.ApplyDelta(ctx, money("2000"), money("-2000"))
	if err != nil {
		t.Fatal(err)
	}

	if !totals.PaidTotal.Equal(money("2000")) || !totals.PledgedTotal.IsZero() {
		t.Errorf("expected full shift to paid, got %+v", totals)
	}
	if !totals.GrandTotal.Equal(money("2000")) {
		t.Errorf("grand must not change on settlement, got %s", totals.GrandTotal)
	}
}

func TestCounterLedger_TotalsBeforeFirstDelta_Zero(t *testing.T) {
	ctx := context.Background()
	ledger := grid.NewCounterLedger(store.NewMemory())

	totals, err := ledger.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !totals.GrandTotal.IsZero() || totals.Version != 0 {
		t.Errorf("expected zero totals, got %+v", totals)
	}
}
