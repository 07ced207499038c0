package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/grid-engine/grid"
	"github.com/warp/grid-engine/grid/store"
)

func seeded(n int) *store.Memory {
	m := store.NewMemory()
	price := grid.MustParseMoney("30")
	area := decimal.RequireFromString("0.09")
	cells := make([]grid.GridCell, n)
	for i := range cells {
		id := grid.CellID(string(rune('a' + i)))
		cells[i] = grid.GridCell{
			ID: id, Label: string(id), Position: i,
			UnitPrice: price, AreaPerUnit: area, State: grid.CellFree,
		}
	}
	m.SeedCells(cells)
	return m
}

// =============================================================================
// TRANSACTIONAL SEMANTICS
// =============================================================================

func TestWithTx_ErrorRollsBackEverything(t *testing.T) {
	// GIVEN: A transaction that reserves cells, bumps counters and writes a
	//        remainder, then fails
	// WHEN: WithTx returns the error
	// THEN: Every store is back to its pre-transaction state

	ctx := context.Background()
	m := seeded(5)
	boom := errors.New("downstream failure")

	err := m.WithTx(ctx, func(st grid.Store) error {
		if _, err := st.Reserve(ctx, 2, "Amina", grid.StatusPledged, "batch-1"); err != nil {
			return err
		}
		if _, err := st.ApplyDelta(ctx, grid.ZeroMoney(), grid.MustParseMoney("60")); err != nil {
			return err
		}
		if err := st.SetRemainder(ctx, "amina", grid.MustParseMoney("7"), grid.StatusPledged); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the inner error, got %v", err)
	}

	if free, _ := m.FreeCount(ctx); free != 5 {
		t.Errorf("cells must be rolled back, %d free", free)
	}
	totals, _ := m.Totals(ctx)
	if !totals.GrandTotal.IsZero() || totals.Version != 0 {
		t.Errorf("counters must be rolled back, got %+v", totals)
	}
	rem, _ := m.Remainder(ctx, "amina")
	if !rem.IsZero() {
		t.Errorf("remainder must be rolled back, got %s", rem)
	}
}

func TestWithTx_SuccessCommitsEverything(t *testing.T) {
	ctx := context.Background()
	m := seeded(5)

	err := m.WithTx(ctx, func(st grid.Store) error {
		if _, err := st.Reserve(ctx, 2, "Amina", grid.StatusPledged, "batch-1"); err != nil {
			return err
		}
		_, err := st.ApplyDelta(ctx, grid.ZeroMoney(), grid.MustParseMoney("60"))
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if free, _ := m.FreeCount(ctx); free != 3 {
		t.Errorf("expected 3 free after commit, got %d", free)
	}
	totals, _ := m.Totals(ctx)
	if !totals.PledgedTotal.Equal(grid.MustParseMoney("60")) {
		t.Errorf("expected committed pledged 60, got %s", totals.PledgedTotal)
	}
}

// =============================================================================
// CELL OPERATIONS
// =============================================================================

func TestReserve_InsufficientCells(t *testing.T) {
	ctx := context.Background()
	m := seeded(2)

	_, err := m.Reserve(ctx, 3, "Amina", grid.StatusPledged, "batch-1")
	if !errors.Is(err, grid.ErrInsufficientCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if free, _ := m.FreeCount(ctx); free != 2 {
		t.Errorf("partial reservation is forbidden, %d free", free)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := seeded(3)

	res, err := m.Reserve(ctx, 2, "Amina", grid.StatusPledged, "batch-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Release(ctx, res.CellIDs); err != nil {
		t.Fatal(err)
	}
	// Second release of already-free cells must not error.
	if err := m.Release(ctx, res.CellIDs); err != nil {
		t.Fatalf("release must be idempotent, got %v", err)
	}
	if free, _ := m.FreeCount(ctx); free != 3 {
		t.Errorf("expected everything free, got %d", free)
	}
}

func TestReassign_KeepsCellsReserved(t *testing.T) {
	// GIVEN: Cells reserved under a pledge batch
	// WHEN: Reassigned to paid under the same batch
	// THEN: Still reserved, relabeled, same positions

	ctx := context.Background()
	m := seeded(3)

	res, err := m.Reserve(ctx, 2, "Grace", grid.StatusPledged, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Reassign(ctx, res.CellIDs, "batch-1", "Grace", grid.StatusPaid); err != nil {
		t.Fatal(err)
	}

	cells, _ := m.CellsByBatch(ctx, "batch-1")
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells on the batch, got %d", len(cells))
	}
	for _, c := range cells {
		if c.State != grid.CellReserved || c.StatusLabel != grid.StatusPaid {
			t.Errorf("cell %s should be reserved+paid, got %s/%s", c.ID, c.State, c.StatusLabel)
		}
	}
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestMemoryAudit_FailNextFailsOnce(t *testing.T) {
	ctx := context.Background()
	audit := store.NewMemoryAudit()
	audit.FailNext = true

	if err := audit.Record(ctx, grid.AuditEntry{ID: "a1"}); err == nil {
		t.Fatal("expected the primed failure")
	}
	if err := audit.Record(ctx, grid.AuditEntry{ID: "a2"}); err != nil {
		t.Fatalf("second record should succeed, got %v", err)
	}

	entries, _ := audit.Entries(ctx, "")
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

// =============================================================================
// BATCH LOOKUP
// =============================================================================

func TestBatchByRequest_EarliestBatchWins(t *testing.T) {
	// GIVEN: A pledge anchoring two batches (its own, plus a later
	//        increase batch referencing it as original)
	// WHEN: Looked up by the pledge id
	// THEN: The earliest-created batch is returned, regardless of map
	//       iteration order

	ctx := context.Background()
	m := store.NewMemory()

	base := time.Date(2026, time.April, 1, 10, 0, 0, 0, time.UTC)
	if err := m.InsertBatch(ctx, grid.AllocationBatch{
		ID:               "batch-increase",
		Type:             grid.BatchPledgeUpdate,
		ApprovalStatus:   grid.ApprovalPending,
		OriginalPledgeID: "pledge-1",
		CreatedAt:        base.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertBatch(ctx, grid.AllocationBatch{
		ID:             "batch-original",
		Type:           grid.BatchNewPledge,
		ApprovalStatus: grid.ApprovalPending,
		NewPledgeID:    "pledge-1",
		CreatedAt:      base,
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		got, err := m.BatchByRequest(ctx, "pledge-1", "")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != "batch-original" {
			t.Fatalf("lookup must return the earliest batch, got %+v", got)
		}
	}
}
