/*
allocator.go - Whole-unit allocation onto the cell inventory

PURPOSE:
  Converts an amount that is an exact multiple of the cell unit price into
  a reservation of that many cells. The placement policy (lowest position
  first) lives in the CellStore; this layer owns the money-to-cells
  arithmetic and the fail-whole-operation policy.

POLICY:
  A single approval is never partially satisfied. If the grid cannot seat
  every cell the amount buys, the allocator returns the capacity error and
  reserves nothing - the enclosing transaction rolls back in full.

SEE ALSO:
  - custom.go: Extracts remainders so this precondition always holds
  - store.go: CellStore.Reserve contract
*/
package grid

import (
	"context"
	"fmt"
)

// IntelligentGridAllocator reserves whole cells for exact-multiple amounts.
type IntelligentGridAllocator struct {
	Cells     CellStore
	UnitPrice Money
}

// AllocateWholeUnits reserves amount/unitPrice cells for the donor under
// the given batch.
//
// PRECONDITION: amount is an exact multiple of the unit price. The custom
// amount allocator guarantees this by extracting the remainder first; a
// misaligned amount here is a bug and is surfaced, not floored away.
func (a *IntelligentGridAllocator) AllocateWholeUnits(
	ctx context.Context,
	amount Money,
	donorName string,
	status StatusLabel,
	batchID BatchID,
) (*AllocationResult, error) {
	if !a.UnitPrice.IsPositive() {
		return nil, &InvalidConfigurationError{
			UnitPrice: a.UnitPrice.Value,
			Detail:    "unit price must be greater than zero",
		}
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("cannot allocate negative amount %s", amount)
	}

	n, rem := amount.WholeUnits(a.UnitPrice)
	if !rem.IsZero() {
		return nil, fmt.Errorf("amount %s is not a whole multiple of unit price %s: %w",
			amount, a.UnitPrice, ErrInvalidConfiguration)
	}
	if n == 0 {
		return &AllocationResult{Type: ResultAllocated, Message: "nothing to allocate"}, nil
	}

	res, err := a.Cells.Reserve(ctx, int(n), donorName, status, batchID)
	if err != nil {
		return nil, err
	}

	return &AllocationResult{
		Type:        ResultAllocated,
		Message:     fmt.Sprintf("reserved %d cell(s), %s sqm, for %s", res.Count, res.Area, donorName),
		CellIDs:     res.CellIDs,
		CellCount:   res.Count,
		Area:        res.Area,
		WholeAmount: amount,
	}, nil
}
