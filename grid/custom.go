/*
custom.go - Arbitrary-amount allocation with per-donor accumulation

PURPOSE:
  Bridges amounts that are NOT exact multiples of the cell price onto the
  whole-unit allocator. Each donor carries a pending fraction; every new
  donation is combined with it, the whole-unit portion becomes real cell
  reservations, and the fraction left over is written back.

ACCUMULATION EXAMPLE (unit price 30):
  Donor gives 12:      combined=12, whole=0,  remainder=12 -> "accumulated"
  Donor then gives 25: combined=37, whole=30, remainder=7  -> 1 cell reserved

REMAINDER DISCIPLINE:
  The new remainder OVERWRITES the stored one - it already folds the old
  value in. Adding instead of overwriting would double-count. After every
  call: 0 <= remainder < unit price.

CONCURRENCY:
  The remainder read-modify-write happens inside the same transaction as
  the allocation it feeds; the store serializes concurrent donations from
  the same donor.

SEE ALSO:
  - allocator.go: Receives the exact-multiple portion
  - store.go: RemainderStore contract
*/
package grid

import (
	"context"
	"fmt"
)

// CustomAmountAllocator wraps the whole-unit allocator with per-donor
// accumulation state.
type CustomAmountAllocator struct {
	Allocator  *IntelligentGridAllocator
	Remainders RemainderStore
	UnitPrice  Money
}

// CustomAmountRequest carries one amount to process.
type CustomAmountRequest struct {
	// RequestID references the originating pledge or payment, for messages.
	RequestID string
	Amount    Money
	DonorName string
	DonorKey  DonorKey
	Status    StatusLabel
	BatchID   BatchID
}

// ProcessCustomAmount folds the amount into the donor's accumulation state
// and reserves any whole cells that became affordable.
func (c *CustomAmountAllocator) ProcessCustomAmount(ctx context.Context, req CustomAmountRequest) (*AllocationResult, error) {
	if !c.UnitPrice.IsPositive() {
		return nil, &InvalidConfigurationError{
			UnitPrice: c.UnitPrice.Value,
			Detail:    "unit price must be greater than zero",
		}
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("cannot process negative amount %s for %s", req.Amount, req.DonorName)
	}

	pending, err := c.Remainders.Remainder(ctx, req.DonorKey)
	if err != nil {
		return nil, fmt.Errorf("load remainder for %s: %w", req.DonorKey, err)
	}

	combined := pending.Add(req.Amount)
	units, newRemainder := combined.WholeUnits(c.UnitPrice)
	wholeAmount := c.UnitPrice.MulInt(units)

	if units == 0 {
		// Nothing affordable yet; hold the combined amount toward the next cell.
		if err := c.Remainders.SetRemainder(ctx, req.DonorKey, combined, req.Status); err != nil {
			return nil, fmt.Errorf("persist remainder for %s: %w", req.DonorKey, err)
		}
		return &AllocationResult{
			Type: ResultAccumulated,
			Message: fmt.Sprintf("%s accumulated for %s: %s held toward the next cell (unit price %s)",
				req.Amount, req.DonorName, combined, c.UnitPrice),
			RemainderBefore: pending,
			RemainderAfter:  combined,
		}, nil
	}

	res, err := c.Allocator.AllocateWholeUnits(ctx, wholeAmount, req.DonorName, req.Status, req.BatchID)
	if err != nil {
		return nil, err
	}

	// Overwrite, not add: the old remainder is already inside combined.
	if err := c.Remainders.SetRemainder(ctx, req.DonorKey, newRemainder, req.Status); err != nil {
		return nil, fmt.Errorf("persist remainder for %s: %w", req.DonorKey, err)
	}

	res.RemainderBefore = pending
	res.RemainderAfter = newRemainder
	res.Message = fmt.Sprintf("allocated %d cell(s) (%s) for %s, %s carried toward the next cell",
		res.CellCount, wholeAmount, req.DonorName, newRemainder)
	return res, nil
}

// ProcessPaymentCustomAmount is the same algorithm with the paid status
// label, used for immediate payments. Paid and pledged allocations differ
// visually on the floor grid but draw from the same inventory.
func (c *CustomAmountAllocator) ProcessPaymentCustomAmount(ctx context.Context, req CustomAmountRequest) (*AllocationResult, error) {
	req.Status = StatusPaid
	return c.ProcessCustomAmount(ctx, req)
}
