/*
counter.go - The running totals ledger

PURPOSE:
  Thin component over CounterStore guarding the singleton aggregate of
  paid, pledged and grand totals. The store performs the actual upsert as
  one atomic statement; this layer validates the conservation invariant
  after every mutation so a broken implementation fails loudly.

NEGATIVE DELTAS:
  Accepted by contract (voiding a previously approved payment). The
  standard rejection path only reverses deltas applied earlier in the same
  logical flow, so negative deltas are a documented capability, not an
  exercised workflow.
*/
package grid

import (
	"context"
	"fmt"
)

// CounterLedger maintains the global running totals.
type CounterLedger struct {
	Counters CounterStore
}

func NewCounterLedger(store CounterStore) *CounterLedger {
	return &CounterLedger{Counters: store}
}

// ApplyDelta adds the deltas to the totals row (creating it on first use)
// and returns the committed totals.
func (l *CounterLedger) ApplyDelta(ctx context.Context, deltaPaid, deltaPledged Money) (CounterTotals, error) {
	totals, err := l.Counters.ApplyDelta(ctx, deltaPaid, deltaPledged)
	if err != nil {
		return CounterTotals{}, err
	}
	if !totals.GrandTotal.Equal(totals.PaidTotal.Add(totals.PledgedTotal)) {
		return CounterTotals{}, fmt.Errorf(
			"counter invariant violated: grand %s != paid %s + pledged %s",
			totals.GrandTotal, totals.PaidTotal, totals.PledgedTotal)
	}
	return totals, nil
}

// Totals returns the current row, zero-valued when nothing has been
// counted yet.
func (l *CounterLedger) Totals(ctx context.Context) (CounterTotals, error) {
	return l.Counters.Totals(ctx)
}
