// Package store provides in-memory grid.Store implementations for tests
// and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/grid-engine/grid"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements grid.TxStore. WithTx is simulated with a deep snapshot
// restored on error, mirroring a database rollback.
type Memory struct {
	mu sync.RWMutex

	cells      map[grid.CellID]*grid.GridCell
	cellOrder  []grid.CellID // position order
	batches    map[grid.BatchID]*grid.AllocationBatch
	remainders map[grid.DonorKey]*grid.DonorRemainder
	counters   *grid.CounterTotals
	pledges    map[grid.PledgeID]*grid.Pledge
	payments   map[grid.PaymentID]*grid.Payment
	donors     map[grid.DonorKey]*grid.Donor
}

func NewMemory() *Memory {
	return &Memory{
		cells:      make(map[grid.CellID]*grid.GridCell),
		batches:    make(map[grid.BatchID]*grid.AllocationBatch),
		remainders: make(map[grid.DonorKey]*grid.DonorRemainder),
		pledges:    make(map[grid.PledgeID]*grid.Pledge),
		payments:   make(map[grid.PaymentID]*grid.Payment),
		donors:     make(map[grid.DonorKey]*grid.Donor),
	}
}

// SeedCells installs the fixed inventory. Called once at setup.
func (m *Memory) SeedCells(cells []grid.GridCell) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range cells {
		c := cells[i]
		m.cells[c.ID] = &c
		m.cellOrder = append(m.cellOrder, c.ID)
	}
	sort.Slice(m.cellOrder, func(i, j int) bool {
		return m.cells[m.cellOrder[i]].Position < m.cells[m.cellOrder[j]].Position
	})
}

// =============================================================================
// CELL STORE
// =============================================================================

func (m *Memory) Reserve(_ context.Context, n int, donorName string, status grid.StatusLabel, batchID grid.BatchID) (grid.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(n, donorName, status, batchID)
}

func (m *Memory) reserveLocked(n int, donorName string, status grid.StatusLabel, batchID grid.BatchID) (grid.Reservation, error) {
	var free []*grid.GridCell
	for _, id := range m.cellOrder {
		if c := m.cells[id]; c.State == grid.CellFree {
			free = append(free, c)
			if len(free) == n {
				break
			}
		}
	}
	if len(free) < n {
		available := 0
		for _, id := range m.cellOrder {
			if m.cells[id].State == grid.CellFree {
				available++
			}
		}
		return grid.Reservation{}, &grid.InsufficientCapacityError{Requested: n, Available: available}
	}

	now := time.Now().UTC()
	res := grid.Reservation{Count: n, Area: decimal.Zero}
	for _, c := range free {
		c.State = grid.CellReserved
		c.DonorName = donorName
		c.StatusLabel = status
		c.OwningBatchID = batchID
		at := now
		c.AllocatedAt = &at
		res.CellIDs = append(res.CellIDs, c.ID)
		res.Area = res.Area.Add(c.AreaPerUnit)
	}
	return res, nil
}

func (m *Memory) Release(_ context.Context, cellIDs []grid.CellID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range cellIDs {
		c, ok := m.cells[id]
		if !ok || c.State == grid.CellFree {
			continue // idempotent
		}
		c.State = grid.CellFree
		c.DonorName = ""
		c.StatusLabel = ""
		c.OwningBatchID = ""
		c.AllocatedAt = nil
	}
	return nil
}

func (m *Memory) Reassign(_ context.Context, cellIDs []grid.CellID, newBatchID grid.BatchID, newDonorName string, newStatus grid.StatusLabel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range cellIDs {
		c, ok := m.cells[id]
		if !ok || c.State != grid.CellReserved {
			continue
		}
		c.OwningBatchID = newBatchID
		c.DonorName = newDonorName
		c.StatusLabel = newStatus
	}
	return nil
}

func (m *Memory) Cells(_ context.Context) ([]grid.GridCell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]grid.GridCell, 0, len(m.cellOrder))
	for _, id := range m.cellOrder {
		out = append(out, *m.cells[id])
	}
	return out, nil
}

func (m *Memory) CellsByBatch(_ context.Context, batchID grid.BatchID) ([]grid.GridCell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []grid.GridCell
	for _, id := range m.cellOrder {
		if c := m.cells[id]; c.OwningBatchID == batchID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *Memory) FreeCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.cells {
		if c.State == grid.CellFree {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// BATCH STORE
// =============================================================================

func (m *Memory) InsertBatch(_ context.Context, b grid.AllocationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := b
	m.batches[b.ID] = &cp
	return nil
}

func (m *Memory) Batch(_ context.Context, id grid.BatchID) (*grid.AllocationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, grid.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) BatchByRequest(_ context.Context, pledgeID grid.PledgeID, paymentID grid.PaymentID) (*grid.AllocationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// A pledge can anchor several batches (its own plus later increase
	// batches); the earliest-created one is the canonical match.
	var matches []*grid.AllocationBatch
	for _, b := range m.batches {
		if pledgeID != "" && (b.OriginalPledgeID == pledgeID || b.NewPledgeID == pledgeID) {
			matches = append(matches, b)
			continue
		}
		if paymentID != "" && b.NewPaymentID == paymentID {
			matches = append(matches, b)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	cp := *matches[0]
	return &cp, nil
}

func (m *Memory) UpdateBatch(_ context.Context, b grid.AllocationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.ID]; !ok {
		return grid.ErrBatchNotFound
	}
	cp := b
	m.batches[b.ID] = &cp
	return nil
}

func (m *Memory) ListBatches(_ context.Context) ([]grid.AllocationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]grid.AllocationBatch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// REMAINDER STORE
// =============================================================================

func (m *Memory) Remainder(_ context.Context, key grid.DonorKey) (grid.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.remainders[key]; ok {
		return r.PendingFraction, nil
	}
	return grid.ZeroMoney(), nil
}

func (m *Memory) SetRemainder(_ context.Context, key grid.DonorKey, amount grid.Money, status grid.StatusLabel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remainders[key] = &grid.DonorRemainder{
		DonorKey:        key,
		PendingFraction: amount,
		StatusLabel:     status,
		UpdatedAt:       time.Now().UTC(),
	}
	return nil
}

func (m *Memory) ListRemainders(_ context.Context) ([]grid.DonorRemainder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]grid.DonorRemainder, 0, len(m.remainders))
	for _, r := range m.remainders {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DonorKey < out[j].DonorKey })
	return out, nil
}

// =============================================================================
// COUNTER STORE
// =============================================================================

func (m *Memory) ApplyDelta(_ context.Context, deltaPaid, deltaPledged grid.Money) (grid.CounterTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters == nil {
		m.counters = &grid.CounterTotals{
			PaidTotal:    deltaPaid,
			PledgedTotal: deltaPledged,
			GrandTotal:   deltaPaid.Add(deltaPledged),
			Version:      1,
		}
		return *m.counters, nil
	}

	m.counters.PaidTotal = m.counters.PaidTotal.Add(deltaPaid)
	m.counters.PledgedTotal = m.counters.PledgedTotal.Add(deltaPledged)
	m.counters.GrandTotal = m.counters.PaidTotal.Add(m.counters.PledgedTotal)
	m.counters.Version++
	return *m.counters, nil
}

func (m *Memory) Totals(_ context.Context) (grid.CounterTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.counters == nil {
		return grid.CounterTotals{
			PaidTotal:    grid.ZeroMoney(),
			PledgedTotal: grid.ZeroMoney(),
			GrandTotal:   grid.ZeroMoney(),
		}, nil
	}
	return *m.counters, nil
}

// =============================================================================
// PLEDGE / PAYMENT / DONOR STORES
// =============================================================================

func (m *Memory) InsertPledge(_ context.Context, p grid.Pledge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := p
	m.pledges[p.ID] = &cp
	return nil
}

func (m *Memory) PledgeForUpdate(_ context.Context, id grid.PledgeID) (*grid.Pledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pledges[id]
	if !ok {
		return nil, grid.ErrPledgeNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpdatePledge(_ context.Context, p grid.Pledge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pledges[p.ID]; !ok {
		return grid.ErrPledgeNotFound
	}
	cp := p
	m.pledges[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePledge(_ context.Context, id grid.PledgeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pledges, id)
	return nil
}

func (m *Memory) ListPledges(_ context.Context) ([]grid.Pledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]grid.Pledge, 0, len(m.pledges))
	for _, p := range m.pledges {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertPayment(_ context.Context, p grid.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := p
	m.payments[p.ID] = &cp
	return nil
}

func (m *Memory) PaymentForUpdate(_ context.Context, id grid.PaymentID) (*grid.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, grid.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpdatePayment(_ context.Context, p grid.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return grid.ErrPaymentNotFound
	}
	cp := p
	m.payments[p.ID] = &cp
	return nil
}

func (m *Memory) ListPayments(_ context.Context) ([]grid.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]grid.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DonorByKey(_ context.Context, key grid.DonorKey) (*grid.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.donors[key]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) UpsertDonor(_ context.Context, d grid.Donor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := d
	m.donors[grid.DonorKeyFor(d.Phone, d.ID)] = &cp
	return nil
}

// =============================================================================
// TRANSACTIONS - Snapshot and restore
// =============================================================================

// WithTx executes fn against the store. On error the pre-transaction
// snapshot is restored, simulating a database rollback.
//
// The snapshot is taken without holding the lock across fn, so concurrent
// use during a transaction is not serialized the way a database would;
// tests drive one transaction at a time.
func (m *Memory) WithTx(_ context.Context, fn func(grid.Store) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	cells      map[grid.CellID]*grid.GridCell
	batches    map[grid.BatchID]*grid.AllocationBatch
	remainders map[grid.DonorKey]*grid.DonorRemainder
	counters   *grid.CounterTotals
	pledges    map[grid.PledgeID]*grid.Pledge
	payments   map[grid.PaymentID]*grid.Payment
	donors     map[grid.DonorKey]*grid.Donor
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := memorySnapshot{
		cells:      make(map[grid.CellID]*grid.GridCell, len(m.cells)),
		batches:    make(map[grid.BatchID]*grid.AllocationBatch, len(m.batches)),
		remainders: make(map[grid.DonorKey]*grid.DonorRemainder, len(m.remainders)),
		pledges:    make(map[grid.PledgeID]*grid.Pledge, len(m.pledges)),
		payments:   make(map[grid.PaymentID]*grid.Payment, len(m.payments)),
		donors:     make(map[grid.DonorKey]*grid.Donor, len(m.donors)),
	}
	for k, v := range m.cells {
		cp := *v
		s.cells[k] = &cp
	}
	for k, v := range m.batches {
		cp := *v
		s.batches[k] = &cp
	}
	for k, v := range m.remainders {
		cp := *v
		s.remainders[k] = &cp
	}
	if m.counters != nil {
		cp := *m.counters
		s.counters = &cp
	}
	for k, v := range m.pledges {
		cp := *v
		s.pledges[k] = &cp
	}
	for k, v := range m.payments {
		cp := *v
		s.payments[k] = &cp
	}
	for k, v := range m.donors {
		cp := *v
		s.donors[k] = &cp
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cells = s.cells
	m.batches = s.batches
	m.remainders = s.remainders
	m.counters = s.counters
	m.pledges = s.pledges
	m.payments = s.payments
	m.donors = s.donors
}

// =============================================================================
// AUDIT LOG - In-memory, append-only
// =============================================================================

// MemoryAudit implements grid.AuditLog for tests.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []grid.AuditEntry

	// FailNext makes the next Record call fail, for degraded-mode tests.
	FailNext bool
}

func NewMemoryAudit() *MemoryAudit { return &MemoryAudit{} }

func (a *MemoryAudit) Record(_ context.Context, entry grid.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.FailNext {
		a.FailNext = false
		return context.DeadlineExceeded
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *MemoryAudit) Entries(_ context.Context, entityID string) ([]grid.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []grid.AuditEntry
	for _, e := range a.entries {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
