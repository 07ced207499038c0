/*
store.go - Persistence interfaces for the allocation engine

PURPOSE:
  Defines the interface between the engine and the database. Every
  component mutates state only through these interfaces, and only through
  the transactional view handed to it by TxStore.WithTx - nothing in the
  engine commits on its own.

KEY INTERFACES:
  CellStore:      The fixed cell inventory (reserve/release/reassign)
  BatchStore:     Allocation batch records
  RemainderStore: Per-donor accumulation state
  CounterStore:   The singleton totals row (atomic upsert)
  PledgeStore / PaymentStore / DonorStore:
                  Collaborator records read and updated during approval
  Store:          All of the above, as one transactional surface
  TxStore:        Store plus WithTx for all-or-nothing execution

TRANSACTIONAL CONTRACT:
  WithTx(ctx, fn) passes fn a Store view whose writes commit iff fn
  returns nil. An approval updates grid, ledger, batch and remainder
  through that one view; any error rolls all four back together.

ATOMIC COUNTER UPSERT:
  ApplyDelta must be implemented as a single atomic statement (insert or
  add-in-place), never a separate read-modify-write, so concurrent
  approvals cannot lose updates even without locking the row.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - grid/store:   In-memory for tests and dev

SEE ALSO:
  - batch.go: The tracker built on BatchStore and CellStore
  - custom.go: The accumulation bridge built on RemainderStore
*/
package grid

import "context"

// =============================================================================
// CELL STORE - Fixed inventory of allocatable cells
// =============================================================================

// CellStore owns the cell inventory. All mutations happen inside the
// caller's transaction.
type CellStore interface {
	// Reserve atomically selects n free cells (lowest position first),
	// marks them reserved for the donor and batch, and returns the ids and
	// total area. Fails with InsufficientCapacityError when fewer than n
	// free cells exist; no partial reservation is made.
	Reserve(ctx context.Context, n int, donorName string, status StatusLabel, batchID BatchID) (Reservation, error)

	// Release marks cells free and clears owner and batch.
	// Idempotent: already-free cells are skipped without error.
	Release(ctx context.Context, cellIDs []CellID) error

	// Reassign moves reserved cells to a new batch, donor and status label
	// without changing area. Used when a pledge is upgraded to paid.
	Reassign(ctx context.Context, cellIDs []CellID, newBatchID BatchID, newDonorName string, newStatus StatusLabel) error

	// Cells returns the whole inventory in position order.
	Cells(ctx context.Context) ([]GridCell, error)

	// CellsByBatch returns the cells a batch currently owns.
	CellsByBatch(ctx context.Context, batchID BatchID) ([]GridCell, error)

	// FreeCount returns how many cells are currently free.
	FreeCount(ctx context.Context) (int, error)
}

// =============================================================================
// BATCH STORE - Allocation batch records
// =============================================================================

type BatchStore interface {
	InsertBatch(ctx context.Context, b AllocationBatch) error

	// Batch returns ErrBatchNotFound when the id is unknown.
	Batch(ctx context.Context, id BatchID) (*AllocationBatch, error)

	// BatchByRequest finds the batch created for an originating request,
	// matching pledgeID against original_pledge_id or new_pledge_id and
	// paymentID against new_payment_id. Returns (nil, nil) when no batch
	// exists. This is the idempotent-retry lookup.
	BatchByRequest(ctx context.Context, pledgeID PledgeID, paymentID PaymentID) (*AllocationBatch, error)

	UpdateBatch(ctx context.Context, b AllocationBatch) error

	ListBatches(ctx context.Context) ([]AllocationBatch, error)
}

// =============================================================================
// REMAINDER STORE - Per-donor accumulation state
// =============================================================================

type RemainderStore interface {
	// Remainder returns the donor's pending fraction, zero if none exists.
	// Implementations must serialize concurrent read-modify-write for the
	// same donor within the enclosing transaction.
	Remainder(ctx context.Context, key DonorKey) (Money, error)

	// SetRemainder overwrites (not adds to) the donor's pending fraction.
	SetRemainder(ctx context.Context, key DonorKey, amount Money, status StatusLabel) error

	ListRemainders(ctx context.Context) ([]DonorRemainder, error)
}

// =============================================================================
// COUNTER STORE - Singleton totals row
// =============================================================================

type CounterStore interface {
	// ApplyDelta atomically upserts the totals row: insert with the deltas
	// on first use, otherwise add them in place, maintaining
	// grand = paid + pledged inside the same statement and incrementing
	// the version. Deltas may be negative.
	ApplyDelta(ctx context.Context, deltaPaid, deltaPledged Money) (CounterTotals, error)

	// Totals returns the current row; zero totals when none exists yet.
	Totals(ctx context.Context) (CounterTotals, error)
}

// =============================================================================
// COLLABORATOR RECORD STORES
// =============================================================================

type PledgeStore interface {
	InsertPledge(ctx context.Context, p Pledge) error

	// PledgeForUpdate loads a pledge with a row lock inside the current
	// transaction; returns ErrPledgeNotFound when missing.
	PledgeForUpdate(ctx context.Context, id PledgeID) (*Pledge, error)

	UpdatePledge(ctx context.Context, p Pledge) error

	// DeletePledge removes a superseded update-request row after its amount
	// has been merged into the original. The only delete in the system.
	DeletePledge(ctx context.Context, id PledgeID) error

	ListPledges(ctx context.Context) ([]Pledge, error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error

	// PaymentForUpdate loads a payment with a row lock inside the current
	// transaction; returns ErrPaymentNotFound when missing.
	PaymentForUpdate(ctx context.Context, id PaymentID) (*Payment, error)

	UpdatePayment(ctx context.Context, p Payment) error

	ListPayments(ctx context.Context) ([]Payment, error)
}

type DonorStore interface {
	// DonorByKey returns (nil, nil) when no donor record exists yet.
	DonorByKey(ctx context.Context, key DonorKey) (*Donor, error)

	UpsertDonor(ctx context.Context, d Donor) error
}

// =============================================================================
// COMBINED SURFACES
// =============================================================================

// Store is the full persistence surface one approval transaction sees.
type Store interface {
	CellStore
	BatchStore
	RemainderStore
	CounterStore
	PledgeStore
	PaymentStore
	DonorStore
}

// TxStore adds all-or-nothing execution.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, every write through the passed Store is
	// rolled back; otherwise all are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Best-effort, append-only
// =============================================================================

// AuditLog stores audit entries. Record failures are logged by callers
// and never propagate into the financial transaction.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
	Entries(ctx context.Context, entityID string) ([]AuditEntry, error)
}
