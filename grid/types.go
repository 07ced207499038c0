/*
Package grid provides the core donation-to-floor-grid allocation engine.

PURPOSE:
  This package contains the types and algorithms that convert approved
  monetary donations into reservations of discrete cells on a fundraising
  floor plan. It handles amounts that do not align to a cell's price
  (per-donor accumulation), tracks every allocation as a reversible batch,
  and maintains the global paid/pledged counters.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A monetary amount backed by decimal.Decimal (never float)
  - GridCell: One priced, reservable unit of the floor plan
  - AllocationBatch: The reversible record of one allocation decision
  - DonorRemainder: Sub-cell money held against a donor
  - CounterTotals: The singleton paid/pledged/grand aggregate

DESIGN PRINCIPLES:
  1. Precision: All money arithmetic uses decimal.Decimal
  2. Reversibility: Approve and reject are exact inverses on the grid
  3. Type Safety: Closed enums for states, typed IDs for cells and batches
  4. Transactionality: Components mutate only through the caller's
     transactional store view; nothing commits on its own

USAGE:
  unit := grid.MustParseMoney("30")
  alloc := &grid.IntelligentGridAllocator{Cells: store, UnitPrice: unit}
  custom := &grid.CustomAmountAllocator{Allocator: alloc, Remainders: store, UnitPrice: unit}
  res, err := custom.ProcessCustomAmount(ctx, req)

SEE ALSO:
  - allocator.go: Whole-unit allocation onto the cell inventory
  - custom.go: Arbitrary-amount accumulation bridge
  - batch.go: Batch lifecycle (pending -> approved/rejected)
  - counter.go: The running totals ledger
  - store.go: Persistence interfaces
*/
package grid

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point monetary amount
// =============================================================================

// Money is a monetary amount in the campaign's single currency.
// Backed by decimal.Decimal so repeated accumulation never drifts.
type Money struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// NewMoneyFromPence converts integer minor units, the storage
// representation, back to Money. Amounts enter the system only through
// ParseMoney or this function - never through floats.
func NewMoneyFromPence(pence int64) Money { return Money{Value: decimal.NewFromInt(pence).Div(hundred)} }

// ParseMoney parses a decimal string. Amounts are limited to two decimal
// places (whole pence); anything finer is a caller bug.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	if d.Exponent() < -2 {
		return Money{}, fmt.Errorf("invalid money amount %q: sub-pence precision", s)
	}
	return Money{Value: d}, nil
}

func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money      { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money      { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money             { return Money{Value: m.Value.Neg()} }
func (m Money) MulInt(n int64) Money   { return Money{Value: m.Value.Mul(decimal.NewFromInt(n))} }
func (m Money) IsZero() bool           { return m.Value.IsZero() }
func (m Money) IsNegative() bool       { return m.Value.IsNegative() }
func (m Money) IsPositive() bool       { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool     { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool  { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }

// WholeUnits returns how many whole units of the given price fit in m,
// and the money left over. Exact integer division, no rounding.
func (m Money) WholeUnits(unitPrice Money) (int64, Money) {
	q, r := m.Value.QuoRem(unitPrice.Value, 0)
	return q.IntPart(), Money{Value: r}
}

// Pence returns the amount in integer minor units. Amounts are validated
// to whole pence at the boundary, so this is exact.
func (m Money) Pence() int64 {
	return m.Value.Mul(hundred).IntPart()
}

func (m Money) String() string { return m.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CellID string
type BatchID string
type PledgeID string
type PaymentID string
type DonorID string

// DonorKey identifies the accumulation bucket for a donor.
type DonorKey string

// DonorKeyFor derives the accumulation key: phone when present, else the
// donor id. One bucket per human across pledges and payments.
func DonorKeyFor(phone string, donorID DonorID) DonorKey {
	if phone != "" {
		return DonorKey(phone)
	}
	return DonorKey(donorID)
}

// =============================================================================
// ENUMERATIONS
// =============================================================================

// CellState is the reservation state of a grid cell.
type CellState string

const (
	CellFree     CellState = "free"
	CellReserved CellState = "reserved"
)

// StatusLabel distinguishes how a reserved cell is displayed on the floor
// grid. Pledged and paid cells draw from the same inventory.
type StatusLabel string

const (
	StatusPledged StatusLabel = "pledged"
	StatusPaid    StatusLabel = "paid"
)

// BatchType classifies the originating request of an allocation batch.
type BatchType string

const (
	BatchNewPledge     BatchType = "new_pledge"
	BatchNewPayment    BatchType = "new_payment"
	BatchPledgeUpdate  BatchType = "pledge_update"
	BatchPaymentUpdate BatchType = "payment_update"
)

// ApprovalStatus is the lifecycle state of an allocation batch.
// pending -> approved and pending -> rejected are the only transitions;
// approved -> rejected happens only through an explicit rollback.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RequestSource records where an allocation request came from.
type RequestSource string

const (
	SourceAdmin RequestSource = "admin"
	SourceDonor RequestSource = "donor"
)

// =============================================================================
// GRID CELL - One reservable unit of the floor plan
// =============================================================================

// GridCell is one discrete unit of the fundraising floor plan.
// Cells are pre-created at setup and never destroyed; only their
// reservation state and owner mutate.
//
// INVARIANT: OwningBatchID is non-empty iff State == CellReserved.
type GridCell struct {
	ID          CellID
	Label       string
	Position    int // placement order: lowest position reserved first
	UnitPrice   Money
	AreaPerUnit decimal.Decimal // square metres per cell

	State         CellState
	DonorName     string
	StatusLabel   StatusLabel // empty while free
	OwningBatchID BatchID     // empty while free
	AllocatedAt   *time.Time
}

// Reservation is the outcome of a successful cell reservation.
type Reservation struct {
	CellIDs []CellID
	Count   int
	Area    decimal.Decimal
}

// =============================================================================
// ALLOCATION BATCH - Reversible record of one allocation decision
// =============================================================================

// AllocationBatch ties one approval/rejection event to the cells it
// reserved. Rejecting an approved batch releases exactly its cells and
// nothing else.
//
// INVARIANTS:
//   - AllocatedCellIDs is empty while ApprovalStatus == pending
//   - Once approved, every referenced cell has OwningBatchID == ID and
//     the cell areas sum to AllocatedArea
//   - A batch is created once per originating request and found again by
//     (pledge id, payment id) on retry
type AllocationBatch struct {
	ID   BatchID
	Type BatchType

	ApprovalStatus ApprovalStatus

	OriginalPledgeID  PledgeID  // set for pledge_update batches
	OriginalPaymentID PaymentID // set for payment_update batches
	NewPledgeID       PledgeID
	NewPaymentID      PaymentID

	DonorID    DonorID
	DonorName  string
	DonorPhone string

	OriginalAmount   Money // amount before this request (updates only)
	AdditionalAmount Money // the delta this request adds
	TotalAmount      Money

	AllocatedCellIDs []CellID
	AllocatedArea    decimal.Decimal

	PackageID     string
	RequestedBy   string
	RequestSource RequestSource
	Metadata      map[string]string

	CreatedAt  time.Time
	ResolvedAt *time.Time
	ApprovedBy string
}

// MetadataRemainderBefore is the batch metadata key recording the donor's
// pending fraction before approval, so a rollback can restore it exactly.
const MetadataRemainderBefore = "remainder_before"

// =============================================================================
// DONOR REMAINDER - Accumulation state
// =============================================================================

// DonorRemainder holds money not yet convertible into a whole cell.
//
// INVARIANT: 0 <= PendingFraction < unit price, after every allocation.
type DonorRemainder struct {
	DonorKey        DonorKey
	PendingFraction Money
	StatusLabel     StatusLabel
	UpdatedAt       time.Time
}

// =============================================================================
// COUNTER TOTALS - Singleton running aggregate
// =============================================================================

// CounterTotals is the single long-lived totals row.
//
// INVARIANTS:
//   - GrandTotal == PaidTotal + PledgedTotal after every committed mutation
//   - Version strictly increases on every mutation
type CounterTotals struct {
	PaidTotal    Money
	PledgedTotal Money
	GrandTotal   Money
	Version      int64
}

// =============================================================================
// ALLOCATION RESULT - What the admin sees
// =============================================================================

// ResultType says whether a custom-amount request reserved cells or is
// being held toward the next one.
type ResultType string

const (
	ResultAllocated   ResultType = "allocated"
	ResultAccumulated ResultType = "accumulated"
)

// AllocationResult describes the outcome of processing one amount.
type AllocationResult struct {
	Type    ResultType
	Message string

	CellIDs   []CellID
	CellCount int
	Area      decimal.Decimal

	WholeAmount     Money // portion converted into cells
	RemainderBefore Money
	RemainderAfter  Money
}

// =============================================================================
// PLEDGE / PAYMENT / DONOR - Collaborator records the core reads and updates
// =============================================================================

// RecordStatus is the lifecycle state of a pledge or payment row.
type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordRejected RecordStatus = "rejected"
)

// PledgeKind distinguishes a standalone pledge from a pledge-increase
// request that merges into an original on approval.
type PledgeKind string

const (
	PledgeStandard      PledgeKind = "standard"
	PledgeUpdateRequest PledgeKind = "update_request"
)

// Pledge is a promise to give. Read under row lock before allocation.
type Pledge struct {
	ID         PledgeID
	DonorID    DonorID
	DonorName  string
	DonorPhone string
	Amount     Money
	Status     RecordStatus
	Kind       PledgeKind
	// OriginalPledgeID links an update_request to the pledge it increases.
	OriginalPledgeID PledgeID
	PackageID        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Payment is money received. A payment may settle an existing pledge
// (PledgeID set) or stand alone.
type Payment struct {
	ID         PaymentID
	PledgeID   PledgeID // empty for direct payments
	DonorID    DonorID
	DonorName  string
	DonorPhone string
	Amount     Money
	Status     RecordStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Donor aggregates are maintained by the approval workflow in the same
// transaction as the ledger deltas they must stay consistent with.
type Donor struct {
	ID            DonorID
	Name          string
	Phone         string
	TotalPledged  Money
	TotalPaid     Money
	Balance       Money // pledged minus paid
	PaymentStatus string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// AUDIT - Best-effort action trail
// =============================================================================

type AuditAction string

const (
	AuditPledgeApproved  AuditAction = "pledge_approved"
	AuditPledgeRejected  AuditAction = "pledge_rejected"
	AuditPaymentApproved AuditAction = "payment_approved"
	AuditPaymentRejected AuditAction = "payment_rejected"
	AuditPledgeMerged    AuditAction = "pledge_merged"
)

// AuditEntry records who did what to which entity. Append-only; failures
// to record never roll back the financial transaction.
type AuditEntry struct {
	ID         string
	At         time.Time
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Before     map[string]any
	After      map[string]any
}
