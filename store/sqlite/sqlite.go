/*
Package sqlite provides a SQLite-backed implementation of the grid storage
interfaces.

PURPOSE:
  Implements grid.TxStore and grid.AuditLog using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  grid_cells:              The fixed cell inventory
  grid_allocation_batches: Reversible allocation batch records
  counters:                The singleton totals row (id = 1)
  donor_remainders:        Per-donor accumulation state
  pledges, payments:       Collaborator records locked during approval
  donors:                  Donor aggregates
  audit_log:               Append-only action trail

MONEY COLUMNS:
  All monetary amounts are stored as integer pence (minor units), so SQL
  arithmetic in the counter upsert is exact. Areas are stored as decimal
  strings; they are summed in Go, never in SQL.

ATOMIC COUNTER UPSERT:
  ApplyDelta is a single INSERT .. ON CONFLICT DO UPDATE that adds the
  deltas, recomputes grand = paid + pledged and bumps the version in one
  statement. No read-modify-write, so concurrent approvals cannot lose
  updates.

CONCURRENCY:
  A mutex serializes transactions on top of SQLite's single-writer model,
  and every approval runs inside one BEGIN .. COMMIT via WithTx. Cell
  selection and the flip to reserved happen inside that transaction; the
  row count of the UPDATE is verified so a raced selection surfaces as
  grid.ErrConcurrencyConflict instead of a double-booking.

WAL MODE:
  Opened with WAL and foreign keys on: readers don't block, single
  writer, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/grid.db")
  if err != nil { ... }
  defer store.Close()
  err = store.WithTx(ctx, func(st grid.Store) error { ... })

SEE ALSO:
  - grid/store.go: Interface definitions
  - grid/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/grid-engine/grid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements grid.TxStore and grid.AuditLog using SQLite.
// Methods called outside WithTx run in autocommit mode; WithTx hands the
// callback a view bound to one transaction.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

// conn carries the actual implementations against a DB or a Tx.
type conn struct {
	q querier
}

// New creates a SQLite store at the given path (":memory:" for tests)
// and migrates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The :memory: DSN gives every pool connection its own database.
	db.SetMaxOpenConns(1)

	s := &Store{conn: conn{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Fixed cell inventory. Cells are created at setup and never deleted.
	CREATE TABLE IF NOT EXISTS grid_cells (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		position INTEGER NOT NULL,
		unit_price_pence INTEGER NOT NULL,
		area_per_unit TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'free',
		donor_name TEXT NOT NULL DEFAULT '',
		status_label TEXT NOT NULL DEFAULT '',
		owning_batch_id TEXT NOT NULL DEFAULT '',
		allocated_at TEXT
	);

	-- Placement policy hot path: free cells in position order.
	CREATE INDEX IF NOT EXISTS idx_cells_state_position
		ON grid_cells(state, position);
	CREATE INDEX IF NOT EXISTS idx_cells_batch
		ON grid_cells(owning_batch_id) WHERE owning_batch_id != '';

	-- Allocation batches: one per originating request.
	CREATE TABLE IF NOT EXISTS grid_allocation_batches (
		id TEXT PRIMARY KEY,
		batch_type TEXT NOT NULL,
		approval_status TEXT NOT NULL DEFAULT 'pending',
		original_pledge_id TEXT NOT NULL DEFAULT '',
		original_payment_id TEXT NOT NULL DEFAULT '',
		new_pledge_id TEXT NOT NULL DEFAULT '',
		new_payment_id TEXT NOT NULL DEFAULT '',
		donor_id TEXT NOT NULL DEFAULT '',
		donor_name TEXT NOT NULL DEFAULT '',
		donor_phone TEXT NOT NULL DEFAULT '',
		original_amount_pence INTEGER NOT NULL DEFAULT 0,
		additional_amount_pence INTEGER NOT NULL DEFAULT 0,
		total_amount_pence INTEGER NOT NULL DEFAULT 0,
		allocated_cell_ids TEXT NOT NULL DEFAULT '[]',
		allocated_area TEXT NOT NULL DEFAULT '0',
		package_id TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL DEFAULT '',
		request_source TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		approved_by TEXT NOT NULL DEFAULT ''
	);

	-- Idempotent-retry lookups by originating request.
	CREATE INDEX IF NOT EXISTS idx_batches_original_pledge
		ON grid_allocation_batches(original_pledge_id) WHERE original_pledge_id != '';
	CREATE INDEX IF NOT EXISTS idx_batches_new_pledge
		ON grid_allocation_batches(new_pledge_id) WHERE new_pledge_id != '';
	CREATE INDEX IF NOT EXISTS idx_batches_new_payment
		ON grid_allocation_batches(new_payment_id) WHERE new_payment_id != '';
	CREATE INDEX IF NOT EXISTS idx_batches_status
		ON grid_allocation_batches(approval_status);

	-- Singleton totals row. grand is maintained in the upsert itself.
	CREATE TABLE IF NOT EXISTS counters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		paid_pence INTEGER NOT NULL DEFAULT 0,
		pledged_pence INTEGER NOT NULL DEFAULT 0,
		grand_pence INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Per-donor accumulation state, keyed by phone or donor id.
	CREATE TABLE IF NOT EXISTS donor_remainders (
		donor_key TEXT PRIMARY KEY,
		pending_fraction_pence INTEGER NOT NULL DEFAULT 0,
		status_label TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pledges (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		donor_name TEXT NOT NULL,
		donor_phone TEXT NOT NULL DEFAULT '',
		amount_pence INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		kind TEXT NOT NULL DEFAULT 'standard',
		original_pledge_id TEXT NOT NULL DEFAULT '',
		package_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pledges_status ON pledges(status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		pledge_id TEXT NOT NULL DEFAULT '',
		donor_id TEXT NOT NULL,
		donor_name TEXT NOT NULL,
		donor_phone TEXT NOT NULL DEFAULT '',
		amount_pence INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	CREATE INDEX IF NOT EXISTS idx_payments_pledge
		ON payments(pledge_id) WHERE pledge_id != '';

	CREATE TABLE IF NOT EXISTS donors (
		id TEXT PRIMARY KEY,
		donor_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		total_pledged_pence INTEGER NOT NULL DEFAULT 0,
		total_paid_pence INTEGER NOT NULL DEFAULT 0,
		balance_pence INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only action trail. No UPDATE or DELETE, ever.
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT NOT NULL DEFAULT '{}',
		after_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn inside one database transaction. Commits iff fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(grid.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// =============================================================================
// SETUP
// =============================================================================

// SeedCells installs the fixed inventory. Existing cells are left alone,
// so re-running setup never clobbers reservations.
func (s *Store) SeedCells(ctx context.Context, cells []grid.GridCell) error {
	query := `
		INSERT OR IGNORE INTO grid_cells
		(id, label, position, unit_price_pence, area_per_unit, state)
		VALUES (?, ?, ?, ?, ?, 'free')
	`
	for _, c := range cells {
		if _, err := s.q.ExecContext(ctx, query,
			string(c.ID), c.Label, c.Position, c.UnitPrice.Pence(), c.AreaPerUnit.String(),
		); err != nil {
			return fmt.Errorf("seed cell %s: %w", c.ID, err)
		}
	}
	return nil
}

// Reset clears all mutable state and the inventory. Dev only.
func (s *Store) Reset(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM grid_cells",
		"DELETE FROM grid_allocation_batches",
		"DELETE FROM counters",
		"DELETE FROM donor_remainders",
		"DELETE FROM pledges",
		"DELETE FROM payments",
		"DELETE FROM donors",
		"DELETE FROM audit_log",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CELL STORE (grid.CellStore interface)
// =============================================================================

func (c *conn) Reserve(ctx context.Context, n int, donorName string, status grid.StatusLabel, batchID grid.BatchID) (grid.Reservation, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, area_per_unit FROM grid_cells
		WHERE state = 'free'
		ORDER BY position ASC
		LIMIT ?
	`, n)
	if err != nil {
		return grid.Reservation{}, mapError(err)
	}
	defer rows.Close()

	var (
		ids  []grid.CellID
		args []any
		area = decimal.Zero
	)
	for rows.Next() {
		var id, areaStr string
		if err := rows.Scan(&id, &areaStr); err != nil {
			return grid.Reservation{}, err
		}
		a, err := decimal.NewFromString(areaStr)
		if err != nil {
			return grid.Reservation{}, fmt.Errorf("corrupt area for cell %s: %w", id, err)
		}
		ids = append(ids, grid.CellID(id))
		args = append(args, id)
		area = area.Add(a)
	}
	if err := rows.Err(); err != nil {
		return grid.Reservation{}, err
	}

	if len(ids) < n {
		available, err := c.FreeCount(ctx)
		if err != nil {
			available = len(ids)
		}
		return grid.Reservation{}, &grid.InsufficientCapacityError{Requested: n, Available: available}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf(`
		UPDATE grid_cells
		SET state = 'reserved', donor_name = ?, status_label = ?, owning_batch_id = ?, allocated_at = ?
		WHERE id IN (%s) AND state = 'free'
	`, placeholders(len(args)))
	res, err := c.q.ExecContext(ctx, query, append([]any{donorName, string(status), string(batchID), now}, args...)...)
	if err != nil {
		return grid.Reservation{}, mapError(err)
	}
	if affected, err := res.RowsAffected(); err == nil && int(affected) != n {
		// Another writer grabbed a cell between select and update.
		return grid.Reservation{}, grid.ErrConcurrencyConflict
	}

	return grid.Reservation{CellIDs: ids, Count: n, Area: area}, nil
}

func (c *conn) Release(ctx context.Context, cellIDs []grid.CellID) error {
	if len(cellIDs) == 0 {
		return nil
	}
	args := make([]any, len(cellIDs))
	for i, id := range cellIDs {
		args[i] = string(id)
	}
	// Already-free cells are untouched by the state filter: idempotent.
	query := fmt.Sprintf(`
		UPDATE grid_cells
		SET state = 'free', donor_name = '', status_label = '', owning_batch_id = '', allocated_at = NULL
		WHERE id IN (%s) AND state = 'reserved'
	`, placeholders(len(args)))
	_, err := c.q.ExecContext(ctx, query, args...)
	return mapError(err)
}

func (c *conn) Reassign(ctx context.Context, cellIDs []grid.CellID, newBatchID grid.BatchID, newDonorName string, newStatus grid.StatusLabel) error {
	if len(cellIDs) == 0 {
		return nil
	}
	args := []any{string(newBatchID), newDonorName, string(newStatus)}
	for _, id := range cellIDs {
		args = append(args, string(id))
	}
	query := fmt.Sprintf(`
		UPDATE grid_cells
		SET owning_batch_id = ?, donor_name = ?, status_label = ?
		WHERE id IN (%s) AND state = 'reserved'
	`, placeholders(len(cellIDs)))
	_, err := c.q.ExecContext(ctx, query, args...)
	return mapError(err)
}

const cellColumns = `id, label, position, unit_price_pence, area_per_unit,
	state, donor_name, status_label, owning_batch_id, allocated_at`

func (c *conn) Cells(ctx context.Context) ([]grid.GridCell, error) {
	return c.queryCells(ctx, `SELECT `+cellColumns+` FROM grid_cells ORDER BY position ASC`)
}

func (c *conn) CellsByBatch(ctx context.Context, batchID grid.BatchID) ([]grid.GridCell, error) {
	return c.queryCells(ctx,
		`SELECT `+cellColumns+` FROM grid_cells WHERE owning_batch_id = ? ORDER BY position ASC`,
		string(batchID))
}

func (c *conn) FreeCount(ctx context.Context) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM grid_cells WHERE state = 'free'`).Scan(&n)
	return n, mapError(err)
}

func (c *conn) queryCells(ctx context.Context, query string, args ...any) ([]grid.GridCell, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.GridCell
	for rows.Next() {
		var (
			cell        grid.GridCell
			id, state   string
			status      string
			batchID     string
			pricePence  int64
			areaStr     string
			allocatedAt sql.NullString
		)
		if err := rows.Scan(&id, &cell.Label, &cell.Position, &pricePence, &areaStr,
			&state, &cell.DonorName, &status, &batchID, &allocatedAt); err != nil {
			return nil, err
		}
		cell.ID = grid.CellID(id)
		cell.State = grid.CellState(state)
		cell.StatusLabel = grid.StatusLabel(status)
		cell.OwningBatchID = grid.BatchID(batchID)
		cell.UnitPrice = grid.NewMoneyFromPence(pricePence)
		area, err := decimal.NewFromString(areaStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt area for cell %s: %w", id, err)
		}
		cell.AreaPerUnit = area
		if allocatedAt.Valid {
			if t, err := time.Parse(time.RFC3339, allocatedAt.String); err == nil {
				cell.AllocatedAt = &t
			}
		}
		out = append(out, cell)
	}
	return out, rows.Err()
}

// =============================================================================
// BATCH STORE (grid.BatchStore interface)
// =============================================================================

func (c *conn) InsertBatch(ctx context.Context, b grid.AllocationBatch) error {
	cellsJSON, _ := json.Marshal(b.AllocatedCellIDs)
	metaJSON, _ := json.Marshal(b.Metadata)

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO grid_allocation_batches
		(id, batch_type, approval_status, original_pledge_id, original_payment_id,
		 new_pledge_id, new_payment_id, donor_id, donor_name, donor_phone,
		 original_amount_pence, additional_amount_pence, total_amount_pence,
		 allocated_cell_ids, allocated_area, package_id, requested_by,
		 request_source, metadata_json, created_at, resolved_at, approved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(b.ID), string(b.Type), string(b.ApprovalStatus),
		string(b.OriginalPledgeID), string(b.OriginalPaymentID),
		string(b.NewPledgeID), string(b.NewPaymentID),
		string(b.DonorID), b.DonorName, b.DonorPhone,
		b.OriginalAmount.Pence(), b.AdditionalAmount.Pence(), b.TotalAmount.Pence(),
		string(cellsJSON), b.AllocatedArea.String(), b.PackageID, b.RequestedBy,
		string(b.RequestSource), string(metaJSON),
		b.CreatedAt.UTC().Format(time.RFC3339), nullTime(b.ResolvedAt), b.ApprovedBy,
	)
	return mapError(err)
}

const batchColumns = `id, batch_type, approval_status, original_pledge_id,
	original_payment_id, new_pledge_id, new_payment_id, donor_id, donor_name,
	donor_phone, original_amount_pence, additional_amount_pence,
	total_amount_pence, allocated_cell_ids, allocated_area, package_id,
	requested_by, request_source, metadata_json, created_at, resolved_at,
	approved_by`

func (c *conn) Batch(ctx context.Context, id grid.BatchID) (*grid.AllocationBatch, error) {
	batches, err := c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM grid_allocation_batches WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, grid.ErrBatchNotFound
	}
	return &batches[0], nil
}

func (c *conn) BatchByRequest(ctx context.Context, pledgeID grid.PledgeID, paymentID grid.PaymentID) (*grid.AllocationBatch, error) {
	if pledgeID == "" && paymentID == "" {
		return nil, nil
	}
	batches, err := c.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM grid_allocation_batches
		WHERE (?1 != '' AND (original_pledge_id = ?1 OR new_pledge_id = ?1))
		   OR (?2 != '' AND new_payment_id = ?2)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, string(pledgeID), string(paymentID))
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

func (c *conn) UpdateBatch(ctx context.Context, b grid.AllocationBatch) error {
	cellsJSON, _ := json.Marshal(b.AllocatedCellIDs)
	metaJSON, _ := json.Marshal(b.Metadata)

	res, err := c.q.ExecContext(ctx, `
		UPDATE grid_allocation_batches
		SET approval_status = ?, allocated_cell_ids = ?, allocated_area = ?,
		    metadata_json = ?, resolved_at = ?, approved_by = ?
		WHERE id = ?
	`,
		string(b.ApprovalStatus), string(cellsJSON), b.AllocatedArea.String(),
		string(metaJSON), nullTime(b.ResolvedAt), b.ApprovedBy, string(b.ID),
	)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return grid.ErrBatchNotFound
	}
	return nil
}

func (c *conn) ListBatches(ctx context.Context) ([]grid.AllocationBatch, error) {
	return c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM grid_allocation_batches ORDER BY created_at ASC`)
}

func (c *conn) queryBatches(ctx context.Context, query string, args ...any) ([]grid.AllocationBatch, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.AllocationBatch
	for rows.Next() {
		var (
			b                               grid.AllocationBatch
			id, bType, status               string
			origPledge, origPayment         string
			newPledge, newPayment           string
			donorID                         string
			origPence, addPence, totalPence int64
			cellsJSON, areaStr, metaJSON    string
			source, createdAt               string
			resolvedAt                      sql.NullString
		)
		if err := rows.Scan(&id, &bType, &status, &origPledge, &origPayment,
			&newPledge, &newPayment, &donorID, &b.DonorName, &b.DonorPhone,
			&origPence, &addPence, &totalPence, &cellsJSON, &areaStr, &b.PackageID,
			&b.RequestedBy, &source, &metaJSON, &createdAt, &resolvedAt, &b.ApprovedBy); err != nil {
			return nil, err
		}
		b.ID = grid.BatchID(id)
		b.Type = grid.BatchType(bType)
		b.ApprovalStatus = grid.ApprovalStatus(status)
		b.OriginalPledgeID = grid.PledgeID(origPledge)
		b.OriginalPaymentID = grid.PaymentID(origPayment)
		b.NewPledgeID = grid.PledgeID(newPledge)
		b.NewPaymentID = grid.PaymentID(newPayment)
		b.DonorID = grid.DonorID(donorID)
		b.OriginalAmount = grid.NewMoneyFromPence(origPence)
		b.AdditionalAmount = grid.NewMoneyFromPence(addPence)
		b.TotalAmount = grid.NewMoneyFromPence(totalPence)
		b.RequestSource = grid.RequestSource(source)

		if err := json.Unmarshal([]byte(cellsJSON), &b.AllocatedCellIDs); err != nil {
			return nil, fmt.Errorf("corrupt cell ids on batch %s: %w", id, err)
		}
		area, err := decimal.NewFromString(areaStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt area on batch %s: %w", id, err)
		}
		b.AllocatedArea = area
		if err := json.Unmarshal([]byte(metaJSON), &b.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata on batch %s: %w", id, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			b.CreatedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339, resolvedAt.String); err == nil {
				b.ResolvedAt = &t
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// REMAINDER STORE (grid.RemainderStore interface)
// =============================================================================

func (c *conn) Remainder(ctx context.Context, key grid.DonorKey) (grid.Money, error) {
	var pence int64
	err := c.q.QueryRowContext(ctx,
		`SELECT pending_fraction_pence FROM donor_remainders WHERE donor_key = ?`,
		string(key)).Scan(&pence)
	if err == sql.ErrNoRows {
		return grid.ZeroMoney(), nil
	}
	if err != nil {
		return grid.Money{}, mapError(err)
	}
	return grid.NewMoneyFromPence(pence), nil
}

func (c *conn) SetRemainder(ctx context.Context, key grid.DonorKey, amount grid.Money, status grid.StatusLabel) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO donor_remainders (donor_key, pending_fraction_pence, status_label, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(donor_key) DO UPDATE SET
			pending_fraction_pence = excluded.pending_fraction_pence,
			status_label = excluded.status_label,
			updated_at = excluded.updated_at
	`, string(key), amount.Pence(), string(status), time.Now().UTC().Format(time.RFC3339))
	return mapError(err)
}

func (c *conn) ListRemainders(ctx context.Context) ([]grid.DonorRemainder, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT donor_key, pending_fraction_pence, status_label, updated_at
		FROM donor_remainders ORDER BY donor_key ASC
	`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.DonorRemainder
	for rows.Next() {
		var (
			key, status, updatedAt string
			pence                  int64
		)
		if err := rows.Scan(&key, &pence, &status, &updatedAt); err != nil {
			return nil, err
		}
		r := grid.DonorRemainder{
			DonorKey:        grid.DonorKey(key),
			PendingFraction: grid.NewMoneyFromPence(pence),
			StatusLabel:     grid.StatusLabel(status),
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			r.UpdatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// COUNTER STORE (grid.CounterStore interface)
// =============================================================================

// ApplyDelta is the single-statement upsert the whole design leans on:
// insert-or-add, grand maintained inline, version bumped, no separate
// read anywhere in the write path.
func (c *conn) ApplyDelta(ctx context.Context, deltaPaid, deltaPledged grid.Money) (grid.CounterTotals, error) {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO counters (id, paid_pence, pledged_pence, grand_pence, version)
		VALUES (1, ?1, ?2, ?1 + ?2, 1)
		ON CONFLICT(id) DO UPDATE SET
			paid_pence = paid_pence + excluded.paid_pence,
			pledged_pence = pledged_pence + excluded.pledged_pence,
			grand_pence = grand_pence + excluded.grand_pence,
			version = version + 1
	`, deltaPaid.Pence(), deltaPledged.Pence())
	if err != nil {
		return grid.CounterTotals{}, mapError(err)
	}
	return c.Totals(ctx)
}

func (c *conn) Totals(ctx context.Context) (grid.CounterTotals, error) {
	var paid, pledged, grand, version int64
	err := c.q.QueryRowContext(ctx,
		`SELECT paid_pence, pledged_pence, grand_pence, version FROM counters WHERE id = 1`,
	).Scan(&paid, &pledged, &grand, &version)
	if err == sql.ErrNoRows {
		return grid.CounterTotals{
			PaidTotal:    grid.ZeroMoney(),
			PledgedTotal: grid.ZeroMoney(),
			GrandTotal:   grid.ZeroMoney(),
		}, nil
	}
	if err != nil {
		return grid.CounterTotals{}, mapError(err)
	}
	return grid.CounterTotals{
		PaidTotal:    grid.NewMoneyFromPence(paid),
		PledgedTotal: grid.NewMoneyFromPence(pledged),
		GrandTotal:   grid.NewMoneyFromPence(grand),
		Version:      version,
	}, nil
}

// =============================================================================
// PLEDGE STORE (grid.PledgeStore interface)
// =============================================================================

func (c *conn) InsertPledge(ctx context.Context, p grid.Pledge) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO pledges
		(id, donor_id, donor_name, donor_phone, amount_pence, status, kind,
		 original_pledge_id, package_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID), string(p.DonorID), p.DonorName, p.DonorPhone,
		p.Amount.Pence(), string(p.Status), string(p.Kind),
		string(p.OriginalPledgeID), p.PackageID,
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return mapError(err)
}

const pledgeColumns = `id, donor_id, donor_name, donor_phone, amount_pence,
	status, kind, original_pledge_id, package_id, created_at, updated_at`

// PledgeForUpdate loads the pledge inside the current transaction.
// SQLite's transaction already holds the write lock, which serves as the
// row lock; a PostgreSQL port would add FOR UPDATE.
func (c *conn) PledgeForUpdate(ctx context.Context, id grid.PledgeID) (*grid.Pledge, error) {
	pledges, err := c.queryPledges(ctx,
		`SELECT `+pledgeColumns+` FROM pledges WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(pledges) == 0 {
		return nil, grid.ErrPledgeNotFound
	}
	return &pledges[0], nil
}

func (c *conn) UpdatePledge(ctx context.Context, p grid.Pledge) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE pledges
		SET amount_pence = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, p.Amount.Pence(), string(p.Status), p.UpdatedAt.UTC().Format(time.RFC3339), string(p.ID))
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return grid.ErrPledgeNotFound
	}
	return nil
}

func (c *conn) DeletePledge(ctx context.Context, id grid.PledgeID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM pledges WHERE id = ?`, string(id))
	return mapError(err)
}

func (c *conn) ListPledges(ctx context.Context) ([]grid.Pledge, error) {
	return c.queryPledges(ctx,
		`SELECT `+pledgeColumns+` FROM pledges ORDER BY created_at ASC`)
}

func (c *conn) queryPledges(ctx context.Context, query string, args ...any) ([]grid.Pledge, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.Pledge
	for rows.Next() {
		var (
			p                         grid.Pledge
			id, donorID, status, kind string
			origID                    string
			pence                     int64
			createdAt, updatedAt      string
		)
		if err := rows.Scan(&id, &donorID, &p.DonorName, &p.DonorPhone, &pence,
			&status, &kind, &origID, &p.PackageID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.ID = grid.PledgeID(id)
		p.DonorID = grid.DonorID(donorID)
		p.Amount = grid.NewMoneyFromPence(pence)
		p.Status = grid.RecordStatus(status)
		p.Kind = grid.PledgeKind(kind)
		p.OriginalPledgeID = grid.PledgeID(origID)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			p.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			p.UpdatedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENT STORE (grid.PaymentStore interface)
// =============================================================================

func (c *conn) InsertPayment(ctx context.Context, p grid.Payment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, pledge_id, donor_id, donor_name, donor_phone, amount_pence, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID), string(p.PledgeID), string(p.DonorID), p.DonorName, p.DonorPhone,
		p.Amount.Pence(), string(p.Status),
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return mapError(err)
}

const paymentColumns = `id, pledge_id, donor_id, donor_name, donor_phone,
	amount_pence, status, created_at, updated_at`

func (c *conn) PaymentForUpdate(ctx context.Context, id grid.PaymentID) (*grid.Payment, error) {
	payments, err := c.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, grid.ErrPaymentNotFound
	}
	return &payments[0], nil
}

func (c *conn) UpdatePayment(ctx context.Context, p grid.Payment) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE payments SET status = ?, updated_at = ? WHERE id = ?
	`, string(p.Status), p.UpdatedAt.UTC().Format(time.RFC3339), string(p.ID))
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return grid.ErrPaymentNotFound
	}
	return nil
}

func (c *conn) ListPayments(ctx context.Context) ([]grid.Payment, error) {
	return c.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at ASC`)
}

func (c *conn) queryPayments(ctx context.Context, query string, args ...any) ([]grid.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.Payment
	for rows.Next() {
		var (
			p                     grid.Payment
			id, pledgeID, donorID string
			status                string
			pence                 int64
			createdAt, updatedAt  string
		)
		if err := rows.Scan(&id, &pledgeID, &donorID, &p.DonorName, &p.DonorPhone,
			&pence, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.ID = grid.PaymentID(id)
		p.PledgeID = grid.PledgeID(pledgeID)
		p.DonorID = grid.DonorID(donorID)
		p.Amount = grid.NewMoneyFromPence(pence)
		p.Status = grid.RecordStatus(status)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			p.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			p.UpdatedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// DONOR STORE (grid.DonorStore interface)
// =============================================================================

func (c *conn) DonorByKey(ctx context.Context, key grid.DonorKey) (*grid.Donor, error) {
	var (
		d                    grid.Donor
		id                   string
		pledged, paid, bal   int64
		createdAt, updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, name, phone, total_pledged_pence, total_paid_pence,
		       balance_pence, payment_status, created_at, updated_at
		FROM donors WHERE donor_key = ?
	`, string(key)).Scan(&id, &d.Name, &d.Phone, &pledged, &paid, &bal,
		&d.PaymentStatus, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	d.ID = grid.DonorID(id)
	d.TotalPledged = grid.NewMoneyFromPence(pledged)
	d.TotalPaid = grid.NewMoneyFromPence(paid)
	d.Balance = grid.NewMoneyFromPence(bal)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		d.UpdatedAt = t
	}
	return &d, nil
}

func (c *conn) UpsertDonor(ctx context.Context, d grid.Donor) error {
	key := grid.DonorKeyFor(d.Phone, d.ID)
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO donors
		(id, donor_key, name, phone, total_pledged_pence, total_paid_pence,
		 balance_pence, payment_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(donor_key) DO UPDATE SET
			name = excluded.name,
			total_pledged_pence = excluded.total_pledged_pence,
			total_paid_pence = excluded.total_paid_pence,
			balance_pence = excluded.balance_pence,
			payment_status = excluded.payment_status,
			updated_at = excluded.updated_at
	`,
		string(d.ID), string(key), d.Name, d.Phone,
		d.TotalPledged.Pence(), d.TotalPaid.Pence(), d.Balance.Pence(),
		d.PaymentStatus,
		d.CreatedAt.UTC().Format(time.RFC3339), d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return mapError(err)
}

// =============================================================================
// AUDIT LOG (grid.AuditLog interface)
// =============================================================================

func (c *conn) Record(ctx context.Context, entry grid.AuditEntry) error {
	beforeJSON, _ := json.Marshal(entry.Before)
	afterJSON, _ := json.Marshal(entry.After)

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, entity_type, entity_id, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.At.UTC().Format(time.RFC3339), entry.ActorID,
		string(entry.Action), entry.EntityType, entry.EntityID,
		string(beforeJSON), string(afterJSON),
	)
	return mapError(err)
}

func (c *conn) Entries(ctx context.Context, entityID string) ([]grid.AuditEntry, error) {
	query := `SELECT id, at, actor_id, action, entity_type, entity_id, before_json, after_json FROM audit_log`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY at ASC`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []grid.AuditEntry
	for rows.Next() {
		var (
			e                     grid.AuditEntry
			at, action            string
			beforeJSON, afterJSON string
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &action, &e.EntityType,
			&e.EntityID, &beforeJSON, &afterJSON); err != nil {
			return nil, err
		}
		e.Action = grid.AuditAction(action)
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			e.At = t
		}
		_ = json.Unmarshal([]byte(beforeJSON), &e.Before)
		_ = json.Unmarshal([]byte(afterJSON), &e.After)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// mapError translates driver-level failures onto engine sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", grid.ErrConcurrencyConflict, err)
	}
	return err
}
