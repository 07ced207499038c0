/*
Package factory converts JSON floor-plan definitions into cell inventories.

PURPOSE:
  Converts JSON plan definitions into the fixed grid cell inventory the
  engine allocates from. This enables venue configuration without code
  changes - a campaign admin can describe the floor in JSON, and the
  factory creates the cell rows.

WHY JSON?
  - Non-developers can describe a venue
  - Easy integration with an admin UI
  - Version control for plan definitions
  - One plan file per campaign

JSON SCHEMA:
  {
    "name": "Main Hall",
    "unit_price": "500.00",
    "area_per_unit": "0.09",
    "rows": 20,
    "columns": 25,
    "label_prefix": "MH"
  }

  Cells are generated row-major: MH-R01C01 at position 0, MH-R01C02 at
  position 1, and so on. Position order is the placement order.

KEY FEATURES:
  - Validates plan structure (positive price, dimensions, 2dp money)
  - Generates stable cell ids and human labels
  - Ships demo plans for dev scenarios

USAGE:
  plan, err := factory.ParsePlan(jsonStr)
  cells, err := plan.BuildInventory()
  store.SeedCells(ctx, cells)

SEE ALSO:
  - grid/types.go: GridCell definition
  - api/scenarios.go: Demo scenario loading over these plans
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/grid-engine/grid"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanConfig is the JSON representation of a floor plan.
type PlanConfig struct {
	Name        string `json:"name"`
	UnitPrice   string `json:"unit_price"`
	AreaPerUnit string `json:"area_per_unit"`
	Rows        int    `json:"rows"`
	Columns     int    `json:"columns"`
	LabelPrefix string `json:"label_prefix,omitempty"`
}

// ParsePlan parses a JSON string into a validated PlanConfig.
func ParsePlan(jsonStr string) (*PlanConfig, error) {
	var pc PlanConfig
	if err := json.Unmarshal([]byte(jsonStr), &pc); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return &pc, nil
}

// Validate checks the plan is buildable.
func (pc *PlanConfig) Validate() error {
	if pc.Rows <= 0 || pc.Columns <= 0 {
		return fmt.Errorf("%w: plan needs positive rows and columns, got %dx%d",
			grid.ErrInvalidConfiguration, pc.Rows, pc.Columns)
	}
	price, err := grid.ParseMoney(pc.UnitPrice)
	if err != nil {
		return fmt.Errorf("%w: unit_price %q: %v", grid.ErrInvalidConfiguration, pc.UnitPrice, err)
	}
	if !price.IsPositive() {
		return &grid.InvalidConfigurationError{
			UnitPrice: price.Value,
			Detail:    "unit price must be positive",
		}
	}
	area, err := decimal.NewFromString(pc.AreaPerUnit)
	if err != nil {
		return fmt.Errorf("%w: area_per_unit %q: %v", grid.ErrInvalidConfiguration, pc.AreaPerUnit, err)
	}
	if area.Sign() <= 0 {
		return fmt.Errorf("%w: area_per_unit must be positive, got %s",
			grid.ErrInvalidConfiguration, area)
	}
	return nil
}

// Price returns the parsed unit price. Call after Validate.
func (pc *PlanConfig) Price() grid.Money {
	return grid.MustParseMoney(pc.UnitPrice)
}

// CellCount returns the total inventory size.
func (pc *PlanConfig) CellCount() int {
	return pc.Rows * pc.Columns
}

// =============================================================================
// INVENTORY CONSTRUCTION
// =============================================================================

// BuildInventory generates the cell inventory in placement order.
// Cell ids are stable across runs for the same plan, so seeding is
// repeatable.
func (pc *PlanConfig) BuildInventory() ([]grid.GridCell, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	price := grid.MustParseMoney(pc.UnitPrice)
	area, _ := decimal.NewFromString(pc.AreaPerUnit)

	prefix := pc.LabelPrefix
	if prefix == "" {
		prefix = "C"
	}

	cells := make([]grid.GridCell, 0, pc.Rows*pc.Columns)
	pos := 0
	for r := 1; r <= pc.Rows; r++ {
		for c := 1; c <= pc.Columns; c++ {
			label := fmt.Sprintf("%s-R%02dC%02d", prefix, r, c)
			cells = append(cells, grid.GridCell{
				ID:          grid.CellID(label),
				Label:       label,
				Position:    pos,
				UnitPrice:   price,
				AreaPerUnit: area,
				State:       grid.CellFree,
			})
			pos++
		}
	}
	return cells, nil
}

// =============================================================================
// PRESET PLANS
// =============================================================================

// SmallChapelJSON is a compact plan for demos and tests: 30 cells.
func SmallChapelJSON() string {
	return `{
		"name": "Small Chapel",
		"unit_price": "10.00",
		"area_per_unit": "0.09",
		"rows": 5,
		"columns": 6,
		"label_prefix": "SC"
	}`
}

// MainHallJSON is the full-size demo plan: 500 cells.
func MainHallJSON() string {
	return `{
		"name": "Main Hall",
		"unit_price": "500.00",
		"area_per_unit": "0.09",
		"rows": 20,
		"columns": 25,
		"label_prefix": "MH"
	}`
}
