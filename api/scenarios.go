/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario seeds a floor plan and a set
	of pledges and payments that demonstrate specific engine behavior.

AVAILABLE SCENARIOS:

	small-chapel:   30 cells at £10, two small donors, shows accumulation
	main-hall:      500 cells at £500, larger pledges, settlement flow

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Build the cell inventory from a preset plan
 3. Submit pledges/payments through the approval service
 4. Approve some of them so the grid and counters have state

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "small-chapel"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: writeJSON / writeError helpers
  - factory/plan.go: Preset plan definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/grid-engine/approval"
	"github.com/warp/grid-engine/factory"
	"github.com/warp/grid-engine/grid"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-chapel",
		Name:        "Small Chapel",
		Description: "30 cells at £10: small donations accumulating toward whole cells",
	},
	{
		ID:          "main-hall",
		Name:        "Main Hall",
		Description: "500 cells at £500: pledges, a settlement payment and a rejection",
	},
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario id.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": h.currentScenario})
}

// LoadScenario resets the database and loads the requested scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "small-chapel":
		err = h.loadSmallChapel(ctx)
	case "main-hall":
		err = h.loadMainHall(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": req.ScenarioID, "status": "loaded"})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) seedPlan(ctx context.Context, planJSON string) error {
	plan, err := factory.ParsePlan(planJSON)
	if err != nil {
		return err
	}
	cells, err := plan.BuildInventory()
	if err != nil {
		return err
	}
	if err := h.Store.SeedCells(ctx, cells); err != nil {
		return err
	}
	// The engine must charge what the seeded cells cost. Without this,
	// a server booted on one plan approves a loaded scenario at the
	// boot plan's unit price.
	h.Service = h.Service.WithUnitPrice(plan.Price())
	return nil
}

// loadSmallChapel seeds the £10 grid and two donors whose sub-unit
// amounts demonstrate remainder accumulation.
func (h *Handler) loadSmallChapel(ctx context.Context) error {
	if err := h.seedPlan(ctx, factory.SmallChapelJSON()); err != nil {
		return err
	}

	// Aisha: £12 then £25 across two approvals - the second converts the
	// carried £2 into cells.
	first, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Aisha Bello",
		DonorPhone: "+447700900001",
		Amount:     grid.MustParseMoney("12"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Service.ApprovePledge(ctx, first.ID, "demo-admin"); err != nil {
		return err
	}

	second, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Aisha Bello",
		DonorPhone: "+447700900001",
		Amount:     grid.MustParseMoney("25"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Service.ApprovePledge(ctx, second.ID, "demo-admin"); err != nil {
		return err
	}

	// Tunde: £7, all remainder, no cells yet.
	small, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Tunde Okafor",
		DonorPhone: "+447700900002",
		Amount:     grid.MustParseMoney("7"),
	})
	if err != nil {
		return err
	}
	_, err = h.Service.ApprovePledge(ctx, small.ID, "demo-admin")
	return err
}

// loadMainHall seeds the £500 grid with a settled pledge, a pending
// pledge and a rejected one.
func (h *Handler) loadMainHall(ctx context.Context) error {
	if err := h.seedPlan(ctx, factory.MainHallJSON()); err != nil {
		return err
	}

	// Grace pledges £2,000 (4 cells), approved then settled in full.
	pledge, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Grace Adeyemi",
		DonorPhone: "+447700900010",
		Amount:     grid.MustParseMoney("2000"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Service.ApprovePledge(ctx, pledge.ID, "demo-admin"); err != nil {
		return err
	}
	settlement, err := h.Service.SubmitPayment(ctx, approval.PaymentInput{
		PledgeID:   pledge.ID,
		DonorName:  "Grace Adeyemi",
		DonorPhone: "+447700900010",
		Amount:     grid.MustParseMoney("2000"),
	})
	if err != nil {
		return err
	}
	if _, err := h.Service.ApprovePayment(ctx, settlement.ID, "demo-admin"); err != nil {
		return err
	}

	// Chidi's £1,500 pledge stays pending for the approval queue.
	if _, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Chidi Eze",
		DonorPhone: "+447700900011",
		Amount:     grid.MustParseMoney("1500"),
	}); err != nil {
		return err
	}

	// A withdrawn pledge, rejected while still pending.
	withdrawn, err := h.Service.SubmitPledge(ctx, approval.PledgeInput{
		DonorName:  "Femi Balogun",
		DonorPhone: "+447700900012",
		Amount:     grid.MustParseMoney("500"),
	})
	if err != nil {
		return err
	}
	return h.Service.RejectPledge(ctx, withdrawn.ID, "donor withdrew", "demo-admin")
}
