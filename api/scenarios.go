/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built allocation trees for demos and manual testing. Each
	scenario issues root deposits, sub-allocations and charges through the
	regular service operations, so everything it creates is ledgered.

AVAILABLE SCENARIOS:

	research-grant:   Grant -> project -> lab -> user, charge on the user
	expiring-grants:  Two grants with different end dates (expire-first)
	storage-usage:    Differential storage reporting on a project

HOW SCENARIOS WORK:
 1. Every step uses a fixed transaction ID ("scenario/<id>/<step>")
 2. Loading a scenario twice replays the recorded steps; nothing doubles
 3. Scenarios need their categories in the catalog (cpu@demo, storage@demo)

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "research-grant"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, rec)
 3. Add the loader to scenarioLoaders

SEE ALSO:
  - handlers.go: Regular endpoints the scenarios exercise
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO maps step names to the allocations they created.
type ScenarioResultDTO struct {
	ScenarioID  string                     `json:"scenario_id"`
	Allocations map[string]string          `json:"allocations"`
	Charges     map[string]ChargeResultDTO `json:"charges,omitempty"`
}

var (
	demoCPU     = accounting.CategoryID{Name: "cpu", Provider: "demo"}
	demoStorage = accounting.CategoryID{Name: "storage", Provider: "demo"}
)

// DemoCategories are the catalog entries the scenarios rely on.
func DemoCategories() []accounting.ProductCategory {
	return []accounting.ProductCategory{
		{ID: demoCPU, Model: accounting.ChargeAbsolute, Frequency: accounting.FrequencyPerMinute, Unit: "core-minutes"},
		{ID: demoStorage, Model: accounting.ChargeDifferential, Frequency: accounting.FrequencyPerDay, Unit: "GB"},
	}
}

var scenarios = []ScenarioDTO{
	{
		ID:          "research-grant",
		Name:        "Research Grant",
		Description: "A grant split into a project, a lab and a user; the user's charge shows on every ancestor",
	},
	{
		ID:          "expiring-grants",
		Name:        "Expiring Grants",
		Description: "Two grants for one user; charges drain the one that expires first",
	},
	{
		ID:          "storage-usage",
		Name:        "Storage Usage",
		Description: "Differential storage reports: usage goes up, then down again",
	},
}

type scenarioLoader func(ctx context.Context, rec *scenarioRecorder) error

var scenarioLoaders = map[string]scenarioLoader{
	"research-grant":  loadResearchGrantScenario,
	"expiring-grants": loadExpiringGrantsScenario,
	"storage-usage":   loadStorageUsageScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a demo scenario.
// POST /api/admin/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	rec := &scenarioRecorder{
		svc:    h.Service,
		id:     req.ScenarioID,
		by:     r.Header.Get(headerInitiatedBy),
		result: ScenarioResultDTO{ScenarioID: req.ScenarioID, Allocations: map[string]string{}},
	}
	if err := load(r.Context(), rec); err != nil {
		h.writeServiceError(w, "Failed to load scenario", err)
		return
	}

	h.Log.Info().Str("scenario", req.ScenarioID).Int("allocations", len(rec.result.Allocations)).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, rec.result)
}

// =============================================================================
// RECORDER - Deterministic IDs and result collection
// =============================================================================

type scenarioRecorder struct {
	svc    *accounting.Service
	id     string
	by     string
	result ScenarioResultDTO
}

func (r *scenarioRecorder) txID(step string) accounting.TransactionID {
	return accounting.TransactionID("scenario/" + r.id + "/" + step)
}

func (r *scenarioRecorder) root(ctx context.Context, step string, owner accounting.Owner, cat accounting.CategoryID, quota int64, start time.Time, end *time.Time) (accounting.AllocationID, error) {
	id, err := r.svc.RootAllocate(ctx, accounting.RootAllocation{
		TransactionID: r.txID(step),
		Owner:         owner,
		Category:      cat,
		Quota:         decimal.NewFromInt(quota),
		Start:         start,
		End:           end,
		CanAllocate:   true,
		Privileged:    true,
		Description:   "demo: " + step,
		InitiatedBy:   r.by,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", step, err)
	}
	r.result.Allocations[step] = string(id)
	return id, nil
}

func (r *scenarioRecorder) sub(ctx context.Context, step string, parent accounting.AllocationID, owner accounting.Owner, quota int64, canAllocate bool) (accounting.AllocationID, error) {
	id, err := r.svc.SubAllocate(ctx, accounting.SubAllocation{
		TransactionID: r.txID(step),
		ParentID:      parent,
		Owner:         owner,
		Quota:         decimal.NewFromInt(quota),
		InheritEnd:    true,
		CanAllocate:   canAllocate,
		Description:   "demo: " + step,
		InitiatedBy:   r.by,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", step, err)
	}
	r.result.Allocations[step] = string(id)
	return id, nil
}

func (r *scenarioRecorder) charge(ctx context.Context, step string, req accounting.ChargeRequest) error {
	req.TransactionID = r.txID(step)
	req.InitiatedBy = r.by
	results, err := r.svc.Charge(ctx, []accounting.ChargeRequest{req})
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if results[0].Err != nil {
		return fmt.Errorf("%s: %w", step, results[0].Err)
	}
	if r.result.Charges == nil {
		r.result.Charges = map[string]ChargeResultDTO{}
	}
	r.result.Charges[step] = toChargeResultDTOs(results)[0]
	return nil
}

// scenarioEpoch anchors every scenario so that reloading produces the same
// fingerprints.
var scenarioEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// SCENARIOS
// =============================================================================

func loadResearchGrantScenario(ctx context.Context, rec *scenarioRecorder) error {
	end := scenarioEpoch.AddDate(10, 0, 0)
	grant, err := rec.root(ctx, "grant", accounting.Project("research-council"), demoCPU, 100000, scenarioEpoch, &end)
	if err != nil {
		return err
	}
	project, err := rec.sub(ctx, "project", grant, accounting.Project("climate-sim"), 40000, true)
	if err != nil {
		return err
	}
	lab, err := rec.sub(ctx, "lab", project, accounting.Project("climate-sim-lab-a"), 10000, true)
	if err != nil {
		return err
	}
	if _, err := rec.sub(ctx, "user", lab, accounting.User("alice"), 2500, false); err != nil {
		return err
	}
	return rec.charge(ctx, "usage", accounting.ChargeRequest{
		Owner:        accounting.User("alice"),
		Category:     demoCPU,
		Units:        decimal.NewFromInt(16),
		Periods:      60,
		PricePerUnit: decimal.NewFromInt(1),
		Description:  "16 cores for an hour",
	})
}

func loadExpiringGrantsScenario(ctx context.Context, rec *scenarioRecorder) error {
	soon := scenarioEpoch.AddDate(5, 0, 0)
	later := scenarioEpoch.AddDate(10, 0, 0)
	if _, err := rec.root(ctx, "grant-short", accounting.User("bob"), demoCPU, 500, scenarioEpoch, &soon); err != nil {
		return err
	}
	if _, err := rec.root(ctx, "grant-year", accounting.User("bob"), demoCPU, 5000, scenarioEpoch, &later); err != nil {
		return err
	}
	return rec.charge(ctx, "usage", accounting.ChargeRequest{
		Owner:        accounting.User("bob"),
		Category:     demoCPU,
		Units:        decimal.NewFromInt(700),
		Periods:      1,
		PricePerUnit: decimal.NewFromInt(1),
		Description:  "drains grant-short first, then 200 from grant-year",
	})
}

func loadStorageUsageScenario(ctx context.Context, rec *scenarioRecorder) error {
	if _, err := rec.root(ctx, "grant", accounting.Project("archive"), demoStorage, 1000, scenarioEpoch, nil); err != nil {
		return err
	}
	report := func(step string, gb int64) error {
		return rec.charge(ctx, step, accounting.ChargeRequest{
			Owner:        accounting.Project("archive"),
			Category:     demoStorage,
			Units:        decimal.NewFromInt(gb),
			Periods:      1,
			PricePerUnit: decimal.NewFromInt(1),
			Kind:         accounting.ChargeDifferential,
		})
	}
	if err := report("report-1", 300); err != nil {
		return err
	}
	if err := report("report-2", 450); err != nil {
		return err
	}
	return report("report-3", 120)
}
