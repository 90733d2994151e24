package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/planner"
)

// orchestratorFor returns the per-site planner orchestrator, creating one on
// first use. Orchestrators carry the previous committed plan across ticks so
// the planner can compare metrics and revert (§4.I step 12), so they must
// survive across requests rather than being built fresh each time.
func (s *Server) orchestratorFor(siteID string) *planner.Orchestrator {
	s.orchMu.Lock()
	defer s.orchMu.Unlock()
	o, ok := s.orchestrators[siteID]
	if !ok {
		o = planner.NewOrchestrator()
		s.orchestrators[siteID] = o
	}
	return o
}

// handlePlan runs the planner for the requesting site and returns the
// committed charge/export windows as JSON. Building the plan inputs
// themselves (reading forecasts, tariffs and battery state) is delegated to
// planInputs, which belongs to a separate ingestion collaborator.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := s.getSiteID(r)

	if s.planInputs == nil {
		log.Ctx(ctx).ErrorContext(ctx, "no plan inputs builder configured")
		writeJSONError(w, "planning is not configured", http.StatusInternalServerError)
		return
	}

	inputs, err := s.planInputs(ctx, siteID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to build plan inputs", slog.Any("error", err))
		writeJSONError(w, "failed to build plan inputs", http.StatusInternalServerError)
		return
	}

	outputs, err := s.orchestratorFor(siteID).Tick(ctx, inputs)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to run planner", slog.Any("error", err))
		writeJSONError(w, "failed to run planner", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outputs); err != nil {
		panic(http.ErrAbortHandler)
	}
}
