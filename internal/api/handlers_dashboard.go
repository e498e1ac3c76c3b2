package api

import (
	"net/http"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// handleDashboardStats serves GET /dashboard/stats.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := s.supervisor.Snapshot(ctx)
	if err != nil {
		respondTypedError(w, err)
		return
	}

	stats := map[string]interface{}{
		"supervision": snap,
	}

	_, totalProducts, err := s.store.ListProducts(ctx, &models.ProductFilters{Limit: 1})
	if err == nil {
		stats["products_total"] = totalProducts
	}
	for _, status := range []types.EntitySyncStatus{
		types.SyncStatusPending, types.SyncStatusSyncing, types.SyncStatusCompleted, types.SyncStatusFailed,
	} {
		st := status
		if _, n, err := s.store.ListProducts(ctx, &models.ProductFilters{Limit: 1, SyncStatus: &st}); err == nil {
			stats["products_"+string(status)] = n
		}
	}

	if runs, err := s.store.ListSyncRuns(ctx, 10); err == nil {
		stats["recent_runs"] = runs
	}

	respondJSON(w, http.StatusOK, stats)
}

// handleHealth serves GET /health: liveness plus component checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unavailable"
		healthy = false
	} else {
		components["store"] = "ok"
	}

	if _, err := s.queue.Depths(ctx); err != nil {
		components["queue"] = "unavailable"
		healthy = false
	} else {
		components["queue"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":     state,
		"components": components,
	})
}
