package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/types"
)

// createSyncRunRequest is the POST /sync-records body.
type createSyncRunRequest struct {
	OperationType types.OperationType `json:"operation_type"`
	SyncType      types.SyncType      `json:"sync_type"`
	Filter        models.SourceFilter `json:"source_filter"`
	Priority      *int                `json:"priority,omitempty"`
}

// driverTask maps a sync type to its driver task name.
func driverTask(syncType types.SyncType) (string, bool) {
	switch syncType {
	case types.SyncProduct, types.SyncAll, types.SyncImage:
		return "sync.products", true
	case types.SyncSupplier:
		return "sync.suppliers", true
	}
	return "", false
}

// handleCreateSyncRun serves POST /sync-records: create a run row and
// enqueue its driver task.
func (s *Server) handleCreateSyncRun(w http.ResponseWriter, r *http.Request) {
	var req createSyncRunRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}

	taskName, ok := driverTask(req.SyncType)
	if !ok {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown sync_type", nil)
		return
	}
	if req.OperationType == "" {
		req.OperationType = types.OperationManual
	}

	run := &models.SyncRun{
		TaskID:        uuid.NewString(),
		TaskName:      taskName,
		OperationType: req.OperationType,
		SyncType:      req.SyncType,
		Status:        types.RunPending,
		Filter:        req.Filter,
	}
	if err := s.store.CreateSyncRun(r.Context(), run); err != nil {
		respondTypedError(w, err)
		return
	}

	priority := types.PriorityNormal
	if req.Priority != nil && types.Priority(*req.Priority).Valid() {
		priority = types.Priority(*req.Priority)
	}

	workID, err := s.queue.Enqueue(r.Context(), taskName, map[string]string{"task_id": run.TaskID},
		queue.EnqueueOptions{Queue: types.QueueDataSync, Priority: priority})
	if err != nil {
		respondTypedError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": run.TaskID,
		"work_id": workID,
	})
}

// handleListSyncRuns serves GET /sync-records.
func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListSyncRuns(r.Context(), 100)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Items: runs, Total: len(runs), Limit: 100})
}

// handleCancelSyncRun serves POST /sync-records/{id}/cancel. The flag
// is observed by the handler at its next safe point.
func (s *Server) handleCancelSyncRun(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	if err := s.store.RequestCancel(r.Context(), taskID); err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancel_requested"})
}

// retrySyncRunRequest is the POST /sync-records/{id}/retry body.
type retrySyncRunRequest struct {
	ResumeFromCheckpoint bool `json:"resume_from_checkpoint"`
}

// handleRetrySyncRun serves POST /sync-records/{id}/retry: a new run
// referencing the prior one, optionally seeded with its checkpoint.
func (s *Server) handleRetrySyncRun(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req retrySyncRunRequest
	if r.ContentLength > 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
	}

	prior, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	if !prior.Status.Terminal() {
		respondError(w, http.StatusConflict, "CONFLICT", "sync run is still active", nil)
		return
	}

	run := &models.SyncRun{
		TaskID:        uuid.NewString(),
		TaskName:      prior.TaskName,
		OperationType: prior.OperationType,
		SyncType:      prior.SyncType,
		Status:        types.RunPending,
		Filter:        prior.Filter,
		RetryOf:       prior.TaskID,
	}
	if err := s.store.CreateSyncRun(r.Context(), run); err != nil {
		respondTypedError(w, err)
		return
	}

	// Retained checkpoints let a retry resume where the prior run
	// stopped
	if req.ResumeFromCheckpoint {
		if cp, err := s.store.LoadCheckpoint(r.Context(), prior.TaskID); err == nil && cp != nil {
			seed := &models.Checkpoint{TaskID: run.TaskID, Cursor: cp.Cursor, Counters: cp.Counters}
			if err := s.store.SaveCheckpoint(r.Context(), seed); err != nil {
				respondTypedError(w, err)
				return
			}
		}
	}

	workID, err := s.queue.Enqueue(r.Context(), run.TaskName, map[string]string{"task_id": run.TaskID},
		queue.EnqueueOptions{Queue: types.QueueDataSync, Priority: types.PriorityNormal})
	if err != nil {
		respondTypedError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id":  run.TaskID,
		"work_id":  workID,
		"retry_of": prior.TaskID,
	})
}

// handleProgress serves GET /sync-records/progress/{taskId}.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	run, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":      run.TaskID,
		"status":       run.Status,
		"progress":     run.Progress,
		"counters":     run.Counters,
		"error_digest": run.ErrorDigest,
	})
}
