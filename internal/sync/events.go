// Package sync composes the fetch and data-quality pipelines into the
// end-to-end synchronization of categories and batches.
package sync

import (
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/validate"
)

// Events receives pipeline lifecycle notifications. Implementations
// must not block; the supervision layer and the push surface subscribe
// through this interface.
type Events interface {
	RunProgress(run *models.SyncRun)
	RunCompleted(run *models.SyncRun)
	RunFailed(run *models.SyncRun)
	RunCancelled(run *models.SyncRun)
	ProductUpserted(sourceID string, created bool)
	RecordRejected(taskID, entityType, sourceID string, diags []validate.Diagnostic)
}

// NopEvents drops all notifications.
type NopEvents struct{}

func (NopEvents) RunProgress(*models.SyncRun)                                  {}
func (NopEvents) RunCompleted(*models.SyncRun)                                 {}
func (NopEvents) RunFailed(*models.SyncRun)                                    {}
func (NopEvents) RunCancelled(*models.SyncRun)                                 {}
func (NopEvents) ProductUpserted(string, bool)                                 {}
func (NopEvents) RecordRejected(string, string, string, []validate.Diagnostic) {}
