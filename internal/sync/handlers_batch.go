package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
)

// BatchHandlers implements the batch.* tasks over JSONL files in the
// data directory.
type BatchHandlers struct {
	coordinator *Coordinator
	dataDir     string
}

// NewBatchHandlers creates the batch handler set.
func NewBatchHandlers(coordinator *Coordinator, dataDir string) *BatchHandlers {
	return &BatchHandlers{coordinator: coordinator, dataDir: dataDir}
}

// Register binds the batch.* task names.
func (b *BatchHandlers) Register(registry *worker.Registry) {
	registry.Register("batch.import", b.Import)
	registry.Register("batch.export", b.Export)
	registry.Register("batch.update", b.Update)
	registry.Register("batch.delete", b.Delete)
}

// ImportArgs name the JSONL file to import, relative to the data dir.
type ImportArgs struct {
	TaskID string `json:"task_id,omitempty"`
	File   string `json:"file"`
}

// Import reads product records from a JSONL file and runs each
// through validation, versioning and upsert. The checkpoint carries
// the line offset so a resumed import skips what it already wrote.
func (b *BatchHandlers) Import(ctx context.Context, tc *worker.TaskContext) error {
	var args ImportArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}
	if args.File == "" {
		return apperrors.ErrMalformed.WithDetail("reason", "missing file")
	}

	path := filepath.Join(b.dataDir, filepath.Clean(args.File))
	f, err := os.Open(path)
	if err != nil {
		return apperrors.ErrMalformed.WithCause(err).WithDetail("file", args.File)
	}
	defer f.Close()

	startLine := 0
	counters := models.RunCounters{}
	if cp, err := tc.LoadCheckpoint(ctx); err == nil && cp != nil {
		var c struct {
			Line int `json:"line"`
		}
		if json.Unmarshal(cp.Cursor, &c) == nil {
			startLine = c.Line
			counters = cp.Counters
		}
	}

	scratch := &models.SyncRun{TaskID: tc.TaskID, Counters: counters}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if line <= startLine {
			continue
		}

		var p models.Product
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			digest(scratch, "MALFORMED")
			scratch.Counters.Failed++
			scratch.Counters.Processed++
			continue
		}
		scratch.Counters.Processed++

		if vr := b.coordinator.validator.Product(&p); vr.Blocked() {
			b.coordinator.events.RecordRejected(tc.TaskID, string(types.EntityProduct), p.SourceID, vr.Diagnostics)
			scratch.Counters.Failed++
			continue
		}
		if err := b.coordinator.upsertProduct(ctx, scratch, &p); err != nil {
			if apperrors.ClassifyRetry(err) == apperrors.RetryTransient {
				return err
			}
			scratch.Counters.Failed++
		}

		if line%100 == 0 {
			cursor, _ := json.Marshal(map[string]int{"line": line})
			if err := tc.SaveCheckpoint(ctx, cursor, scratch.Counters); err != nil {
				return err
			}
			_ = tc.Heartbeat(ctx)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"file":      args.File,
		"processed": scratch.Counters.Processed,
		"failed":    scratch.Counters.Failed,
	}).Info("Import finished")
	return nil
}

// ExportArgs name the JSONL file to write, relative to the data dir.
type ExportArgs struct {
	TaskID string `json:"task_id,omitempty"`
	File   string `json:"file,omitempty"`
}

// Export writes all non-deleted products as JSONL into the data dir.
func (b *BatchHandlers) Export(ctx context.Context, tc *worker.TaskContext) error {
	var args ExportArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}
	name := args.File
	if name == "" {
		name = fmt.Sprintf("products-%s.jsonl", time.Now().UTC().Format("20060102-150405"))
	}

	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(b.dataDir, filepath.Clean(name))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	exported := 0
	for offset := 0; ; offset += 200 {
		page, _, err := b.coordinator.store.ListProducts(ctx, &models.ProductFilters{Limit: 200, Offset: offset})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			row, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode product %s: %w", p.SourceID, err)
			}
			if _, err := w.Write(append(row, '\n')); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			exported++
		}
		_ = tc.Heartbeat(ctx)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"file":     name,
		"exported": exported,
	}).Info("Export finished")
	return nil
}

// UpdateArgs apply one field patch to a set of products.
type UpdateArgs struct {
	TaskID    string               `json:"task_id,omitempty"`
	SourceIDs []string             `json:"source_ids"`
	Status    *types.ProductStatus `json:"status,omitempty"`
	Category  *string              `json:"category_id,omitempty"`
}

// Update applies the patch to each product through the versioner so
// history stays complete.
func (b *BatchHandlers) Update(ctx context.Context, tc *worker.TaskContext) error {
	var args UpdateArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	scratch := &models.SyncRun{TaskID: tc.TaskID}
	for _, id := range args.SourceIDs {
		p, err := b.coordinator.store.GetProduct(ctx, id)
		if err != nil {
			scratch.Counters.Failed++
			continue
		}
		if args.Status != nil {
			p.Status = *args.Status
		}
		if args.Category != nil {
			p.CategoryID = *args.Category
		}
		if err := b.coordinator.upsertProduct(ctx, scratch, p); err != nil {
			if apperrors.ClassifyRetry(err) == apperrors.RetryTransient {
				return err
			}
			scratch.Counters.Failed++
		}
	}
	return nil
}

// DeleteArgs tombstone a set of products.
type DeleteArgs struct {
	TaskID    string   `json:"task_id,omitempty"`
	SourceIDs []string `json:"source_ids"`
}

// Delete soft-deletes each product and records a delete version.
func (b *BatchHandlers) Delete(ctx context.Context, tc *worker.TaskContext) error {
	var args DeleteArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	for _, id := range args.SourceIDs {
		p, err := b.coordinator.store.GetProduct(ctx, id)
		if err != nil {
			continue
		}
		p.Deleted = true

		unlock := b.coordinator.locks.Lock(id)
		if _, err := b.coordinator.versioner.Record(ctx, types.EntityProduct, id, p, types.ChangeDelete); err != nil {
			unlock()
			return err
		}
		if err := b.coordinator.store.SoftDeleteProduct(ctx, id); err != nil {
			unlock()
			if apperrors.ClassifyRetry(err) == apperrors.RetryTransient {
				return err
			}
			continue
		}
		unlock()
	}
	return nil
}
