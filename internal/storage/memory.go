package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// MemoryStore is an in-memory Store implementation used by tests and
// local development. It mirrors the Postgres semantics: upsert by
// source_id, dense version numbers, checkpoint checksums, sync run
// transitions.
type MemoryStore struct {
	mu          sync.RWMutex
	products    map[string]*models.Product
	suppliers   map[string]*models.Supplier
	images      map[string]*models.ProductImage // key product|kind|order
	versions    map[string][]*models.VersionRecord
	checkpoints map[string][]*models.Checkpoint
	runs        map[string]*models.SyncRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:    make(map[string]*models.Product),
		suppliers:   make(map[string]*models.Supplier),
		images:      make(map[string]*models.ProductImage),
		versions:    make(map[string][]*models.VersionRecord),
		checkpoints: make(map[string][]*models.Checkpoint),
		runs:        make(map[string]*models.SyncRun),
	}
}

func versionKey(t types.EntityType, id string) string {
	return string(t) + "|" + id
}

func (m *MemoryStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	if p.SourceID == "" {
		return apperrors.NewValidationError("source_id", "source_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *p
	now := time.Now().UTC()
	if existing, ok := m.products[p.SourceID]; ok {
		dup.CreatedAt = existing.CreatedAt
	} else {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now
	m.products[p.SourceID] = &dup
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, sourceID string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[sourceID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	dup := *p
	return &dup, nil
}

func (m *MemoryStore) ListProducts(ctx context.Context, f *models.ProductFilters) ([]*models.Product, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*models.Product
	for _, p := range m.products {
		if p.Deleted {
			continue
		}
		if f.Text != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(f.Text)) &&
			!strings.Contains(strings.ToLower(p.Description), strings.ToLower(f.Text)) {
			continue
		}
		if f.CategoryID != "" && p.CategoryID != f.CategoryID {
			continue
		}
		if f.SupplierID != "" && p.SupplierSourceID != f.SupplierID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.SyncStatus != nil && p.SyncStatus != *f.SyncStatus {
			continue
		}
		if f.PriceMin != nil && p.PriceMin.LessThan(*f.PriceMin) {
			continue
		}
		if f.PriceMax != nil && p.PriceMax.GreaterThan(*f.PriceMax) {
			continue
		}
		if f.RatingMin != nil && p.Rating < *f.RatingMin {
			continue
		}
		dup := *p
		all = append(all, &dup)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	total := len(all)
	offset := f.Offset
	if offset > total {
		offset = total
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) SoftDeleteProduct(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[sourceID]
	if !ok || p.Deleted {
		return apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	p.Deleted = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) TouchProductSync(ctx context.Context, sourceID string, at time.Time, status types.EntitySyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[sourceID]; ok {
		p.LastSyncTime = at
		p.SyncStatus = status
	}
	return nil
}

func (m *MemoryStore) UpsertSupplier(ctx context.Context, s *models.Supplier) error {
	if s.SourceID == "" {
		return apperrors.NewValidationError("source_id", "source_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *s
	now := time.Now().UTC()
	if existing, ok := m.suppliers[s.SourceID]; ok {
		dup.CreatedAt = existing.CreatedAt
		dup.ProductCount = existing.ProductCount
	} else {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now
	m.suppliers[s.SourceID] = &dup
	return nil
}

func (m *MemoryStore) GetSupplier(ctx context.Context, sourceID string) (*models.Supplier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suppliers[sourceID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	dup := *s
	return &dup, nil
}

func (m *MemoryStore) SoftDeleteSupplier(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suppliers[sourceID]
	if !ok || s.Deleted {
		return apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	s.Deleted = true
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RefreshSupplierProductCounts(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, p := range m.products {
		if !p.Deleted {
			counts[p.SupplierSourceID]++
		}
	}
	for _, s := range m.suppliers {
		s.ProductCount = counts[s.SourceID]
	}
	return nil
}

func imageKey(img *models.ProductImage) string {
	return fmt.Sprintf("%s|%s|%d", img.ProductSourceID, img.Kind, img.OrderIndex)
}

func (m *MemoryStore) UpsertImage(ctx context.Context, img *models.ProductImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *img
	dup.UpdatedAt = time.Now().UTC()
	m.images[imageKey(img)] = &dup
	return nil
}

func (m *MemoryStore) ListImages(ctx context.Context, productSourceID string) ([]*models.ProductImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ProductImage
	for _, img := range m.images {
		if img.ProductSourceID == productSourceID {
			dup := *img
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out, nil
}

func (m *MemoryStore) DeleteOrphanImages(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, img := range m.images {
		p, ok := m.products[img.ProductSourceID]
		if !ok {
			continue
		}
		if !img.UpdatedAt.Before(olderThan) {
			continue
		}
		referenced := img.URL == p.MainImageURL
		for _, u := range p.DetailImages {
			if u == img.URL {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(m.images, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) AppendVersion(ctx context.Context, v *models.VersionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := versionKey(v.EntityType, v.EntityID)
	dup := *v
	dup.VersionNo = len(m.versions[key]) + 1
	dup.CreatedAt = time.Now().UTC()
	m.versions[key] = append(m.versions[key], &dup)
	v.VersionNo = dup.VersionNo
	return nil
}

func (m *MemoryStore) LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*models.VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[versionKey(entityType, entityID)]
	if len(list) == 0 {
		return nil, nil
	}
	dup := *list[len(list)-1]
	return &dup, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, entityType types.EntityType, entityID string) ([]*models.VersionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[versionKey(entityType, entityID)]
	out := make([]*models.VersionRecord, len(list))
	for i, v := range list {
		dup := *v
		out[i] = &dup
	}
	return out, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *cp
	dup.SequenceNo = len(m.checkpoints[cp.TaskID]) + 1
	dup.Checksum = dup.ComputeChecksum()
	dup.CreatedAt = time.Now().UTC()
	m.checkpoints[cp.TaskID] = append(m.checkpoints[cp.TaskID], &dup)
	cp.SequenceNo = dup.SequenceNo
	cp.Checksum = dup.Checksum
	return nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.checkpoints[taskID]
	if len(list) == 0 {
		return nil, nil
	}
	dup := *list[len(list)-1]
	if !dup.Verify() {
		return nil, apperrors.ErrCheckpointCorrupt.WithDetail("task_id", taskID)
	}
	return &dup, nil
}

func (m *MemoryStore) PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for taskID, list := range m.checkpoints {
		var kept []*models.Checkpoint
		for _, cp := range list {
			if cp.CreatedAt.Before(olderThan) {
				removed++
			} else {
				kept = append(kept, cp)
			}
		}
		m.checkpoints[taskID] = kept
	}
	return removed, nil
}

func (m *MemoryStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.TaskID]; ok {
		return apperrors.ErrUniqueViolation.WithDetail("task_id", run.TaskID)
	}
	dup := *run
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	m.runs[run.TaskID] = &dup
	return nil
}

func (m *MemoryStore) GetSyncRun(ctx context.Context, taskID string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[taskID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail("task_id", taskID)
	}
	dup := *run
	return &dup, nil
}

func (m *MemoryStore) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[run.TaskID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("task_id", run.TaskID)
	}
	if current.Status != run.Status && !current.Status.CanTransitionTo(run.Status) {
		return apperrors.NewBadRequest("illegal sync run transition")
	}
	dup := *run
	dup.CreatedAt = current.CreatedAt
	dup.CancelRequested = current.CancelRequested
	dup.UpdatedAt = time.Now().UTC()
	m.runs[run.TaskID] = &dup
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[taskID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("task_id", taskID)
	}
	if run.Status.Terminal() {
		return apperrors.NewBadRequest("sync run is not cancellable")
	}
	run.CancelRequested = true
	return nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[taskID]
	if !ok {
		return false, apperrors.ErrNotFound.WithDetail("task_id", taskID)
	}
	return run.CancelRequested, nil
}

func (m *MemoryStore) ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SyncRun
	for _, run := range m.runs {
		dup := *run
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
