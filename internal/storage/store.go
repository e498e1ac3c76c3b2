package storage

import (
	"context"
	"time"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// Store is the persistence port: the fixed capability set the rest of
// the system depends on. PostgresStore implements it for production,
// MemoryStore for tests.
type Store interface {
	// Products
	UpsertProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, sourceID string) (*models.Product, error)
	ListProducts(ctx context.Context, f *models.ProductFilters) ([]*models.Product, int, error)
	SoftDeleteProduct(ctx context.Context, sourceID string) error
	TouchProductSync(ctx context.Context, sourceID string, at time.Time, status types.EntitySyncStatus) error

	// Suppliers
	UpsertSupplier(ctx context.Context, s *models.Supplier) error
	GetSupplier(ctx context.Context, sourceID string) (*models.Supplier, error)
	SoftDeleteSupplier(ctx context.Context, sourceID string) error
	RefreshSupplierProductCounts(ctx context.Context) error

	// Images
	UpsertImage(ctx context.Context, img *models.ProductImage) error
	ListImages(ctx context.Context, productSourceID string) ([]*models.ProductImage, error)
	DeleteOrphanImages(ctx context.Context, olderThan time.Time) (int, error)

	// Versions
	AppendVersion(ctx context.Context, v *models.VersionRecord) error
	LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*models.VersionRecord, error)
	ListVersions(ctx context.Context, entityType types.EntityType, entityID string) ([]*models.VersionRecord, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error)

	// Sync runs
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	GetSyncRun(ctx context.Context, taskID string) (*models.SyncRun, error)
	UpdateSyncRun(ctx context.Context, run *models.SyncRun) error
	RequestCancel(ctx context.Context, taskID string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)

	// Health
	Ping(ctx context.Context) error
}

// PostgresStore aggregates the pgx-backed repositories behind the
// persistence port.
type PostgresStore struct {
	db          *PostgresDB
	Products    *ProductRepository
	Suppliers   *SupplierRepository
	Images      *ImageRepository
	Versions    *VersionRepository
	SyncRuns    *SyncRunRepository
	Checkpoints *CheckpointRepository
}

// NewPostgresStore wires the repositories over one connection pool.
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		Products:    NewProductRepository(db),
		Suppliers:   NewSupplierRepository(db),
		Images:      NewImageRepository(db),
		Versions:    NewVersionRepository(db),
		SyncRuns:    NewSyncRunRepository(db),
		Checkpoints: NewCheckpointRepository(db),
	}
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	return s.Products.Upsert(ctx, p)
}

func (s *PostgresStore) GetProduct(ctx context.Context, sourceID string) (*models.Product, error) {
	return s.Products.GetBySourceID(ctx, sourceID)
}

func (s *PostgresStore) ListProducts(ctx context.Context, f *models.ProductFilters) ([]*models.Product, int, error) {
	return s.Products.List(ctx, f)
}

func (s *PostgresStore) SoftDeleteProduct(ctx context.Context, sourceID string) error {
	return s.Products.SoftDelete(ctx, sourceID)
}

func (s *PostgresStore) TouchProductSync(ctx context.Context, sourceID string, at time.Time, status types.EntitySyncStatus) error {
	return s.Products.TouchSync(ctx, sourceID, at, status)
}

func (s *PostgresStore) UpsertSupplier(ctx context.Context, sup *models.Supplier) error {
	return s.Suppliers.Upsert(ctx, sup)
}

func (s *PostgresStore) GetSupplier(ctx context.Context, sourceID string) (*models.Supplier, error) {
	return s.Suppliers.GetBySourceID(ctx, sourceID)
}

func (s *PostgresStore) SoftDeleteSupplier(ctx context.Context, sourceID string) error {
	return s.Suppliers.SoftDelete(ctx, sourceID)
}

func (s *PostgresStore) RefreshSupplierProductCounts(ctx context.Context) error {
	return s.Suppliers.RefreshProductCounts(ctx)
}

func (s *PostgresStore) UpsertImage(ctx context.Context, img *models.ProductImage) error {
	return s.Images.Upsert(ctx, img)
}

func (s *PostgresStore) ListImages(ctx context.Context, productSourceID string) ([]*models.ProductImage, error) {
	return s.Images.ListByProduct(ctx, productSourceID)
}

func (s *PostgresStore) DeleteOrphanImages(ctx context.Context, olderThan time.Time) (int, error) {
	return s.Images.DeleteOrphans(ctx, olderThan)
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v *models.VersionRecord) error {
	return s.Versions.Append(ctx, v)
}

func (s *PostgresStore) LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*models.VersionRecord, error) {
	return s.Versions.Latest(ctx, entityType, entityID)
}

func (s *PostgresStore) ListVersions(ctx context.Context, entityType types.EntityType, entityID string) ([]*models.VersionRecord, error) {
	return s.Versions.List(ctx, entityType, entityID)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	return s.Checkpoints.Save(ctx, cp)
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	return s.Checkpoints.LoadLatest(ctx, taskID)
}

func (s *PostgresStore) PruneCheckpoints(ctx context.Context, olderThan time.Time) (int, error) {
	return s.Checkpoints.Prune(ctx, olderThan)
}

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	return s.SyncRuns.Create(ctx, run)
}

func (s *PostgresStore) GetSyncRun(ctx context.Context, taskID string) (*models.SyncRun, error) {
	return s.SyncRuns.GetByTaskID(ctx, taskID)
}

func (s *PostgresStore) UpdateSyncRun(ctx context.Context, run *models.SyncRun) error {
	return s.SyncRuns.Update(ctx, run)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, taskID string) error {
	return s.SyncRuns.RequestCancel(ctx, taskID)
}

func (s *PostgresStore) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	return s.SyncRuns.CancelRequested(ctx, taskID)
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	return s.SyncRuns.List(ctx, limit)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
