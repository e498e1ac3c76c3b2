package version

import (
	"context"
	"testing"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProduct() *models.Product {
	return &models.Product{
		SourceID:         "1001",
		Title:            "红苹果 500g",
		PriceMin:         decimal.NewFromFloat(12.5),
		PriceMax:         decimal.NewFromFloat(15),
		Currency:         "CNY",
		MOQ:              10,
		SupplierSourceID: "S-88",
	}
}

func TestFirstRecordIsCreateVersionOne(t *testing.T) {
	store := storage.NewMemoryStore()
	v := New(store, "tester")
	ctx := context.Background()

	rec, err := v.Record(ctx, types.EntityProduct, "1001", sampleProduct(), types.ChangeUpdate)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.ChangeCreate, rec.ChangeKind)
	assert.Equal(t, 1, rec.VersionNo)
	assert.Nil(t, rec.Diff)
}

func TestIdenticalCanonicalBytesWriteNoVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	v := New(store, "tester")
	ctx := context.Background()

	p := sampleProduct()
	_, err := v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate)
	require.NoError(t, err)

	// Volatile sync bookkeeping must not produce a version
	p2 := sampleProduct()
	p2.SyncStatus = types.SyncStatusCompleted
	rec, err := v.Record(ctx, types.EntityProduct, p2.SourceID, p2, types.ChangeUpdate)
	require.NoError(t, err)
	assert.Nil(t, rec)

	versions, err := store.ListVersions(ctx, types.EntityProduct, "1001")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestUpdateWritesDenseVersionsWithDiff(t *testing.T) {
	store := storage.NewMemoryStore()
	v := New(store, "tester")
	ctx := context.Background()

	p := sampleProduct()
	_, err := v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate)
	require.NoError(t, err)

	p.Title = "红苹果 500g 新包装"
	p.PriceMax = decimal.NewFromFloat(16)
	rec, err := v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.VersionNo)
	assert.Equal(t, types.ChangeUpdate, rec.ChangeKind)

	require.NotNil(t, rec.Diff)
	var fields []string
	for _, c := range rec.Diff.Modified {
		fields = append(fields, c.Field)
	}
	assert.Contains(t, fields, "title")
	assert.Contains(t, fields, "price_max")
	assert.Empty(t, rec.Diff.Added)
	assert.Empty(t, rec.Diff.Removed)
}

func TestDeleteAndRestoreAreRecordedEvenWhenTrivial(t *testing.T) {
	store := storage.NewMemoryStore()
	v := New(store, "tester")
	ctx := context.Background()

	p := sampleProduct()
	_, err := v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate)
	require.NoError(t, err)

	p.Deleted = true
	rec, err := v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeDelete)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.ChangeDelete, rec.ChangeKind)

	p.Deleted = false
	rec, err = v.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeRestore)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.ChangeRestore, rec.ChangeKind)
	assert.Equal(t, 3, rec.VersionNo)
}

func TestChecksumMatchesSnapshotBytes(t *testing.T) {
	canonical, err := Canonicalize(sampleProduct())
	require.NoError(t, err)
	assert.Len(t, Checksum(canonical), 64)

	again, err := Canonicalize(sampleProduct())
	require.NoError(t, err)
	assert.Equal(t, Checksum(canonical), Checksum(again), "canonical encoding must be stable")
}

func TestDiffAddedRemoved(t *testing.T) {
	diff, err := Diff([]byte(`{"a":1,"b":2}`), []byte(`{"b":3,"c":4}`))
	require.NoError(t, err)

	require.Len(t, diff.Added, 1)
	assert.Equal(t, "c", diff.Added[0].Field)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "a", diff.Removed[0].Field)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "b", diff.Modified[0].Field)
}
