package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBatchEnv(t *testing.T) (*testEnv, *BatchHandlers, string) {
	t.Helper()
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	dataDir := t.TempDir()
	b := NewBatchHandlers(env.coord, dataDir)

	registry := env.registry
	b.Register(registry)
	return env, b, dataDir
}

func writeJSONL(t *testing.T, path string, rows []interface{}) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, row := range rows {
		raw, err := json.Marshal(row)
		require.NoError(t, err)
		_, _ = w.Write(append(raw, '\n'))
	}
	require.NoError(t, w.Flush())
}

func importedProduct(id, title string) *models.Product {
	return &models.Product{
		SourceID: id, Title: title,
		PriceMin: decimal.NewFromInt(10), PriceMax: decimal.NewFromInt(12),
		Currency: "CNY", MOQ: 1, SupplierSourceID: "S-1",
		Status: types.ProductActive, SyncStatus: types.SyncStatusPending,
	}
}

func TestBatchImportAndExportRoundTrip(t *testing.T) {
	env, _, dataDir := seedBatchEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Imported products must reference a live supplier
	require.NoError(t, env.store.UpsertSupplier(ctx, &models.Supplier{
		SourceID: "S-1", Name: "测试供应商", BusinessType: types.BusinessTrader,
	}))

	orphan := importedProduct("B3", "无主商品")
	orphan.SupplierSourceID = "S-GONE"

	writeJSONL(t, filepath.Join(dataDir, "in.jsonl"), []interface{}{
		importedProduct("B1", "批量商品一"),
		importedProduct("B2", "批量商品二"),
		orphan,
		map[string]string{"not": "a product; rejected for missing fields"},
	})

	_, err := env.queue.Enqueue(ctx, "batch.import", map[string]string{"file": "in.jsonl"},
		queue.EnqueueOptions{Queue: types.QueueBatch})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.store.GetProduct(ctx, "B2"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p, err := env.store.GetProduct(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "批量商品一", p.Title)

	// The row referencing a nonexistent supplier never persists
	_, err = env.store.GetProduct(ctx, "B3")
	assert.Error(t, err, "unresolvable supplier reference must block persistence")

	// Imports flow through the versioner like any other write
	versions, err := env.store.ListVersions(ctx, types.EntityProduct, "B1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, types.ChangeCreate, versions[0].ChangeKind)

	// Export writes everything back out
	_, err = env.queue.Enqueue(ctx, "batch.export", map[string]string{"file": "out.jsonl"},
		queue.EnqueueOptions{Queue: types.QueueBatch})
	require.NoError(t, err)

	outPath := filepath.Join(dataDir, "out.jsonl")
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(outPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"B1"`)
	assert.Contains(t, string(data), `"B2"`)
}

func TestBatchDeleteWritesDeleteVersion(t *testing.T) {
	env, _, _ := seedBatchEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.UpsertProduct(ctx, importedProduct("D1", "待删除")))

	// Drive the handler directly; it only needs args decoding
	_, err := env.queue.Enqueue(ctx, "batch.delete", DeleteArgs{SourceIDs: []string{"D1"}},
		queue.EnqueueOptions{Queue: types.QueueBatch})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	env.pool.Start(runCtx)
	defer env.pool.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		versions, err := env.store.ListVersions(ctx, types.EntityProduct, "D1")
		require.NoError(t, err)
		if len(versions) > 0 && versions[len(versions)-1].ChangeKind == types.ChangeDelete {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delete version never recorded")
}
