package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/market-sync/internal/fetch"
	"github.com/market-sync/internal/identity"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarket serves a two-page product listing with detail pages.
func fakeMarket(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	detail := func(id, title, price string) string {
		return fmt.Sprintf(`<html><body>
			<div data-offer-id="%s"></div>
			<div class="d-title"><h1>%s</h1></div>
			<div class="d-price"><span class="price">%s</span></div>
			<div class="moq">10 起</div>
			<div class="d-seller"><span class="seller-name" data-id="S-88">山东果业</span></div>
			<div class="main-image"><img src="IMGBASE/%s-main.jpg"></div>
			<div class="detail-gallery"><img src="IMGBASE/%s-1.jpg"></div>
		</body></html>`, id, title, price, id, id)
	}

	var srv *httptest.Server
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("beginPage")
		if page == "2" {
			fmt.Fprintf(w, `<html><body><div class="offer-list">
				<div class="offer-item" data-offer-id="P3"><a href="%s/offer/P3"></a><div class="title">绿苹果 1kg</div><div class="price">¥20</div></div>
			</div></body></html>`, srv.URL)
			return
		}
		fmt.Fprintf(w, `<html><body><div class="offer-list">
			<div class="offer-item" data-offer-id="P1"><a href="%s/offer/P1"></a><div class="title">红苹果 500g</div><div class="price">¥12.5</div></div>
			<div class="offer-item" data-offer-id="P2"><a href="%s/offer/P2"></a><div class="title">红富士苹果礼盒</div><div class="price">¥45</div></div>
		</div><div class="ui-page-next"><a href="%s/list?beginPage=2"></a></div></body></html>`,
			srv.URL, srv.URL, srv.URL)
	})
	mux.HandleFunc("/offer/P1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detail("P1", "红苹果 500g 新鲜直达", "¥12.50 - ¥15.00"))
	})
	mux.HandleFunc("/offer/P2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detail("P2", "红富士苹果礼盒装", "¥45"))
	})
	mux.HandleFunc("/offer/P3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detail("P3", "绿苹果 1kg 产地直供", "¥20"))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	store    *storage.MemoryStore
	queue    queue.Queue
	coord    *Coordinator
	pool     *worker.Pool
	registry *worker.Registry
}

func newTestEnv(t *testing.T, srv *httptest.Server) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, 0, 0)
	store := storage.NewMemoryStore()

	pool := identity.NewPool(identity.Config{
		UserAgents: []string{"test"}, HostQPS: 1000, HostBurst: 1000, AcquireWait: time.Second,
	})
	fetcher := fetch.NewFetcher(pool, fetch.Config{MinDelay: time.Millisecond})

	coord := NewCoordinator(store, q, fetcher, &Source{BaseURL: srv.URL}, nil)

	registry := worker.NewRegistry()
	coord.Register(registry)
	coord.RegisterCrawlHandlers(registry)

	wp := worker.NewPool(worker.PoolConfig{
		Workers:      2,
		Queues:       []string{types.QueueDataSync, types.QueueCrawler, types.QueueBatch},
		LeaseTTL:     10 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, q, store, registry, nil)

	return &testEnv{store: store, queue: q, coord: coord, pool: wp, registry: registry}
}

func createRun(t *testing.T, env *testEnv, taskID string) *models.SyncRun {
	t.Helper()
	run := &models.SyncRun{
		TaskID:        taskID,
		TaskName:      "sync.products",
		OperationType: types.OperationManual,
		SyncType:      types.SyncProduct,
		Status:        types.RunPending,
	}
	require.NoError(t, env.store.CreateSyncRun(context.Background(), run))
	return run
}

func waitForStatus(t *testing.T, env *testEnv, taskID string, want types.RunStatus) *models.SyncRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.store.GetSyncRun(context.Background(), taskID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := env.store.GetSyncRun(context.Background(), taskID)
	t.Fatalf("run never reached %s, last status %s (digest %v)", want, run.Status, run.ErrorDigest)
	return nil
}

func TestProductSyncEndToEnd(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createRun(t, env, "run-1")
	_, err := env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-1"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	run := waitForStatus(t, env, "run-1", types.RunCompleted)
	assert.Equal(t, 3, run.Counters.Processed)
	assert.Equal(t, 3, run.Counters.Success)
	assert.True(t, run.Counters.Consistent())
	assert.Equal(t, float64(100), run.Progress)
	require.NotNil(t, run.EndedAt)
	assert.False(t, run.EndedAt.Before(*run.StartedAt))

	// Canonical records landed with parsed prices
	p, err := env.store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", p.PriceMin.String())
	assert.Equal(t, "15", p.PriceMax.String())
	assert.Equal(t, types.SyncStatusCompleted, p.SyncStatus)

	// Every entity has at least one version, starting at 1
	versions, err := env.store.ListVersions(ctx, types.EntityProduct, "P1")
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, 1, versions[0].VersionNo)
	assert.Equal(t, types.ChangeCreate, versions[0].ChangeKind)

	// The referenced supplier was stubbed from detail-page evidence so
	// the product reference resolves
	supplier, err := env.store.GetSupplier(ctx, "S-88")
	require.NoError(t, err)
	assert.Equal(t, "山东果业", supplier.Name)
	supplierVersions, err := env.store.ListVersions(ctx, types.EntitySupplier, "S-88")
	require.NoError(t, err)
	require.NotEmpty(t, supplierVersions)
	assert.Equal(t, types.ChangeCreate, supplierVersions[0].ChangeKind)

	// Image work was fanned out onto the image queue
	imageWork := 0
	for {
		lease, err := env.queue.Lease(ctx, []string{types.QueueImage}, "drain", time.Minute)
		require.NoError(t, err)
		if lease == nil {
			break
		}
		assert.Equal(t, "image.download", lease.TaskName)
		imageWork++
		require.NoError(t, env.queue.Ack(ctx, lease.WorkID, lease.Token))
	}
	assert.Equal(t, 6, imageWork, "one main and one detail image per product")
}

func TestSecondSyncIsVersionNoOp(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.pool.Start(ctx)
	defer env.pool.Stop()

	createRun(t, env, "run-1")
	_, err := env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-1"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)
	waitForStatus(t, env, "run-1", types.RunCompleted)

	first, err := env.store.GetProduct(ctx, "P1")
	require.NoError(t, err)

	createRun(t, env, "run-2")
	_, err = env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-2"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)
	run2 := waitForStatus(t, env, "run-2", types.RunCompleted)

	// Unchanged content: skipped, no new versions, updated_at stable
	assert.Equal(t, 3, run2.Counters.Skipped)
	assert.Equal(t, 0, run2.Counters.Success)

	versions, err := env.store.ListVersions(ctx, types.EntityProduct, "P1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	second, err := env.store.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "updated_at unchanged on no-op")
	assert.True(t, second.LastSyncTime.After(first.LastSyncTime) || second.LastSyncTime.Equal(first.LastSyncTime))
}

func TestDeletedSupplierBlocksProducts(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The supplier every detail page references is tombstoned
	require.NoError(t, env.store.UpsertSupplier(ctx, &models.Supplier{
		SourceID: "S-88", Name: "山东果业", BusinessType: types.BusinessTrader, Deleted: true,
	}))

	createRun(t, env, "run-1")
	_, err := env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-1"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	// Every record fails the referential rule; the failure ratio
	// pushes the run to failed
	run := waitForStatus(t, env, "run-1", types.RunFailed)
	assert.Equal(t, 3, run.Counters.Failed)
	assert.True(t, run.Counters.Consistent())
	assert.Contains(t, run.ErrorDigest, "VALIDATION_ERROR")

	_, err = env.store.GetProduct(ctx, "P1")
	assert.Error(t, err, "no product may persist against a deleted supplier")
}

func TestCancelObservedAtPageBoundary(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createRun(t, env, "run-1")
	require.NoError(t, env.store.RequestCancel(ctx, "run-1"))

	_, err := env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-1"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	run := waitForStatus(t, env, "run-1", types.RunCancelled)
	assert.Equal(t, types.RunCancelled, run.Status)
}

func TestResumeFromCheckpointSkipsDonePages(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createRun(t, env, "run-1")

	// A prior attempt finished page 1 and checkpointed before dying
	prior := cursor{Page: 2, NextURL: srv.URL + "/list?beginPage=2"}
	require.NoError(t, env.store.SaveCheckpoint(ctx, &models.Checkpoint{
		TaskID:   "run-1",
		Cursor:   prior.encode(),
		Counters: models.RunCounters{Processed: 2, Success: 2},
	}))

	_, err := env.queue.Enqueue(ctx, "sync.products", map[string]string{"task_id": "run-1"},
		queue.EnqueueOptions{Queue: types.QueueDataSync})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	run := waitForStatus(t, env, "run-1", types.RunCompleted)

	// Final counters are a superset of the checkpoint: only page 2's
	// single item was re-processed
	assert.Equal(t, 3, run.Counters.Processed)
	assert.GreaterOrEqual(t, run.Counters.Success, 2)
	assert.True(t, run.Counters.Consistent())

	// Page 1 products were never fetched on the resumed attempt
	_, err = env.store.GetProduct(ctx, "P1")
	assert.Error(t, err)
	_, err = env.store.GetProduct(ctx, "P3")
	assert.NoError(t, err)
}

func TestCrawlSyncCategoryCreatesRun(t *testing.T) {
	srv := fakeMarket(t)
	env := newTestEnv(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.queue.Enqueue(ctx, "crawl.sync_category", map[string]string{"category_id": "fruit"},
		queue.EnqueueOptions{Queue: types.QueueCrawler})
	require.NoError(t, err)

	env.pool.Start(ctx)
	defer env.pool.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := env.store.ListSyncRuns(ctx, 10)
		require.NoError(t, err)
		for _, run := range runs {
			if run.Status == types.RunCompleted && run.OperationType == types.OperationScheduled {
				assert.Equal(t, "fruit", run.Filter.CategoryID)
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduled category run never completed")
}
