package sync

import (
	"context"

	"github.com/google/uuid"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/extract"
	"github.com/market-sync/internal/fetch"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
)

// CrawlArgs drive the crawl.* tasks.
type CrawlArgs struct {
	TaskID     string `json:"task_id,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	Keyword    string `json:"keyword,omitempty"`
	Page       int    `json:"page,omitempty"`
	URL        string `json:"url,omitempty"`
	MaxPages   int    `json:"max_pages,omitempty"`
}

// RegisterCrawlHandlers binds the crawl.* task names.
func (c *Coordinator) RegisterCrawlHandlers(registry *worker.Registry) {
	registry.Register("crawl.fetch_products", c.FetchProducts)
	registry.Register("crawl.fetch_product_details", c.FetchProductDetails)
	registry.Register("crawl.fetch_suppliers", c.FetchSuppliers)
	registry.Register("crawl.sync_category", c.SyncCategory)
}

// FetchProducts walks list pages for a category and fans detail
// fetches out onto the crawler queue.
func (c *Coordinator) FetchProducts(ctx context.Context, tc *worker.TaskContext) error {
	var args CrawlArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	filter := models.SourceFilter{CategoryID: args.CategoryID, Keyword: args.Keyword}
	page := maxInt(args.Page, 1)
	maxPages := args.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	enqueued := 0
	pageURL := c.source.ListURL(filter, page)
	for ; page <= maxPages && pageURL != ""; page++ {
		resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: pageURL})
		if err != nil {
			return err
		}
		result, err := c.extractor.Extract(resp.Body, types.PageList)
		if err != nil {
			return err
		}

		for _, item := range result.List.Items {
			_, err := c.queue.Enqueue(ctx, "crawl.fetch_product_details", CrawlArgs{
				TaskID: tc.TaskID,
				URL:    item.URL,
			}, queue.EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityNormal})
			if err != nil {
				// Backpressure pauses the fanout until the next run
				logging.FromContext(ctx).WithError(err).Warn("Detail fanout stopped")
				return nil
			}
			enqueued++
		}

		pageURL = result.List.NextPageURL
		_ = tc.Heartbeat(ctx)
	}

	logging.FromContext(ctx).WithField("enqueued", enqueued).Info("Product fetch fanout finished")
	return nil
}

// FetchProductDetails fetches one detail page and runs the record
// through the full quality pipeline.
func (c *Coordinator) FetchProductDetails(ctx context.Context, tc *worker.TaskContext) error {
	var args CrawlArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}
	if args.URL == "" {
		return apperrors.ErrMalformed.WithDetail("reason", "missing url")
	}

	// Record-level bookkeeping rides on a scratch run so the shared
	// pipeline path can be reused verbatim
	scratch := &models.SyncRun{TaskID: tc.TaskID}
	product, ok := c.processDetail(ctx, scratch, extract.RawListItem{URL: args.URL})
	if !ok {
		return apperrors.ErrMalformed.WithDetail("url", args.URL)
	}
	return c.upsertProduct(ctx, scratch, product)
}

// FetchSuppliers walks the supplier directory for a keyword.
func (c *Coordinator) FetchSuppliers(ctx context.Context, tc *worker.TaskContext) error {
	var args CrawlArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	filter := models.SourceFilter{Keyword: args.Keyword}
	scratch := &models.SyncRun{TaskID: tc.TaskID}
	page := maxInt(args.Page, 1)
	maxPages := args.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	pageURL := c.source.SupplierListURL(filter, page)
	for ; page <= maxPages && pageURL != ""; page++ {
		next, err := c.supplierPage(ctx, tc, scratch, pageURL)
		if err != nil {
			return err
		}
		pageURL = next
	}
	return nil
}

// SyncCategory creates a SyncRun for a category and enqueues its
// driver task, so a crawl trigger and an operator request share one
// code path.
func (c *Coordinator) SyncCategory(ctx context.Context, tc *worker.TaskContext) error {
	var args CrawlArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	run := &models.SyncRun{
		TaskID:        uuid.NewString(),
		TaskName:      "sync.products",
		OperationType: types.OperationScheduled,
		SyncType:      types.SyncProduct,
		Status:        types.RunPending,
		Filter:        models.SourceFilter{CategoryID: args.CategoryID},
	}
	if err := c.store.CreateSyncRun(ctx, run); err != nil {
		return err
	}

	_, err := c.queue.Enqueue(ctx, "sync.products", runArgs{TaskID: run.TaskID}, queue.EnqueueOptions{
		Queue:    types.QueueDataSync,
		Priority: types.PriorityNormal,
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"task_id":  run.TaskID,
		"category": args.CategoryID,
	}).Info("Category sync scheduled")
	return nil
}
