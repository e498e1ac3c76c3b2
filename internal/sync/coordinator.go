package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/market-sync/internal/clean"
	"github.com/market-sync/internal/dedup"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/extract"
	"github.com/market-sync/internal/fetch"
	"github.com/market-sync/internal/images"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/validate"
	"github.com/market-sync/internal/version"
	"github.com/market-sync/internal/worker"
)

// Coordinator composes fetcher, extractor, cleaner, validator, deduper
// and versioner into the page-driven sync pipeline.
type Coordinator struct {
	store     storage.Store
	queue     queue.Queue
	fetcher   *fetch.Fetcher
	extractor *extract.Extractor
	validator *validate.Validator
	versioner *version.Versioner
	events    Events
	source    *Source
	locks     *keyedMutex

	// MaxPages bounds a single run as a runaway guard.
	MaxPages int
}

// NewCoordinator wires the pipeline.
func NewCoordinator(
	store storage.Store,
	q queue.Queue,
	fetcher *fetch.Fetcher,
	source *Source,
	events Events,
) *Coordinator {
	if events == nil {
		events = NopEvents{}
	}
	return &Coordinator{
		store:     store,
		queue:     q,
		fetcher:   fetcher,
		extractor: extract.NewExtractor(),
		validator: validate.New(validate.Limits{}),
		versioner: version.New(store, "sync"),
		events:    events,
		source:    source,
		locks:     newKeyedMutex(),
		MaxPages:  1000,
	}
}

// Register binds the sync.* driver tasks.
func (c *Coordinator) Register(registry *worker.Registry) {
	registry.Register("sync.products", c.SyncProducts)
	registry.Register("sync.suppliers", c.SyncSuppliers)
	registry.Register("sync.validate", c.Revalidate)
	registry.Register("sync.cleanup_duplicates", c.CleanupDuplicates)
	registry.Register("sync.prune_checkpoints", c.PruneCheckpoints)
}

// CheckpointRetention is how long finished tasks keep their
// checkpoints for audit and retry.
const CheckpointRetention = 7 * 24 * time.Hour

// PruneCheckpoints drops checkpoints past the retention window.
func (c *Coordinator) PruneCheckpoints(ctx context.Context, tc *worker.TaskContext) error {
	n, err := c.store.PruneCheckpoints(ctx, time.Now().UTC().Add(-CheckpointRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		logging.FromContext(ctx).WithField("pruned", n).Info("Checkpoints pruned")
	}
	return nil
}

// runArgs is the driver-task argument envelope. Scheduler-fired work
// carries no task_id; the run row is created on first lease.
type runArgs struct {
	TaskID     string `json:"task_id,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	Keyword    string `json:"keyword,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// loadRun fetches the SyncRun row and moves it to running on first
// lease.
func (c *Coordinator) loadRun(ctx context.Context, tc *worker.TaskContext) (*models.SyncRun, error) {
	var args runArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return c.createScheduledRun(ctx, tc, args)
	}

	run, err := c.store.GetSyncRun(ctx, args.TaskID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		// A stale redelivery of a finished run is a no-op
		return nil, nil
	}
	if run.Status == types.RunPending {
		now := time.Now().UTC()
		run.Status = types.RunRunning
		run.StartedAt = &now
		if err := c.store.UpdateSyncRun(ctx, run); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// createScheduledRun backs scheduler-fired driver work with a run row
// so progress and counters stay operator-visible. Idempotent per work
// id: a redelivery finds the existing row.
func (c *Coordinator) createScheduledRun(ctx context.Context, tc *worker.TaskContext, args runArgs) (*models.SyncRun, error) {
	if existing, err := c.store.GetSyncRun(ctx, tc.WorkID); err == nil {
		if existing.Status.Terminal() {
			return nil, nil
		}
		return existing, nil
	}

	syncType := types.SyncProduct
	if tc.TaskName == "sync.suppliers" {
		syncType = types.SyncSupplier
	}
	now := time.Now().UTC()
	run := &models.SyncRun{
		TaskID:        tc.WorkID,
		TaskName:      tc.TaskName,
		OperationType: types.OperationScheduled,
		SyncType:      syncType,
		Status:        types.RunRunning,
		StartedAt:     &now,
		Filter: models.SourceFilter{
			CategoryID: args.CategoryID,
			Keyword:    args.Keyword,
			Limit:      args.Limit,
		},
	}
	if err := c.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}
	tc.TaskID = run.TaskID
	return run, nil
}

// finalize moves the run to a terminal state and publishes the event.
func (c *Coordinator) finalize(ctx context.Context, run *models.SyncRun, status types.RunStatus) {
	now := time.Now().UTC()
	run.EndedAt = &now
	if run.StartedAt != nil {
		run.DurationSeconds = now.Sub(*run.StartedAt).Seconds()
	}
	if status == types.RunCompleted {
		run.Progress = 100
	}
	run.Status = status
	if err := c.store.UpdateSyncRun(ctx, run); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to finalize sync run")
		return
	}
	if status == types.RunCompleted && run.SyncType != types.SyncSupplier {
		// product_count is derived, never authored
		if err := c.store.RefreshSupplierProductCounts(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to refresh supplier product counts")
		}
	}
	switch status {
	case types.RunCompleted:
		c.events.RunCompleted(run)
	case types.RunFailed:
		c.events.RunFailed(run)
	case types.RunCancelled:
		c.events.RunCancelled(run)
	}
}

// digest counts an error code on the run.
func digest(run *models.SyncRun, code string) {
	if run.ErrorDigest == nil {
		run.ErrorDigest = make(map[string]int)
	}
	run.ErrorDigest[code]++
}

// recommend appends a human-readable prompt once.
func recommend(run *models.SyncRun, text string) {
	for _, r := range run.Recommendations {
		if r == text {
			return
		}
	}
	run.Recommendations = append(run.Recommendations, text)
}

// SyncProducts drives a product sync run: pages of list -> detail ->
// clean -> validate -> dedup -> version -> upsert, checkpointing after
// every page.
func (c *Coordinator) SyncProducts(ctx context.Context, tc *worker.TaskContext) error {
	run, err := c.loadRun(ctx, tc)
	if err != nil || run == nil {
		return err
	}
	return c.pageLoop(ctx, tc, run, c.productPage)
}

// SyncSuppliers drives a supplier sync run over the supplier
// directory.
func (c *Coordinator) SyncSuppliers(ctx context.Context, tc *worker.TaskContext) error {
	run, err := c.loadRun(ctx, tc)
	if err != nil || run == nil {
		return err
	}
	return c.pageLoop(ctx, tc, run, c.supplierPage)
}

// pageFn processes one list page and returns the next page URL, or ""
// at end of stream.
type pageFn func(ctx context.Context, tc *worker.TaskContext, run *models.SyncRun, pageURL string) (string, error)

func (c *Coordinator) pageLoop(ctx context.Context, tc *worker.TaskContext, run *models.SyncRun, processPage pageFn) error {
	logger := logging.FromContext(ctx).WithField("task_id", run.TaskID)

	cur, err := c.restoreCursor(ctx, tc, run, logger)
	if err != nil {
		return err
	}

	for page := maxInt(cur.Page, 1); page <= c.MaxPages; page++ {
		// Safe point: observe cooperative cancellation between pages
		if tc.CancelRequested(ctx) {
			logger.Info("Cancel observed at page boundary")
			c.finalize(ctx, run, types.RunCancelled)
			return apperrors.ErrCancelled
		}

		pageURL := cur.NextURL
		if pageURL == "" {
			pageURL = c.pageURL(run, page)
		}

		nextURL, err := processPage(ctx, tc, run, pageURL)
		if err != nil {
			return c.pageFailure(ctx, run, err, logger)
		}

		cur = cursor{Page: page + 1, NextURL: nextURL}
		if err := tc.SaveCheckpoint(ctx, cur.encode(), run.Counters); err != nil {
			return err
		}
		c.reportProgress(tc, run)
		if err := c.store.UpdateSyncRun(ctx, run); err != nil {
			return err
		}
		_ = tc.Heartbeat(ctx)

		if nextURL == "" || c.limitReached(run) {
			break
		}
	}

	if c.failureRatioExceeded(run) {
		c.finalize(ctx, run, types.RunFailed)
		return nil
	}
	c.finalize(ctx, run, types.RunCompleted)
	return nil
}

func (c *Coordinator) pageURL(run *models.SyncRun, page int) string {
	if run.SyncType == types.SyncSupplier {
		return c.source.SupplierListURL(run.Filter, page)
	}
	return c.source.ListURL(run.Filter, page)
}

// restoreCursor loads the last checkpoint. A corrupt checkpoint
// restarts the run from the beginning with a warning.
func (c *Coordinator) restoreCursor(ctx context.Context, tc *worker.TaskContext, run *models.SyncRun, logger *logging.Logger) (cursor, error) {
	cp, err := tc.LoadCheckpoint(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrCheckpointCorrupt) {
			logger.Warn("Checkpoint corrupt, restarting from the beginning")
			recommend(run, "checkpoint was corrupt; run restarted from page 1")
			return cursor{}, nil
		}
		return cursor{}, err
	}
	if cp == nil {
		return cursor{}, nil
	}
	cur, err := decodeCursor(cp.Cursor)
	if err != nil {
		logger.WithError(err).Warn("Unreadable cursor, restarting from the beginning")
		return cursor{}, nil
	}
	run.Counters = cp.Counters
	logger.WithField("page", cur.Page).Info("Resuming from checkpoint")
	return cur, nil
}

// pageFailure routes a page-level error: transient failures bubble to
// the worker for retry from the last checkpoint; permanent ones end
// the run.
func (c *Coordinator) pageFailure(ctx context.Context, run *models.SyncRun, err error, logger *logging.Logger) error {
	code := apperrors.CodeOf(err)
	digest(run, code)
	if code == "MALFORMED" {
		if te, ok := apperrors.As(err); ok {
			if fp, found := te.Details["fingerprint"]; found {
				recommend(run, fmt.Sprintf("extractor rule outdated; observed layout fingerprint %v", fp))
			}
		}
	}
	_ = c.store.UpdateSyncRun(ctx, run)

	if apperrors.ClassifyRetry(err) == apperrors.RetryNever && !errors.Is(err, apperrors.ErrCancelled) {
		logger.WithError(err).Error("Permanent page failure, run failed")
		c.finalize(ctx, run, types.RunFailed)
		return err
	}
	logger.WithError(err).Warn("Transient page failure, retrying from checkpoint")
	return err
}

func (c *Coordinator) reportProgress(tc *worker.TaskContext, run *models.SyncRun) {
	if run.Counters.Total > 0 {
		run.Progress = 100 * float64(run.Counters.Processed) / float64(run.Counters.Total)
		if run.Progress > 100 {
			run.Progress = 100
		}
	}
	tc.ReportProgress(run.Progress, "syncing", run.Counters)
	c.events.RunProgress(run)
}

func (c *Coordinator) limitReached(run *models.SyncRun) bool {
	return run.Filter.Limit > 0 && run.Counters.Processed >= run.Filter.Limit
}

func (c *Coordinator) failureRatioExceeded(run *models.SyncRun) bool {
	if run.Counters.Processed == 0 {
		return false
	}
	return float64(run.Counters.Failed)/float64(run.Counters.Processed) > 0.5
}

// productPage fetches one list page, runs every item through the
// pipeline and returns the next page URL.
func (c *Coordinator) productPage(ctx context.Context, tc *worker.TaskContext, run *models.SyncRun, pageURL string) (string, error) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: pageURL})
	if err != nil {
		return "", err
	}
	result, err := c.extractor.Extract(resp.Body, types.PageList)
	if err != nil {
		return "", err
	}

	var accepted []*models.Product
	for _, item := range result.List.Items {
		if c.limitReached(run) {
			break
		}
		product, ok := c.processDetail(ctx, run, item)
		run.Counters.Processed++
		if !ok {
			continue
		}
		accepted = append(accepted, product)
		_ = tc.Heartbeat(ctx)
	}

	if err := c.persistBatch(ctx, run, accepted); err != nil {
		return "", err
	}
	return result.List.NextPageURL, nil
}

// processDetail fetches and validates a single product. Record-level
// failures count against the run but never abort the page.
func (c *Coordinator) processDetail(ctx context.Context, run *models.SyncRun, item extract.RawListItem) (*models.Product, bool) {
	detailURL := clean.URL(item.URL)
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: detailURL})
	if err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return nil, false
	}
	result, err := c.extractor.Extract(resp.Body, types.PageDetail)
	if err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return nil, false
	}

	raw := result.Product
	if raw.SourceID == "" {
		raw.SourceID = item.SourceID
	}
	product := clean.Product(raw)

	vr := c.validator.Product(product)
	if vr.Blocked() {
		c.events.RecordRejected(run.TaskID, string(types.EntityProduct), product.SourceID, vr.Diagnostics)
		digest(run, "VALIDATION_ERROR")
		run.Counters.Failed++
		return nil, false
	}
	// Warnings ride along on the record via diagnostics in the event
	// stream; the record itself persists
	if warnings := vr.Warnings(); len(warnings) > 0 {
		c.events.RecordRejected(run.TaskID, string(types.EntityProduct), product.SourceID, warnings)
	}

	// The detail page is evidence the supplier exists on the source
	// site; a minimal supplier row lands first so the product's
	// reference resolves
	if err := c.ensureSupplier(ctx, raw); err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return nil, false
	}
	return product, true
}

// ensureSupplier upserts a stub supplier from detail-page data when
// the referenced supplier has no row yet. A tombstoned supplier is
// left alone; the referential check rejects its products.
func (c *Coordinator) ensureSupplier(ctx context.Context, raw *extract.RawProduct) error {
	id := clean.Text(raw.SupplierSourceID)
	if id == "" {
		return nil
	}

	unlock := c.locks.Lock("supplier:" + id)
	defer unlock()

	existing, err := c.store.GetSupplier(ctx, id)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	stub := &models.Supplier{
		SourceID:     id,
		Name:         clean.Text(raw.SupplierName),
		BusinessType: types.BusinessTrader,
	}
	if _, err := c.versioner.Record(ctx, types.EntitySupplier, id, stub, types.ChangeCreate); err != nil {
		return err
	}
	return c.store.UpsertSupplier(ctx, stub)
}

// persistBatch dedups the accepted page batch, writes versions and
// upserts, then fans out image downloads.
func (c *Coordinator) persistBatch(ctx context.Context, run *models.SyncRun, batch []*models.Product) error {
	if len(batch) == 0 {
		return nil
	}

	suppliers := make(map[string]*models.Supplier)
	for _, p := range batch {
		if _, seen := suppliers[p.SupplierSourceID]; seen || p.SupplierSourceID == "" {
			continue
		}
		if s, err := c.store.GetSupplier(ctx, p.SupplierSourceID); err == nil {
			suppliers[p.SupplierSourceID] = s
		}
	}

	groups := dedup.New(suppliers).Products(batch)
	dedup.Assign(groups)

	for _, p := range batch {
		if err := c.upsertProduct(ctx, run, p); err != nil {
			if apperrors.ClassifyRetry(err) == apperrors.RetryTransient {
				return err
			}
			digest(run, apperrors.CodeOf(err))
			run.Counters.Failed++
		}
	}
	return nil
}

// upsertProduct serializes by source_id, writes the version when the
// canonical bytes changed and enqueues image work for new or changed
// image URLs.
func (c *Coordinator) upsertProduct(ctx context.Context, run *models.SyncRun, p *models.Product) error {
	unlock := c.locks.Lock(p.SourceID)
	defer unlock()

	// Referential rule: the supplier must exist and not be tombstoned
	supplier, err := c.store.GetSupplier(ctx, p.SupplierSourceID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if vr := c.validator.SupplierRef(p, supplier); vr.Blocked() {
		c.events.RecordRejected(run.TaskID, string(types.EntityProduct), p.SourceID, vr.Diagnostics)
		return apperrors.NewValidationError("supplier_source_id", "supplier reference does not resolve")
	}

	existing, err := c.store.GetProduct(ctx, p.SourceID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	created := existing == nil

	rec, err := c.versioner.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec == nil {
		// Byte-identical canonical form: only sync bookkeeping moves
		if err := c.store.TouchProductSync(ctx, p.SourceID, now, types.SyncStatusCompleted); err != nil {
			return err
		}
		run.Counters.Skipped++
		return nil
	}

	p.SyncStatus = types.SyncStatusCompleted
	p.LastSyncTime = now
	if err := c.store.UpsertProduct(ctx, p); err != nil {
		return err
	}
	run.Counters.Success++
	c.events.ProductUpserted(p.SourceID, created)

	c.enqueueImages(ctx, run, p, existing)
	return nil
}

// enqueueImages fans out image.download work for image URLs not seen
// on the previous snapshot. Backpressure on the image queue skips the
// fanout; a skipped URL is not enqueued again by later syncs, which
// only fan out URLs missing from the stored snapshot, and the orphan
// sweep does not enqueue downloads.
func (c *Coordinator) enqueueImages(ctx context.Context, run *models.SyncRun, p *models.Product, previous *models.Product) {
	known := make(map[string]bool)
	if previous != nil {
		known[previous.MainImageURL] = true
		for _, u := range previous.DetailImages {
			known[u] = true
		}
	}

	enqueue := func(u string, kind types.ImageKind, order int) {
		if u == "" || known[u] {
			return
		}
		_, err := c.queue.Enqueue(ctx, "image.download", images.DownloadArgs{
			TaskID:          run.TaskID,
			ProductSourceID: p.SourceID,
			URL:             u,
			Kind:            kind,
			OrderIndex:      order,
		}, queue.EnqueueOptions{Queue: types.QueueImage, Priority: types.PriorityNormal})
		if err != nil {
			if errors.Is(err, queue.ErrBackpressure) {
				logging.FromContext(ctx).Debug("Image fanout deferred by backpressure")
				return
			}
			logging.FromContext(ctx).WithError(err).Warn("Failed to enqueue image download")
		}
	}

	enqueue(p.MainImageURL, types.ImageMain, 0)
	for i, u := range p.DetailImages {
		enqueue(u, types.ImageDetail, i)
	}
}

// supplierPage fetches one supplier directory page and runs each
// supplier through the pipeline.
func (c *Coordinator) supplierPage(ctx context.Context, tc *worker.TaskContext, run *models.SyncRun, pageURL string) (string, error) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: pageURL})
	if err != nil {
		return "", err
	}
	result, err := c.extractor.Extract(resp.Body, types.PageList)
	if err != nil {
		return "", err
	}

	for _, item := range result.List.Items {
		if c.limitReached(run) {
			break
		}
		run.Counters.Processed++
		c.processSupplier(ctx, run, item)
		_ = tc.Heartbeat(ctx)
	}
	return result.List.NextPageURL, nil
}

func (c *Coordinator) processSupplier(ctx context.Context, run *models.SyncRun, item extract.RawListItem) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: clean.URL(item.URL)})
	if err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return
	}
	result, err := c.extractor.Extract(resp.Body, types.PageSupplier)
	if err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return
	}

	supplier := clean.Supplier(result.Supplier)
	if supplier.SourceID == "" {
		supplier.SourceID = item.SourceID
	}

	vr := c.validator.Supplier(supplier)
	if vr.Blocked() {
		c.events.RecordRejected(run.TaskID, string(types.EntitySupplier), supplier.SourceID, vr.Diagnostics)
		digest(run, "VALIDATION_ERROR")
		run.Counters.Failed++
		return
	}

	unlock := c.locks.Lock("supplier:" + supplier.SourceID)
	defer unlock()

	rec, err := c.versioner.Record(ctx, types.EntitySupplier, supplier.SourceID, supplier, types.ChangeUpdate)
	if err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return
	}
	if rec == nil {
		run.Counters.Skipped++
		return
	}
	if err := c.store.UpsertSupplier(ctx, supplier); err != nil {
		digest(run, apperrors.CodeOf(err))
		run.Counters.Failed++
		return
	}
	run.Counters.Success++
}

// Revalidate re-applies the validation rule set to stored products and
// flags records that no longer pass.
func (c *Coordinator) Revalidate(ctx context.Context, tc *worker.TaskContext) error {
	flagged := 0
	for offset := 0; ; offset += 200 {
		page, _, err := c.store.ListProducts(ctx, &models.ProductFilters{Limit: 200, Offset: offset})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			if vr := c.validator.Product(p); vr.Blocked() {
				if err := c.store.TouchProductSync(ctx, p.SourceID, time.Now().UTC(), types.SyncStatusFailed); err != nil {
					return err
				}
				c.events.RecordRejected(tc.TaskID, string(types.EntityProduct), p.SourceID, vr.Diagnostics)
				flagged++
			}
		}
		_ = tc.Heartbeat(ctx)
	}
	logging.FromContext(ctx).WithField("flagged", flagged).Info("Revalidation finished")
	return nil
}

// CleanupDuplicates runs dedup across stored products and writes
// canonical_of pointers through the versioner.
func (c *Coordinator) CleanupDuplicates(ctx context.Context, tc *worker.TaskContext) error {
	var all []*models.Product
	for offset := 0; ; offset += 200 {
		page, _, err := c.store.ListProducts(ctx, &models.ProductFilters{Limit: 200, Offset: offset})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		_ = tc.Heartbeat(ctx)
	}

	suppliers := make(map[string]*models.Supplier)
	for _, p := range all {
		if _, seen := suppliers[p.SupplierSourceID]; seen || p.SupplierSourceID == "" {
			continue
		}
		if s, err := c.store.GetSupplier(ctx, p.SupplierSourceID); err == nil {
			suppliers[p.SupplierSourceID] = s
		}
	}

	groups := dedup.New(suppliers).Products(all)
	changed := dedup.Assign(groups)

	for _, p := range changed {
		unlock := c.locks.Lock(p.SourceID)
		if _, err := c.versioner.Record(ctx, types.EntityProduct, p.SourceID, p, types.ChangeUpdate); err != nil {
			unlock()
			return err
		}
		if err := c.store.UpsertProduct(ctx, p); err != nil {
			unlock()
			return err
		}
		unlock()
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"groups":  len(groups),
		"changed": len(changed),
	}).Info("Duplicate cleanup finished")
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
