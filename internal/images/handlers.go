package images

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/internal/fetch"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
	"github.com/market-sync/internal/worker"
)

// DownloadArgs are the arguments of image.download work.
type DownloadArgs struct {
	TaskID          string          `json:"task_id,omitempty"`
	ProductSourceID string          `json:"product_source_id"`
	URL             string          `json:"url"`
	Kind            types.ImageKind `json:"kind"`
	OrderIndex      int             `json:"order_index"`
}

// ProcessArgs are the arguments of image.resize, image.optimize and
// image.thumbnail work.
type ProcessArgs struct {
	TaskID          string `json:"task_id,omitempty"`
	ProductSourceID string `json:"product_source_id"`
	ObjectKey       string `json:"object_key"`
}

// Handlers bundles the image task handlers and their dependencies.
type Handlers struct {
	store         storage.Store
	objects       *Store
	fetcher       *fetch.Fetcher
	thumbnailEdge int
	maxEdge       int
}

// NewHandlers creates the image handler set.
func NewHandlers(store storage.Store, objects *Store, fetcher *fetch.Fetcher, thumbnailEdge, maxEdge int) *Handlers {
	if thumbnailEdge <= 0 {
		thumbnailEdge = 200
	}
	if maxEdge <= 0 {
		maxEdge = 1600
	}
	return &Handlers{
		store:         store,
		objects:       objects,
		fetcher:       fetcher,
		thumbnailEdge: thumbnailEdge,
		maxEdge:       maxEdge,
	}
}

// Register binds the image.* task names.
func (h *Handlers) Register(registry *worker.Registry) {
	registry.Register("image.download", h.Download)
	registry.Register("image.resize", h.ResizeTask)
	registry.Register("image.optimize", h.Optimize)
	registry.Register("image.thumbnail", h.ThumbnailTask)
	registry.Register("image.sweep_orphans", h.SweepOrphansTask)
}

// SweepOrphansTask removes image rows whose URLs fell out of their
// product's current image set.
func (h *Handlers) SweepOrphansTask(ctx context.Context, tc *worker.TaskContext) error {
	_, err := SweepOrphans(ctx, h.store, 24*time.Hour)
	return err
}

// Download fetches one product image, stores it content-addressed and
// upserts its row. Identical bytes reuse the stored object, making
// re-delivery idempotent.
func (h *Handlers) Download(ctx context.Context, tc *worker.TaskContext) error {
	var args DownloadArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}

	resp, err := h.fetcher.Fetch(ctx, fetch.Request{URL: args.URL})
	if err != nil {
		return err
	}

	img, width, height, err := Decode(resp.Body)
	if err != nil {
		return err
	}

	// Normalize oversized originals on the way in
	data := resp.Body
	if width > h.maxEdge || height > h.maxEdge {
		resized := Resize(img, h.maxEdge)
		if data, err = EncodeJPEG(resized, 85); err != nil {
			return err
		}
		bounds := resized.Bounds()
		width, height = bounds.Dx(), bounds.Dy()
	}

	key, err := h.objects.Put(data, ".jpg")
	if err != nil {
		return err
	}

	return h.store.UpsertImage(ctx, &models.ProductImage{
		ProductSourceID: args.ProductSourceID,
		URL:             args.URL,
		Kind:            args.Kind,
		OrderIndex:      args.OrderIndex,
		ObjectKey:       key,
		FileSize:        int64(len(data)),
		Width:           width,
		Height:          height,
	})
}

// ResizeTask produces a bounded-edge variant of a stored object.
func (h *Handlers) ResizeTask(ctx context.Context, tc *worker.TaskContext) error {
	return h.process(ctx, tc, func(data []byte) ([]byte, error) {
		img, _, _, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return EncodeJPEG(Resize(img, h.maxEdge), 85)
	})
}

// Optimize re-encodes a stored object at a lower quality.
func (h *Handlers) Optimize(ctx context.Context, tc *worker.TaskContext) error {
	return h.process(ctx, tc, func(data []byte) ([]byte, error) {
		img, _, _, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return EncodeJPEG(img, 75)
	})
}

// ThumbnailTask produces a square thumbnail variant and records it as
// a thumbnail image row.
func (h *Handlers) ThumbnailTask(ctx context.Context, tc *worker.TaskContext) error {
	var args ProcessArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}
	data, err := h.objects.Get(args.ObjectKey, ".jpg")
	if err != nil {
		return err
	}
	img, _, _, err := Decode(data)
	if err != nil {
		return err
	}
	thumb, err := EncodeJPEG(Thumbnail(img, h.thumbnailEdge), 80)
	if err != nil {
		return err
	}
	key, err := h.objects.Put(thumb, ".jpg")
	if err != nil {
		return err
	}
	return h.store.UpsertImage(ctx, &models.ProductImage{
		ProductSourceID: args.ProductSourceID,
		Kind:            types.ImageThumbnail,
		ObjectKey:       key,
		FileSize:        int64(len(thumb)),
		Width:           h.thumbnailEdge,
		Height:          h.thumbnailEdge,
	})
}

func (h *Handlers) process(ctx context.Context, tc *worker.TaskContext, transform func([]byte) ([]byte, error)) error {
	var args ProcessArgs
	if err := tc.DecodeArgs(&args); err != nil {
		return err
	}
	data, err := h.objects.Get(args.ObjectKey, ".jpg")
	if err != nil {
		return err
	}
	out, err := transform(data)
	if err != nil {
		return err
	}
	if _, err := h.objects.Put(out, ".jpg"); err != nil {
		return err
	}
	return nil
}

// SweepOrphans removes image rows no longer referenced by their
// product, run periodically from the scheduler.
func SweepOrphans(ctx context.Context, store storage.Store, olderThan time.Duration) (int, error) {
	n, err := store.DeleteOrphanImages(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("orphan sweep failed: %w", err)
	}
	if n > 0 {
		logging.GetGlobalLogger().WithField("count", n).Info("Swept orphan images")
	}
	return n, nil
}
