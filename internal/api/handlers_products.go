package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	syncpipe "github.com/market-sync/internal/sync"
	"github.com/market-sync/internal/types"
	"github.com/shopspring/decimal"
)

// listResponse wraps a paginated listing.
type listResponse struct {
	Items  interface{} `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// handleListProducts serves GET /products with filters.
func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &models.ProductFilters{
		Text:       q.Get("q"),
		CategoryID: q.Get("category"),
		SupplierID: q.Get("supplier"),
	}

	if v := q.Get("status"); v != "" {
		status := types.ProductStatus(v)
		filters.Status = &status
	}
	if v := q.Get("sync_status"); v != "" {
		status := types.EntitySyncStatus(v)
		filters.SyncStatus = &status
	}
	if v := q.Get("price_min"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid price_min", nil)
			return
		}
		filters.PriceMin = &d
	}
	if v := q.Get("price_max"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid price_max", nil)
			return
		}
		filters.PriceMax = &d
	}
	if v := q.Get("rating_min"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid rating_min", nil)
			return
		}
		filters.RatingMin = &f
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filters.Limit <= 0 {
		filters.Limit = 50
	}

	items, total, err := s.store.ListProducts(r.Context(), filters)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{
		Items: items, Total: total, Limit: filters.Limit, Offset: filters.Offset,
	})
}

// handleGetProduct serves GET /products/{id}.
func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	product, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

// handleSyncProduct serves POST /products/{id}/sync: enqueue a
// per-product refresh on the crawler queue.
func (s *Server) handleSyncProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetProduct(r.Context(), id); err != nil {
		respondTypedError(w, err)
		return
	}

	workID, err := s.queue.Enqueue(r.Context(), "crawl.fetch_product_details", syncpipe.CrawlArgs{
		URL: s.source.DetailURL(id),
	}, queue.EnqueueOptions{Queue: types.QueueCrawler, Priority: types.PriorityHigh})
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"work_id": workID})
}
