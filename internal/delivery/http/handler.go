package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/usecase"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	resolver *usecase.ResolutionService
	prices   *usecase.PriceService
	shopping *usecase.ShoppingListService
	janitor  *usecase.CacheJanitor
}

// NewHandler creates a new HTTP handler
func NewHandler(
	resolver *usecase.ResolutionService,
	prices *usecase.PriceService,
	shopping *usecase.ShoppingListService,
	janitor *usecase.CacheJanitor,
) *Handler {
	return &Handler{
		resolver: resolver,
		prices:   prices,
		shopping: shopping,
		janitor:  janitor,
	}
}

// BatchResolveRequest is the body of POST /resolve/batch
type BatchResolveRequest struct {
	Items []domain.ResolveRequest `json:"items" binding:"required"`
}

// PriceImportRequest is the body of POST /prices/import
type PriceImportRequest struct {
	Items []usecase.PriceImportItem `json:"items" binding:"required,dive"`
}

// HealthCheck returns the health status of the API
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "pricelens-backend",
		"version": "1.0.0",
	})
}

// Resolve maps one product name to its canonical key and price
func (h *Handler) Resolve(c *gin.Context) {
	var request domain.ResolveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), &request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ResolveBatch resolves several product names; results keep request order
func (h *Handler) ResolveBatch(c *gin.Context) {
	var request BatchResolveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items are required"})
		return
	}
	if len(request.Items) == 0 || len(request.Items) > usecase.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items must contain between 1 and 200 entries"})
		return
	}

	results, err := h.resolver.ResolveBatch(c.Request.Context(), request.Items)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// AddItem resolves a typed shopping-list line and returns the new entry
func (h *Handler) AddItem(c *gin.Context) {
	var request usecase.AddItemRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	entry, res, err := h.shopping.AddItem(c.Request.Context(), &request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"entry":      entry,
		"resolution": res,
	})
}

// ComparePrices returns per-chain prices of a canonical product
func (h *Handler) ComparePrices(c *gin.Context) {
	comparison, err := h.prices.Compare(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comparison)
}

// ImportPrices upserts chain prices
func (h *Handler) ImportPrices(c *gin.Context) {
	var request PriceImportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price import: " + err.Error()})
		return
	}

	n, err := h.prices.Import(c.Request.Context(), request.Items)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n})
}

// PurgeExpiredCache deletes expired resolution cache rows
func (h *Handler) PurgeExpiredCache(c *gin.Context) {
	removed := h.janitor.PurgeOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.ErrorCtx(c.Request.Context(), err, zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
