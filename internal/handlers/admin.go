package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairdata/download-service/internal/cache"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// CacheOperationResponse lists the reports of a cache operation
type CacheOperationResponse struct {
	Reports []cache.Report `json:"reports" jsonschema:"required"`
}

// ReloadResponse reports how many tasks a queue reload promoted
type ReloadResponse struct {
	Promoted int `json:"promoted" jsonschema:"required"`
}

// CacheOperation runs one cache maintenance operation
// @Summary Run a cache operation
// @Description Runs housekeep, purge, validate, verify, cleanup or flush on the package cache
// @Tags admin
// @Produce json
// @Param operation path string true "Operation" Enums(housekeep, purge, validate, verify, cleanup, flush)
// @Success 200 {object} CacheOperationResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 404 {object} ErrorResponse "Unknown operation"
// @Failure 500 {object} ErrorResponse "Operation failed"
// @Router /internal/cache/{operation} [post]
func (h *Handler) CacheOperation(c *gin.Context) {
	ctx := c.Request.Context()
	operation := c.Param("operation")

	single := func(fn func(context.Context) (*cache.Report, error)) ([]cache.Report, error) {
		r, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return []cache.Report{*r}, nil
	}

	var (
		reports []cache.Report
		err     error
	)
	switch operation {
	case "housekeep":
		reports, err = h.cache.Housekeep(ctx)
	case "purge":
		reports, err = single(h.cache.PurgeGhostFiles)
	case "validate":
		reports, err = single(h.cache.Validate)
	case "verify":
		reports, err = single(h.cache.Verify)
	case "cleanup":
		reports, err = single(h.cache.Cleanup)
	case "flush":
		reports, err = single(h.cache.Flush)
	default:
		abort(c, http.StatusNotFound, fmt.Sprintf("unknown cache operation %q", operation))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info().Str("operation", operation).Int("reports", len(reports)).Msg("Cache operation finished")
	c.JSON(http.StatusOK, CacheOperationResponse{Reports: reports})
}

// CacheStats returns package cache usage
// @Summary Cache statistics
// @Tags admin
// @Produce json
// @Success 200 {object} database.CacheStats
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal error"
// @Router /internal/cache/stats [get]
func (h *Handler) CacheStats(c *gin.Context) {
	stats, err := h.cache.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// CacheReport returns the cache usage workbook
// @Summary Cache usage report
// @Tags admin
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Success 200 {file} binary
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal error"
// @Router /internal/cache/report [get]
func (h *Handler) CacheReport(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.cache.WriteUsageReport(c.Request.Context(), &buf); err != nil {
		h.fail(c, err)
		return
	}

	name := fmt.Sprintf("cache-usage-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ReloadQueue promotes waiting tasks to the work queue
// @Summary Reload the generation queue
// @Tags admin
// @Produce json
// @Success 200 {object} ReloadResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal error"
// @Router /internal/queue/reload [post]
func (h *Handler) ReloadQueue(c *gin.Context) {
	promoted, err := h.coordinator.ReloadQueue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ReloadResponse{Promoted: promoted})
}
