// Package handlers is the gin front end of the download service.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/fairdata/download-service/internal/apperr"
	"github.com/fairdata/download-service/internal/cache"
	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/downloads"
	"github.com/fairdata/download-service/internal/metax"
	"github.com/fairdata/download-service/internal/tasks"
)

// Coordinator answers package requests
type Coordinator interface {
	FindOrCreateTask(ctx context.Context, datasetID string, requested []string, opts ...tasks.Option) (*tasks.TaskResult, error)
	ListActive(ctx context.Context, datasetID string) ([]tasks.ActiveTask, error)
	Subscribe(ctx context.Context, datasetID string, requested []string, notifyURL, data string) (*database.Subscription, error)
	ReloadQueue(ctx context.Context) (int, error)
}

// PackageLookup reads the package built by a task
type PackageLookup interface {
	GetPackageForTask(ctx context.Context, taskID string) (*database.Package, error)
}

// Downloads authorizes and redeems download tokens
type Downloads interface {
	AuthorizePackage(ctx context.Context, datasetID, filename string) (*database.Authorization, error)
	AuthorizeFile(ctx context.Context, datasetID, filepath string) (*database.Authorization, error)
	Redeem(ctx context.Context, token string) (*downloads.Download, error)
}

// CacheManager runs cache maintenance on demand
type CacheManager interface {
	Housekeep(ctx context.Context) ([]cache.Report, error)
	PurgeGhostFiles(ctx context.Context) (*cache.Report, error)
	Validate(ctx context.Context) (*cache.Report, error)
	Verify(ctx context.Context) (*cache.Report, error)
	Cleanup(ctx context.Context) (*cache.Report, error)
	Flush(ctx context.Context) (*cache.Report, error)
	Stats(ctx context.Context) (database.CacheStats, error)
	WriteUsageReport(ctx context.Context, w io.Writer) error
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Status(ctx context.Context) error
}

// StorageStatus reports whether dataset file storage is usable
type StorageStatus interface {
	Offline() bool
}

// Handler serves the HTTP API
type Handler struct {
	coordinator Coordinator
	packages    PackageLookup
	downloads   Downloads
	cache       CacheManager
	db          HealthChecker
	storage     StorageStatus
	logger      *zerolog.Logger
}

// Deps are the collaborators of a Handler
type Deps struct {
	Coordinator Coordinator
	Packages    PackageLookup
	Downloads   Downloads
	Cache       CacheManager
	DB          HealthChecker
	Storage     StorageStatus
}

func New(deps Deps, logger *zerolog.Logger) *Handler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http").Logger()
	return &Handler{
		coordinator: deps.Coordinator,
		packages:    deps.Packages,
		downloads:   deps.Downloads,
		cache:       deps.Cache,
		db:          deps.DB,
		storage:     deps.Storage,
		logger:      &l,
	}
}

// RegisterPublic adds the routes reachable without service credentials
func (h *Handler) RegisterPublic(r gin.IRoutes) {
	r.GET("/health", h.HealthCheck)
	r.GET("/download", h.Download)
}

// RegisterService adds the routes used by trusted front-end services
func (h *Handler) RegisterService(r gin.IRoutes) {
	r.GET("/requests", h.GetRequests)
	r.POST("/requests", h.PostRequest)
	r.POST("/subscribe", h.Subscribe)
	r.POST("/authorize", h.Authorize)
}

// RegisterAdmin adds cache and queue maintenance routes
func (h *Handler) RegisterAdmin(r gin.IRoutes) {
	r.GET("/cache/stats", h.CacheStats)
	r.GET("/cache/report", h.CacheReport)
	r.POST("/cache/:operation", h.CacheOperation)
	r.POST("/queue/reload", h.ReloadQueue)
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Name: http.StatusText(status), Error: msg})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail maps a domain error to a response. Internal and upstream failures are
// logged and their detail is not returned.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		abort(c, status, "internal error")
		return
	}
	abort(c, status, err.Error())
}

// failScope is fail for operations resolving a requested scope, where an
// empty match is a conflict with the dataset contents
func (h *Handler) failScope(c *gin.Context, err error) {
	var noMatch *metax.NoMatchingFilesError
	if errors.As(err, &noMatch) {
		abort(c, http.StatusConflict, err.Error())
		return
	}
	h.fail(c, err)
}
