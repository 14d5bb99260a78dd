package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairdata/download-service/internal/database"
)

// RequestsQuery selects the dataset whose requests are listed
type RequestsQuery struct {
	Dataset string `form:"dataset" binding:"required" jsonschema:"required"`
}

// RequestsPostData asks for a package of a dataset
type RequestsPostData struct {
	Dataset string `json:"dataset" binding:"required" jsonschema:"required"`
	// Scope lists the files or directories to include; empty means all
	Scope []string `json:"scope"`
}

// TaskStatus describes one generation task
type TaskStatus struct {
	Scope     []string   `json:"scope,omitempty"`
	Status    string     `json:"status" jsonschema:"required,enum=NEW,enum=PENDING,enum=STARTED,enum=SUCCESS,enum=FAILED,enum=RETRY"`
	Initiated time.Time  `json:"initiated" jsonschema:"required"`
	Generated *time.Time `json:"generated,omitempty"`
	Package   string     `json:"package,omitempty"`
	Size      int64      `json:"size,omitempty"`
	Checksum  string     `json:"checksum,omitempty"`
}

// RequestsResponse lists the live tasks of a dataset. The complete package
// task is inlined; partial package tasks are listed separately.
type RequestsResponse struct {
	Dataset string `json:"dataset" jsonschema:"required"`
	Created *bool  `json:"created,omitempty"`
	*TaskStatus
	Partial []TaskStatus `json:"partial,omitempty"`
}

// SubscribePostData registers a notification for a pending package
type SubscribePostData struct {
	Dataset          string   `json:"dataset" binding:"required" jsonschema:"required"`
	Scope            []string `json:"scope"`
	SubscriptionData string   `json:"subscriptionData"`
	NotifyURL        string   `json:"notifyURL" binding:"required,url" jsonschema:"required"`
}

// GetRequests lists the live package generation tasks of a dataset
// @Summary List package generation requests
// @Description Returns the live generation tasks of a dataset with their packages
// @Tags requests
// @Produce json
// @Param dataset query string true "Dataset identifier"
// @Success 200 {object} RequestsResponse
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 404 {object} ErrorResponse "Dataset or active tasks not found"
// @Failure 500 {object} ErrorResponse "Registry unreachable or internal error"
// @Router /requests [get]
func (h *Handler) GetRequests(c *gin.Context) {
	var q RequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	active, err := h.coordinator.ListActive(ctx, q.Dataset)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := RequestsResponse{Dataset: q.Dataset}
	for _, task := range active {
		status, err := h.taskStatus(ctx, task.Task, task.Scope)
		if err != nil {
			h.fail(c, err)
			return
		}
		if task.IsPartial {
			resp.Partial = append(resp.Partial, *status)
		} else {
			resp.TaskStatus = status
		}
	}
	c.JSON(http.StatusOK, resp)
}

// PostRequest creates a package generation task unless a live one matches
// @Summary Request a package
// @Description Creates a package generation task if no live task covers the requested scope
// @Tags requests
// @Accept json
// @Produce json
// @Param body body RequestsPostData true "Dataset and scope"
// @Success 200 {object} RequestsResponse
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 404 {object} ErrorResponse "Dataset not found"
// @Failure 409 {object} ErrorResponse "No files match the scope"
// @Failure 500 {object} ErrorResponse "Registry unreachable or internal error"
// @Router /requests [post]
func (h *Handler) PostRequest(c *gin.Context) {
	var req RequestsPostData
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	result, err := h.coordinator.FindOrCreateTask(ctx, req.Dataset, req.Scope)
	if err != nil {
		h.failScope(c, err)
		return
	}

	created := result.Created
	resp := RequestsResponse{Dataset: req.Dataset, Created: &created}

	var scope []string
	if result.IsPartial {
		scope = req.Scope
	}
	status, err := h.taskStatus(ctx, result.Task, scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.IsPartial {
		resp.Partial = []TaskStatus{*status}
	} else {
		resp.TaskStatus = status
	}
	c.JSON(http.StatusOK, resp)
}

// Subscribe registers a notification sent when a package is ready
// @Summary Subscribe to package completion
// @Description Stores a notification to POST to notifyURL once the matching task finishes
// @Tags requests
// @Accept json
// @Produce json
// @Param body body SubscribePostData true "Subscription"
// @Success 201 {object} SubscribePostData
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 404 {object} ErrorResponse "No active task"
// @Failure 409 {object} ErrorResponse "No files match the scope"
// @Failure 500 {object} ErrorResponse "Registry unreachable or internal error"
// @Router /subscribe [post]
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribePostData
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.coordinator.Subscribe(c.Request.Context(), req.Dataset, req.Scope, req.NotifyURL, req.SubscriptionData); err != nil {
		h.failScope(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) taskStatus(ctx context.Context, task database.Task, scope []string) (*TaskStatus, error) {
	status := &TaskStatus{
		Scope:     scope,
		Status:    string(task.Status),
		Initiated: task.Initiated.UTC(),
	}
	if task.Status != database.StatusSuccess {
		return status, nil
	}

	pkg, err := h.packages.GetPackageForTask(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	if task.DateDone != nil {
		done := task.DateDone.UTC()
		status.Generated = &done
	}
	status.Package = pkg.Filename
	status.Size = pkg.SizeBytes
	status.Checksum = pkg.Checksum
	return status, nil
}
