package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// AuthorizePostData asks for a token for a package or a single file
type AuthorizePostData struct {
	Dataset string `json:"dataset" binding:"required" jsonschema:"required"`
	Package string `json:"package,omitempty"`
	File    string `json:"file,omitempty"`
}

// AuthorizeResponse carries a single-use download token
type AuthorizeResponse struct {
	Token   string    `json:"token" jsonschema:"required"`
	Expires time.Time `json:"expires" jsonschema:"required"`
}

// Authorize issues a single-use download token
// @Summary Authorize a download
// @Description Issues a single-use token for a current package or for one dataset file
// @Tags downloads
// @Accept json
// @Produce json
// @Param body body AuthorizePostData true "Package or file to authorize"
// @Success 200 {object} AuthorizeResponse
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 404 {object} ErrorResponse "Package or file not found"
// @Failure 409 {object} ErrorResponse "Package is outdated"
// @Failure 500 {object} ErrorResponse "Registry or storage unavailable"
// @Router /authorize [post]
func (h *Handler) Authorize(c *gin.Context) {
	var req AuthorizePostData
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if (req.Package == "") == (req.File == "") {
		abort(c, http.StatusBadRequest, "exactly one of package or file is required")
		return
	}
	ctx := c.Request.Context()

	var (
		expires time.Time
		token   string
	)
	if req.Package != "" {
		auth, err := h.downloads.AuthorizePackage(ctx, req.Dataset, req.Package)
		if err != nil {
			h.fail(c, err)
			return
		}
		token, expires = auth.Token, auth.Expires
	} else {
		auth, err := h.downloads.AuthorizeFile(ctx, req.Dataset, req.File)
		if err != nil {
			h.fail(c, err)
			return
		}
		token, expires = auth.Token, auth.Expires
	}

	c.JSON(http.StatusOK, AuthorizeResponse{Token: token, Expires: expires.UTC()})
}

// Download streams the content a token grants
// @Summary Download a package or file
// @Description Redeems a single-use token given as a query parameter or bearer token
// @Tags downloads
// @Produce octet-stream
// @Param token query string false "Download token"
// @Success 200 {file} binary
// @Failure 401 {object} ErrorResponse "Missing, expired or used token"
// @Failure 404 {object} ErrorResponse "Package or file not found"
// @Failure 409 {object} ErrorResponse "Package is outdated"
// @Failure 500 {object} ErrorResponse "Registry or storage unavailable"
// @Router /download [get]
func (h *Handler) Download(c *gin.Context) {
	token, ok := downloadToken(c)
	if !ok {
		abort(c, http.StatusUnauthorized, "download token required")
		return
	}
	ctx := c.Request.Context()

	dl, err := h.downloads.Redeem(ctx, token)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, dl.Filename))
	c.Header("Content-Length", strconv.FormatInt(dl.Size, 10))
	c.Status(http.StatusOK)

	_, copyErr := io.Copy(c.Writer, dl.Content)
	if copyErr != nil {
		h.logger.Warn().Err(copyErr).Str("filename", dl.Filename).Msg("Download interrupted")
	}
	// The client may be gone; the outcome is recorded regardless
	if err := dl.Finish(context.WithoutCancel(ctx), copyErr == nil); err != nil {
		h.logger.Error().Err(err).Str("filename", dl.Filename).Msg("Failed to finish download")
	}
}

func downloadToken(c *gin.Context) (string, bool) {
	if token := c.Query("token"); token != "" {
		return token, true
	}
	method, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
	if !found || method != "Bearer" || token == "" {
		return "", false
	}
	return token, true
}
