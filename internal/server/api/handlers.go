package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"linkdrop/internal/server/database"
	"linkdrop/internal/server/service"
)

// Handler contains the HTTP handlers for the linkdrop API.
type Handler struct {
	svc *service.ShareService
	db  *database.DB
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.ShareService, db *database.DB) *Handler {
	return &Handler{svc: svc, db: db}
}

// createShareRequest carries the non-file form fields of an upload.
type createShareRequest struct {
	MaxDownloads   *int   `validate:"omitempty,min=1,max=1000"`
	ExpirationDays int    `validate:"min=1,max=30"`
	Password       string `validate:"omitempty,max=128"`
	UploadID       string `validate:"omitempty,max=64"`
}

// HandleCreateShare handles POST /api/shares.
// Accepts a multipart form with a "file" field plus optional "max_downloads",
// "expiration_days", "password" and "upload_id" fields.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	req := createShareRequest{
		ExpirationDays: 1,
		Password:       c.FormValue("password"),
		UploadID:       c.FormValue("upload_id"),
	}
	if v := c.FormValue("expiration_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "expiration_days must be an integer"})
		}
		req.ExpirationDays = days
	}
	if v := c.FormValue("max_downloads"); v != "" {
		max, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "max_downloads must be an integer"})
		}
		req.MaxDownloads = &max
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	result, err := h.svc.Upload(c.Request().Context(), service.UploadRequest{
		UploadID:       req.UploadID,
		Filename:       fileHeader.Filename,
		Data:           src,
		DeclaredSize:   fileHeader.Size,
		ExpirationDays: req.ExpirationDays,
		MaxDownloads:   req.MaxDownloads,
		Password:       req.Password,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleDownload handles GET /s/:token.
// Serves the file as an attachment. Accepts an optional "password" query
// param. When this download exhausts the share's cap, the backing file is
// removed only after c.Attachment has finished writing the response body.
func (h *Handler) HandleDownload(c echo.Context) error {
	token := c.Param("token")
	password := c.QueryParam("password")

	filePath, filename, cleanup, err := h.svc.Download(c.Request().Context(), token, password)
	if err != nil {
		return mapServiceError(c, err)
	}

	err = c.Attachment(filePath, filename)
	if cleanup != nil {
		// Runs even when the transfer aborted: the record is gone, so the
		// file has to go with it.
		cleanup()
	}
	return err
}

// HandleListShares handles GET /api/shares.
// Returns all shares still active at query time.
func (h *Handler) HandleListShares(c echo.Context) error {
	shares, err := h.svc.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, shares)
}

// HandleDeleteShare handles DELETE /api/shares/:id.
func (h *Handler) HandleDeleteShare(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid share id"})
	}

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "share deleted"})
}

// HandleProgress handles GET /api/uploads/:id/progress.
func (h *Handler) HandleProgress(c echo.Context) error {
	p, err := h.svc.Progress(c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_shares":       stats.TotalShares,
		"active_shares":      stats.ActiveShares,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanize.IBytes(uint64(stats.StorageUsed)),
	})
}

// mapServiceError translates service-layer errors into HTTP responses.
// Internal failures surface as a generic 500; the cause is already logged
// at the layer that saw it.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "share not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "share has expired"})
	case errors.Is(err, service.ErrLimitReached):
		return c.JSON(http.StatusGone, echo.Map{"error": "download limit reached"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
