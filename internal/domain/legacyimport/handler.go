package legacyimport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/legacyimport/internal/platform/archive"
	"github.com/ehr/legacyimport/internal/platform/auth"
	"github.com/ehr/legacyimport/internal/platform/db"
)

type Handler struct {
	svc            *Service
	maxUploadBytes int64
}

// NewHandler returns the upload, preview and commit endpoints. A
// maxUploadBytes of zero disables the size check.
func NewHandler(svc *Service, maxUploadBytes int64) *Handler {
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/imports/uploads", auth.RequireRole(auth.RoleImportOperator))
	g.POST("", h.CreateUpload)
	g.GET("/:id/preview", h.PreviewUpload)
	g.POST("/:id/commit", h.CommitUpload)
	g.DELETE("/:id", h.DeleteUpload)
}

type uploadResponse struct {
	Upload  *Upload  `json:"upload"`
	Preview *Preview `json:"preview,omitempty"`
}

// CreateUpload stores the multipart "file" and previews ZIP archives.
func (h *Handler) CreateUpload(c echo.Context) error {
	if h.maxUploadBytes > 0 && c.Request().ContentLength > h.maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d MB", h.maxUploadBytes>>20))
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if _, ok := ArchiveTypeFor(file.Filename); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, ErrUnsupportedUpload.Error())
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d MB", h.maxUploadBytes>>20))
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	ctx := c.Request().Context()
	u, err := h.svc.SaveUpload(ctx, db.TenantFromContext(ctx), file.Filename, src)
	if err != nil {
		return httpError(err)
	}

	resp := uploadResponse{Upload: u}
	if u.ArchiveType == ArchiveZIP {
		p, err := h.svc.PreviewUpload(ctx, u, CommitOptions{})
		if err != nil {
			if derr := h.svc.DeleteUpload(u.ID); derr != nil {
				h.svc.logger.Warn().Err(derr).Str("upload_id", u.ID.String()).Msg("upload not removed")
			}
			return httpError(err)
		}
		resp.Preview = p
	}
	return c.JSON(http.StatusCreated, resp)
}

// PreviewUpload accepts the single-table "entity" as a query parameter.
func (h *Handler) PreviewUpload(c echo.Context) error {
	u, err := h.loadUpload(c)
	if err != nil {
		return err
	}
	p, err := h.svc.PreviewUpload(c.Request().Context(), u, CommitOptions{Entity: c.QueryParam("entity")})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// CommitUpload runs the import and returns the run report. A run that
// failed on extraction is returned with status 400.
func (h *Handler) CommitUpload(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var opts CommitOptions
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&opts); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	run, err := h.svc.Commit(ctx, db.TenantFromContext(ctx), id, opts)
	if run == nil {
		return httpError(err)
	}
	report := run.Report(h.svc.ReportCap())
	var extractErr *archive.ExtractionError
	switch {
	case errors.As(err, &extractErr):
		return c.JSON(http.StatusBadRequest, report)
	case err != nil:
		h.svc.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("import run failed")
		return c.JSON(http.StatusInternalServerError, report)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) DeleteUpload(c echo.Context) error {
	u, err := h.loadUpload(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUpload(u.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) loadUpload(c echo.Context) (*Upload, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.LoadUpload(db.TenantFromContext(c.Request().Context()), id)
	if err != nil {
		return nil, httpError(err)
	}
	return u, nil
}

func httpError(err error) error {
	var extractErr *archive.ExtractionError
	switch {
	case errors.Is(err, ErrUploadNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnsupportedUpload), errors.Is(err, ErrEntityRequired),
		errors.Is(err, ErrUnknownEntity), errors.As(err, &extractErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
