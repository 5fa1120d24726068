package importrun

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/legacyimport/internal/platform/auth"
	"github.com/ehr/legacyimport/internal/platform/db"
	"github.com/ehr/legacyimport/pkg/pagination"
)

// Listing returns a short preview of each run's issue lists; GetRun returns
// them in full.
const listIssuePreview = 10

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleImportOperator, auth.RoleAuditor))
	read.GET("/imports/runs", h.ListRuns)
	read.GET("/imports/runs/:id", h.GetRun)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	tenantID := db.TenantFromContext(c.Request().Context())
	items, total, err := h.svc.List(c.Request().Context(), tenantID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	reports := make([]Report, 0, len(items))
	for _, r := range items {
		reports = append(reports, r.Report(listIssuePreview))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reports, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	run, err := h.svc.Get(ctx, id)
	if errors.Is(err, ErrRunNotFound) || (err == nil && run.TenantID != db.TenantFromContext(ctx)) {
		return echo.NewHTTPError(http.StatusNotFound, "import run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}
