package study

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "clinician", "patient"))
	read.GET("/studies", h.List)
	read.GET("/studies/:uid", h.Get)
	read.GET("/studies/:uid/files", h.Files)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.DELETE("/folders/:name", h.DeleteFolder)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := ListFilter{
		FolderName: c.QueryParam("folder"),
		PatientID:  c.QueryParam("patient_id"),
		ActiveOnly: c.QueryParam("include_deleted") != "true",
	}

	studies, total, err := h.svc.List(c.Request().Context(), filter, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if studies == nil {
		studies = []Study{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(studies, total, p.Limit, p.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	st, err := h.svc.Get(c.Request().Context(), c.Param("uid"))
	if errors.Is(err, ErrStudyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Files(c echo.Context) error {
	files, err := h.svc.Files(c.Request().Context(), c.Param("uid"))
	if errors.Is(err, ErrStudyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if files == nil {
		files = []FileInfo{}
	}
	return c.JSON(http.StatusOK, files)
}

func (h *Handler) DeleteFolder(c echo.Context) error {
	name := c.Param("name")
	n, err := h.svc.DeleteFolder(c.Request().Context(), name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"folder":  name,
		"deleted": n,
		"user":    auth.Identity(c),
	})
}
