package extraction

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dicomvault/dicomvault/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "clinician", "patient"))
	g.POST("/uploads/finalize", h.Finalize)
	g.GET("/uploads/:sessionId/status", h.Status)
}

type finalizeRequest struct {
	SessionID string `json:"session_id"`
}

// Finalize kicks off the assemble → extract → reconcile pipeline for a
// complete upload and returns immediately; progress is exposed via Status.
func (h *Handler) Finalize(c echo.Context) error {
	var req finalizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	err := h.svc.Finalize(c.Request().Context(), req.SessionID, auth.Identity(c))
	switch {
	case errors.Is(err, ErrUploadNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUploadIncomplete):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyStarted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"session_id": req.SessionID,
		"message":    "extraction started",
	})
}

// Status reports extraction progress for one session.
func (h *Handler) Status(c echo.Context) error {
	sess, err := h.svc.Status(c.Request().Context(), c.Param("sessionId"))
	if errors.Is(err, ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "extraction session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}
