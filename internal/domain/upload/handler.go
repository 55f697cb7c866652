package upload

import (
	"errors"
	"net/http"
	"strconv"

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
	role := auth.RequireRole("admin", "clinician", "patient")
	g := api.Group("", role)
	g.POST("/uploads/chunk", h.SubmitChunk)
}

// SubmitChunk accepts one chunk per request as a multipart form: the chunk
// payload under "chunk" plus the session metadata fields.
func (h *Handler) SubmitChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.FormValue("chunk_index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chunk_index must be an integer")
	}
	total, err := strconv.Atoi(c.FormValue("total_chunks"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "total_chunks must be an integer")
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chunk payload is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open chunk payload")
	}
	defer src.Close()

	receipt, err := h.svc.SubmitChunk(c.Request().Context(), ChunkSubmission{
		SessionID:   c.FormValue("session_id"),
		PatientID:   c.FormValue("patient_id"),
		Filename:    c.FormValue("filename"),
		FileHash:    c.FormValue("file_hash"),
		ChunkIndex:  index,
		TotalChunks: total,
		Body:        src,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingField),
			errors.Is(err, ErrInvalidPatientID),
			errors.Is(err, ErrInvalidChunkIndex),
			errors.Is(err, ErrSessionMismatch):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusOK, receipt)
}
