package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 5 * time.Second

// ConnStats is the pool snapshot reported by the database health endpoint.
type ConnStats struct {
	Total           int32  `json:"total"`
	Idle            int32  `json:"idle"`
	Acquired        int32  `json:"acquired"`
	Max             int32  `json:"max"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func snapshot(pool *pgxpool.Pool) ConnStats {
	stat := pool.Stat()
	return ConnStats{
		Total:           stat.TotalConns(),
		Idle:            stat.IdleConns(),
		Acquired:        stat.AcquiredConns(),
		Max:             stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler answers the /health/db probe with a ping result and the
// current pool snapshot. Ingest stalls usually show up here first, as an
// acquired count pinned at max.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":      "unhealthy",
				"error":       err.Error(),
				"connections": snapshot(pool),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "healthy",
			"connections": snapshot(pool),
		})
	}
}
