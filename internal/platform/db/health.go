package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Health is the body of the database health endpoint.
type Health struct {
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	PendingMigrations int        `json:"pending_migrations"`
	Pool              *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings the database and reports pending migrations. Any
// pending migration makes the store unhealthy, since the token and launch
// tables may not match the running code.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := Health{Status: "healthy", Pool: poolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			h.Status, h.Error = "unhealthy", err.Error()
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		if migrator != nil {
			statuses, err := migrator.Status(ctx)
			if err != nil {
				h.Status, h.Error = "unhealthy", err.Error()
				return c.JSON(http.StatusServiceUnavailable, h)
			}
			h.PendingMigrations = countPending(statuses)
		}
		if h.PendingMigrations > 0 {
			h.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		return c.JSON(http.StatusOK, h)
	}
}

func countPending(statuses []MigrationStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n
}
