package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/conjure-api/internal/api/shared"
	"github.com/phrazzld/conjure-api/internal/cache"
	"github.com/phrazzld/conjure-api/internal/task"
)

// QueueStatsSource reports scheduler activity.
type QueueStatsSource interface {
	QueueStats(ctx context.Context) (task.QueueStats, error)
}

// CacheStatsSource reports result cache usage.
type CacheStatsSource interface {
	Stats(ctx context.Context) cache.Stats
}

// QueueStatsResponse is returned by GET /api/stats/queue.
type QueueStatsResponse struct {
	Pending             int   `json:"pending"`
	Processing          int   `json:"processing"`
	CompletedCount      int   `json:"completed_count"`
	FailedCount         int   `json:"failed_count"`
	RetryScheduled      int   `json:"retry_scheduled"`
	Queued              int   `json:"queued"`
	AvgWaitTimeMs       int64 `json:"avg_wait_time_ms"`
	AvgProcessingTimeMs int64 `json:"avg_processing_time_ms"`
}

// StatsHandler serves the observability endpoints.
type StatsHandler struct {
	queue  QueueStatsSource
	cache  CacheStatsSource
	logger *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(queue QueueStatsSource, cache CacheStatsSource, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{
		queue:  queue,
		cache:  cache,
		logger: logger.With(slog.String("component", "stats_handler")),
	}
}

// QueueStats handles GET /api/stats/queue.
func (h *StatsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read queue statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, QueueStatsResponse{
		Pending:             stats.Pending,
		Processing:          stats.Processing,
		CompletedCount:      stats.CompletedCount,
		FailedCount:         stats.FailedCount,
		RetryScheduled:      stats.RetryScheduled,
		Queued:              stats.Queued,
		AvgWaitTimeMs:       stats.AvgWaitTime.Milliseconds(),
		AvgProcessingTimeMs: stats.AvgProcessingTime.Milliseconds(),
	})
}

// CacheStats handles GET /api/stats/cache.
func (h *StatsHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.cache.Stats(r.Context()))
}
