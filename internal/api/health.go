package api

import (
	"timeclock-queue/internal/models"
)

// Fixed operator-alert thresholds for the derived health signal.
const (
	failedBacklogCritical = 10
	pendingBacklogWarning = 50
	successRateWarning    = 90.0
	minSampleSize         = 10
)

// buildHealth derives the tri-state operator signal from processor liveness,
// today's stats, and the permanent failed backlog. A stopped processor or a
// large failed backlog is never reported as healthy.
func buildHealth(stats models.Stats, proc models.ProcessorStatus, failedBacklog int64) models.Health {
	h := models.Health{
		Status:    models.HealthHealthy,
		Stats:     stats,
		Processor: proc,
	}

	if !proc.IsProcessing {
		h.Status = models.HealthCritical
		h.Recommendations = append(h.Recommendations,
			"processor is not running; trigger it via POST /processor/trigger or restart the service")
	}
	if failedBacklog > failedBacklogCritical {
		h.Status = models.HealthCritical
		h.Recommendations = append(h.Recommendations,
			"failed job backlog requires attention; inspect GET /jobs?status=failed and retry or delete")
	}
	if h.Status == models.HealthCritical {
		return h
	}

	if stats.Pending > pendingBacklogWarning {
		h.Status = models.HealthWarning
		h.Recommendations = append(h.Recommendations,
			"pending backlog is growing; check recompute latency or add worker processes")
	}
	processed := stats.Completed + stats.Failed
	if processed > minSampleSize && stats.SuccessRate < successRateWarning {
		h.Status = models.HealthWarning
		h.Recommendations = append(h.Recommendations,
			"success rate dropped below 90%; inspect recent failures")
	}
	return h
}
