package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"timeclock-queue/internal/models"
)

func runningProc() models.ProcessorStatus {
	return models.ProcessorStatus{IsProcessing: true, Healthy: true}
}

func TestBuildHealthHealthy(t *testing.T) {
	stats := models.Stats{TotalToday: 10, Completed: 9, Failed: 1, SuccessRate: 90}
	h := buildHealth(stats, runningProc(), 1)
	require.Equal(t, models.HealthHealthy, h.Status)
	require.Empty(t, h.Recommendations)
}

func TestBuildHealthCriticalWhenProcessorDown(t *testing.T) {
	h := buildHealth(models.Stats{}, models.ProcessorStatus{}, 0)
	require.Equal(t, models.HealthCritical, h.Status)
	require.NotEmpty(t, h.Recommendations)
}

func TestBuildHealthCriticalOnFailedBacklog(t *testing.T) {
	h := buildHealth(models.Stats{}, runningProc(), 11)
	require.Equal(t, models.HealthCritical, h.Status)
}

func TestBuildHealthWarningOnPendingBacklog(t *testing.T) {
	h := buildHealth(models.Stats{Pending: 51}, runningProc(), 0)
	require.Equal(t, models.HealthWarning, h.Status)
}

func TestBuildHealthWarningOnLowSuccessRate(t *testing.T) {
	stats := models.Stats{TotalToday: 20, Completed: 15, Failed: 5, SuccessRate: 75}
	h := buildHealth(stats, runningProc(), 5)
	require.Equal(t, models.HealthWarning, h.Status)

	// Too small a sample does not trip the warning.
	stats = models.Stats{TotalToday: 4, Completed: 2, Failed: 2, SuccessRate: 50}
	h = buildHealth(stats, runningProc(), 2)
	require.Equal(t, models.HealthHealthy, h.Status)
}
