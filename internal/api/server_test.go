package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"timeclock-queue/internal/config"
	"timeclock-queue/internal/models"
	"timeclock-queue/internal/queue"
	"timeclock-queue/internal/store"
)

// fakeProcessor stubs the worker loop for handler tests.
type fakeProcessor struct {
	status    models.ProcessorStatus
	triggered bool
}

func (f *fakeProcessor) Status() models.ProcessorStatus { return f.status }

func (f *fakeProcessor) TriggerOnce(ctx context.Context) bool {
	f.triggered = true
	return !f.status.IsProcessing
}

func newTestServer(t *testing.T) (*Server, *queue.Service, *fakeProcessor) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client, config.Config{})
	q := queue.New(st, config.Config{})
	proc := &fakeProcessor{status: models.ProcessorStatus{IsProcessing: true, Healthy: true}}
	return New(q, proc, nil), q, proc
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func enqueueBody(employeeID string) map[string]string {
	return map[string]string{
		"employee_id":   employeeID,
		"employee_name": "Test Employee",
		"device_id":     "dev-1",
		"device_name":   "Front Door",
		"date":          "2024-01-15",
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/jobs", enqueueBody("E1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.StatusPending, job.Status)
}

func TestEnqueueValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := s.Router()

	body := enqueueBody("E1")
	delete(body, "employee_id")
	rec := doJSON(t, r, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = enqueueBody("E1")
	body["date"] = "15/01/2024"
	rec = doJSON(t, r, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobEndpoint(t *testing.T) {
	s, q, _ := newTestServer(t)
	r := s.Router()

	job, err := q.Enqueue(context.Background(), queue.EnqueueParams{
		EmployeeID: "E1", EmployeeName: "Test", DeviceID: "d1", Date: "2024-01-15",
	})
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/jobs/unknown-id", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsEndpoint(t *testing.T) {
	s, q, _ := newTestServer(t)
	r := s.Router()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), queue.EnqueueParams{
			EmployeeID: fmt.Sprintf("E%d", i), EmployeeName: "Test", DeviceID: "d1", Date: "2024-01-15",
		})
		require.NoError(t, err)
	}

	rec := doJSON(t, r, http.MethodGet, "/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 3, resp.Count)

	rec = doJSON(t, r, http.MethodGet, "/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/jobs?status=pending&limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueuePositionEndpoint(t *testing.T) {
	s, q, _ := newTestServer(t)
	r := s.Router()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(context.Background(), queue.EnqueueParams{
			EmployeeID: fmt.Sprintf("E%d", i), EmployeeName: "Test", DeviceID: "d1", Date: "2024-01-15",
		})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	rec := doJSON(t, r, http.MethodGet, "/jobs/"+ids[1]+"/position", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.EqualValues(t, 2, resp.Position)
}

func failJob(t *testing.T, q *queue.Service, employeeID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, queue.EnqueueParams{
		EmployeeID: employeeID, EmployeeName: "Test", DeviceID: "d1", Date: "2024-01-15",
	})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.MarkFailed(ctx, job.ID, "boom", ""))
	}
	return job
}

func TestRetryAndDeleteFailedEndpoints(t *testing.T) {
	s, q, _ := newTestServer(t)
	r := s.Router()

	job := failJob(t, q, "E1")

	rec := doJSON(t, r, http.MethodPost, "/retry/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Now pending again: a second retry is a client error.
	rec = doJSON(t, r, http.MethodPost, "/retry/"+job.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	other := failJob(t, q, "E2")
	rec = doJSON(t, r, http.MethodDelete, "/failed/"+other.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/failed/"+other.ID, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearAllFailedRequiresConfirm(t *testing.T) {
	s, q, _ := newTestServer(t)
	r := s.Router()

	failJob(t, q, "E1")
	failJob(t, q, "E2")

	rec := doJSON(t, r, http.MethodDelete, "/failed/all", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/failed/all?confirm=yes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.Count)
}

func TestProcessorEndpoints(t *testing.T) {
	s, _, proc := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodGet, "/processor/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.ProcessorStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.True(t, st.IsProcessing)

	rec = doJSON(t, r, http.MethodPost, "/processor/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, proc.triggered)
}

func TestHealthEndpoint(t *testing.T) {
	s, _, proc := newTestServer(t)
	r := s.Router()

	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h models.Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	require.Equal(t, models.HealthHealthy, h.Status)

	// A stopped processor must never be reported healthy.
	proc.status = models.ProcessorStatus{}
	rec = doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	require.Equal(t, models.HealthCritical, h.Status)
	require.NotEmpty(t, h.Recommendations)
}
