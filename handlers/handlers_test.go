package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/wpvideo/compress-api/pipeline"
	"github.com/wpvideo/compress-api/queue"
)

func testHandlers(t *testing.T) (*CompressAPIHandlersCollection, *queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	broker := queue.NewClientFromRedis(rdb, queue.Options{Clock: mock})
	t.Cleanup(func() { broker.Close() })

	layout := pipeline.MediaLayout{
		UploadsRoot: t.TempDir(),
		ContentRoot: t.TempDir(),
		BaseURL:     "https://media.example.com",
	}
	d := NewHandlersCollection(broker, layout)
	d.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	return d, broker, mr
}

func postJSON(handler httprouter.Handle, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/compress", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req, nil)
	return rr
}

func validSubmissionBody() string {
	return `{
		"postId": 42,
		"wpMediaPath": "/wp-content/uploads/2025/01/clip.mp4",
		"wpVideoUrl": "https://allowed.example.com/clip.mp4",
		"year": 2025,
		"month": 1
	}`
}

func TestCompressEnqueuesJob(t *testing.T) {
	d, broker, _ := testHandlers(t)

	rr := postJSON(d.Compress(), validSubmissionBody())
	require.Equal(t, 200, rr.Code)

	var resp CompressResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.Status)
	require.Equal(t, "job_42_1700000000000", resp.JobID)
	require.EqualValues(t, 1, resp.QueuePosition)
	require.EqualValues(t, 1, resp.QueueLength)

	job, err := broker.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatePending, job.State)
	require.EqualValues(t, 42, job.Submission.PostID)
}

func TestCompressRejectsWrongContentType(t *testing.T) {
	d, _, _ := testHandlers(t)

	req := httptest.NewRequest("POST", "/api/compress", bytes.NewBufferString(validSubmissionBody()))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	d.Compress()(rr, req, nil)
	require.Equal(t, 415, rr.Code)
}

func TestCompressSchemaValidation(t *testing.T) {
	d, _, _ := testHandlers(t)

	tests := []struct {
		name string
		body string
	}{
		{"zero post id", `{"postId": 0, "wpMediaPath": "/a.mp4", "year": 2025, "month": 1}`},
		{"missing media path", `{"postId": 1, "year": 2025, "month": 1}`},
		{"empty media path", `{"postId": 1, "wpMediaPath": "", "year": 2025, "month": 1}`},
		{"year too early", `{"postId": 1, "wpMediaPath": "/a.mp4", "year": 1999, "month": 1}`},
		{"year too late", `{"postId": 1, "wpMediaPath": "/a.mp4", "year": 2101, "month": 1}`},
		{"month zero", `{"postId": 1, "wpMediaPath": "/a.mp4", "year": 2025, "month": 0}`},
		{"month thirteen", `{"postId": 1, "wpMediaPath": "/a.mp4", "year": 2025, "month": 13}`},
		{"unknown field", `{"postId": 1, "wpMediaPath": "/a.mp4", "year": 2025, "month": 1, "extra": true}`},
		{"post id as string", `{"postId": "1", "wpMediaPath": "/a.mp4", "year": 2025, "month": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postJSON(d.Compress(), tt.body)
			require.Equal(t, 400, rr.Code, rr.Body.String())
		})
	}
}

func TestCompressDuplicatePostConflicts(t *testing.T) {
	d, _, _ := testHandlers(t)

	require.Equal(t, 200, postJSON(d.Compress(), validSubmissionBody()).Code)
	rr := postJSON(d.Compress(), validSubmissionBody())
	require.Equal(t, 409, rr.Code)
}

func TestCompressBrokerDown(t *testing.T) {
	d, _, mr := testHandlers(t)
	mr.Close()

	rr := postJSON(d.Compress(), validSubmissionBody())
	require.Equal(t, 503, rr.Code)
}

func TestStatusByJobID(t *testing.T) {
	d, broker, _ := testHandlers(t)
	res, err := broker.Enqueue(context.Background(), queue.Submission{
		PostID: 42, MediaPath: "/a.mp4", Year: 2025, Month: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status?jobId="+res.JobID, nil)
	rr := httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 200, rr.Code)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, res.JobID, view["jobId"])
	require.Equal(t, "pending", view["state"])
	require.EqualValues(t, 42, view["postId"])
}

func TestStatusByPostID(t *testing.T) {
	d, broker, _ := testHandlers(t)
	res, err := broker.Enqueue(context.Background(), queue.Submission{
		PostID: 42, MediaPath: "/a.mp4", Year: 2025, Month: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status?postId=42", nil)
	rr := httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), res.JobID)

	req = httptest.NewRequest("GET", "/api/status?postId=notanumber", nil)
	rr = httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 400, rr.Code)
}

func TestStatusNotFound(t *testing.T) {
	d, _, _ := testHandlers(t)

	req := httptest.NewRequest("GET", "/api/status?jobId=job_9_1", nil)
	rr := httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 404, rr.Code)

	req = httptest.NewRequest("GET", "/api/status?postId=9", nil)
	rr = httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 404, rr.Code)
}

func TestStatusQueueStats(t *testing.T) {
	d, broker, _ := testHandlers(t)
	_, err := broker.Enqueue(context.Background(), queue.Submission{
		PostID: 42, MediaPath: "/a.mp4", Year: 2025, Month: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/status", nil)
	rr := httptest.NewRecorder()
	d.Status()(rr, req, nil)
	require.Equal(t, 200, rr.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.Pending)
}

func TestHealthcheckHealthy(t *testing.T) {
	d, _, _ := testHandlers(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	d.Healthcheck()(rr, req, nil)
	require.Equal(t, 200, rr.Code)

	var resp HealthcheckResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Queue)
	require.Len(t, resp.Dependencies, 2)
}

func TestHealthcheckBrokerDown(t *testing.T) {
	d, _, mr := testHandlers(t)
	mr.Close()

	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	d.Healthcheck()(rr, req, nil)
	require.Equal(t, 503, rr.Code)
	require.Contains(t, rr.Body.String(), `"unhealthy"`)
}

func TestHealthcheckFfmpegMissing(t *testing.T) {
	d, _, _ := testHandlers(t)
	d.lookPath = func(string) (string, error) { return "", fmt.Errorf("not found") }

	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	d.Healthcheck()(rr, req, nil)
	require.Equal(t, 503, rr.Code)
}
