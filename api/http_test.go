package api

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/wpvideo/compress-api/config"
	"github.com/wpvideo/compress-api/queue"
)

func testRouterConfig(t *testing.T) (config.Cli, *queue.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	broker := queue.NewClientFromRedis(rdb, queue.Options{Clock: mock})
	t.Cleanup(func() { broker.Close() })

	cli := config.Cli{
		APIKey:        "secret-key",
		AdminPassword: "admin-pass",
		BaseURL:       "https://media.example.com",
		UploadsDir:    t.TempDir(),
		ContentDir:    t.TempDir(),
	}
	return cli, broker
}

func TestRouterRoutes(t *testing.T) {
	cli, broker := testRouterConfig(t)
	router := NewCompressAPIRouter(cli, broker)

	for _, route := range []struct{ method, path string }{
		{"GET", "/ok"},
		{"GET", "/api/health"},
		{"POST", "/api/compress"},
		{"GET", "/api/status"},
		{"POST", "/api/webhook"},
		{"GET", "/api/admin/jobs"},
		{"GET", "/content/2025/01/42/compressed_480p.mp4"},
	} {
		handle, _, _ := router.Lookup(route.method, route.path)
		require.NotNil(t, handle, "%s %s", route.method, route.path)
	}
}

func TestRouterAuthBoundary(t *testing.T) {
	cli, broker := testRouterConfig(t)
	router := NewCompressAPIRouter(cli, broker)

	// health stays open
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/health", nil))
	require.Equal(t, 200, rr.Code)

	// status requires the API key
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/status", nil))
	require.Equal(t, 401, rr.Code)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)

	// admin listing takes the admin password, not the API key
	req = httptest.NewRequest("GET", "/api/admin/jobs", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, 401, rr.Code)

	req = httptest.NewRequest("GET", "/api/admin/jobs", nil)
	req.Header.Set("X-API-Key", "admin-pass")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
}

func TestRouterEndToEndCompress(t *testing.T) {
	cli, broker := testRouterConfig(t)
	router := NewCompressAPIRouter(cli, broker)

	body := `{"postId": 7, "wpMediaPath": "/wp-content/uploads/2025/01/a.mp4", "year": 2025, "month": 1}`
	req := httptest.NewRequest("POST", "/api/compress", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret-key")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "job_7_1700000000000")

	req = httptest.NewRequest("GET", "/api/status?postId=7", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), `"pending"`)
}
