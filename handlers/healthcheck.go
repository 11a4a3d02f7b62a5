package handlers

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/queue"
)

type healthcheckDependency struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthcheckResponse struct {
	Status       string                  `json:"status"`
	UptimeSec    int64                   `json:"uptimeSec"`
	Queue        *queue.Stats            `json:"queue,omitempty"`
	Dependencies []healthcheckDependency `json:"dependencies"`
}

// Healthcheck reports whether the broker and the transcoder binary are
// reachable. It is mounted without authentication so load balancers can
// poll it.
func (d *CompressAPIHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		resp := HealthcheckResponse{Status: "healthy"}
		resp.UptimeSec = int64(time.Since(d.Started).Seconds())

		broker := healthcheckDependency{Name: "redis", Status: "up"}
		if err := d.Broker.Healthy(req.Context()); err != nil {
			broker.Status, broker.Error = "down", err.Error()
			resp.Status = "unhealthy"
		} else if stats, err := d.Broker.Stats(req.Context()); err == nil {
			resp.Queue = &stats
		}
		resp.Dependencies = append(resp.Dependencies, broker)

		ffmpeg := healthcheckDependency{Name: "ffmpeg", Status: "up"}
		if _, err := d.lookPath("ffmpeg"); err != nil {
			ffmpeg.Status, ffmpeg.Error = "down", err.Error()
			resp.Status = "unhealthy"
		}
		resp.Dependencies = append(resp.Dependencies, ffmpeg)

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
