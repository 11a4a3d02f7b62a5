package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/clients"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/pipeline"
	"github.com/wpvideo/compress-api/queue"
)

// CompressAPIHandlersCollection wires the intake endpoints to the broker and
// the content layout.
type CompressAPIHandlersCollection struct {
	Broker  *queue.Client
	Layout  pipeline.MediaLayout
	Started time.Time

	// lookPath is swapped in tests
	lookPath func(string) (string, error)
}

func NewHandlersCollection(broker *queue.Client, layout pipeline.MediaLayout) *CompressAPIHandlersCollection {
	return &CompressAPIHandlersCollection{
		Broker:   broker,
		Layout:   layout,
		Started:  time.Now(),
		lookPath: exec.LookPath,
	}
}

func (d *CompressAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoJobID("Failed to write HTTP response for " + req.URL.RawPath)
		}
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}

	return false
}

// jobView is the status representation returned by the API for one job.
type jobView struct {
	JobID     string                     `json:"jobId"`
	PostID    int64                      `json:"postId"`
	State     queue.State                `json:"state"`
	Progress  int                        `json:"progress"`
	Stage     string                     `json:"stage"`
	Attempts  int                        `json:"attempts"`
	CreatedAt int64                      `json:"createdAt"`
	UpdatedAt int64                      `json:"updatedAt"`
	Worker    string                     `json:"worker,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Result    *clients.CompletionPayload `json:"result,omitempty"`
}

func viewOf(job *queue.Job) (jobView, error) {
	v := jobView{
		JobID:     job.ID,
		PostID:    job.Submission.PostID,
		State:     job.State,
		Progress:  job.Progress,
		Stage:     job.Stage,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Worker:    job.Worker,
		Error:     job.Error,
	}
	if len(job.Result) > 0 {
		v.Result = &clients.CompletionPayload{}
		if err := json.Unmarshal(job.Result, v.Result); err != nil {
			return jobView{}, err
		}
	}
	return v, nil
}
