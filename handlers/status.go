package handlers

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/queue"
)

// Status reports a single job when queried by jobId or postId, or the
// per-state queue counts when called with no query parameters.
func (d *CompressAPIHandlersCollection) Status() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		query := req.URL.Query()

		if jobID := query.Get("jobId"); jobID != "" {
			job, err := d.Broker.GetJob(req.Context(), jobID)
			d.writeJob(w, job, err)
			return
		}
		if post := query.Get("postId"); post != "" {
			postID, err := strconv.ParseInt(post, 10, 64)
			if err != nil || postID < 1 {
				errors.WriteHTTPBadRequest(w, "postId must be a positive integer", err)
				return
			}
			job, err := d.Broker.GetJobByPost(req.Context(), postID)
			d.writeJob(w, job, err)
			return
		}

		stats, err := d.Broker.Stats(req.Context())
		if err != nil {
			errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (d *CompressAPIHandlersCollection) writeJob(w http.ResponseWriter, job *queue.Job, err error) {
	if err == queue.ErrNotFound {
		errors.WriteHTTPNotFound(w, "No such job", err)
		return
	}
	if err != nil {
		errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
		return
	}
	view, err := viewOf(job)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Corrupt job result", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
