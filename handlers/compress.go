package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/metrics"
	"github.com/wpvideo/compress-api/queue"
	"github.com/xeipuuv/gojsonschema"
)

type CompressResponse struct {
	Status        string `json:"status"`
	JobID         string `json:"jobId"`
	QueuePosition int64  `json:"queuePosition"`
	QueueLength   int64  `json:"queueLength"`
}

// Compress accepts a submission, validates it against the schema and
// enqueues it on the broker.
func (d *CompressAPIHandlersCollection) Compress() httprouter.Handle {
	schema := inputSchemasCompiled["Compress"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		success, statusCode := false, "500"
		defer func() {
			metrics.Metrics.CompressRequestCount.Inc()
			metrics.Metrics.CompressRequestDurationSec.
				WithLabelValues(strconv.FormatBool(success), statusCode).
				Observe(time.Since(start).Seconds())
		}()

		if !HasContentType(req, "application/json") {
			statusCode = "415"
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		}
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
			return
		}
		if !result.Valid() {
			statusCode = "400"
			errors.WriteHTTPBadBodySchema("Compress", w, result.Errors())
			return
		}
		var sub queue.Submission
		if err := json.Unmarshal(payload, &sub); err != nil {
			statusCode = "400"
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}
		if err := d.Broker.Healthy(req.Context()); err != nil {
			statusCode = "503"
			errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
			return
		}

		res, err := d.Broker.Enqueue(req.Context(), sub)
		if err == queue.ErrAlreadyExists {
			statusCode = "409"
			errors.WriteHTTPConflict(w, fmt.Sprintf("A job for post %d is already queued", sub.PostID), err)
			return
		}
		if err != nil {
			statusCode = "503"
			errors.WriteHTTPServiceUnavailable(w, "Failed to enqueue job", err)
			return
		}

		// Position is the pending list length right after the push, so it
		// doubles as the queue length at enqueue time.
		success, statusCode = true, "200"
		log.AddContext(res.JobID, "post_id", sub.PostID)
		log.Log(res.JobID, "queued compression job", "position", res.Position)

		writeJSON(w, http.StatusOK, CompressResponse{
			Status:        "queued",
			JobID:         res.JobID,
			QueuePosition: res.Position,
			QueueLength:   res.Position,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.LogNoJobID("Failed to write HTTP response", "err", err)
	}
}
