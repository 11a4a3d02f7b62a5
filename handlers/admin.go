package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/queue"
	"github.com/xeipuuv/gojsonschema"
)

const maxRecentJobs = 100

type webhookAction struct {
	Action string `json:"action"`
	JobID  string `json:"jobId"`
}

// Webhook handles control actions posted back by the CMS: acknowledging a
// delivery, polling status, retrying a failed job or cancelling one.
func (d *CompressAPIHandlersCollection) Webhook() httprouter.Handle {
	schema := inputSchemasCompiled["WebhookAction"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if !HasContentType(req, "application/json") {
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
			errors.WriteHTTPBadBodySchema("WebhookAction", w, result.Errors())
			return
		}
		var action webhookAction
		if err := json.Unmarshal(payload, &action); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		switch action.Action {
		case "acknowledge":
			writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})

		case "status":
			if action.JobID == "" {
				errors.WriteHTTPBadRequest(w, "jobId is required for status", nil)
				return
			}
			job, err := d.Broker.GetJob(req.Context(), action.JobID)
			d.writeJob(w, job, err)

		case "retry":
			if action.JobID == "" {
				errors.WriteHTTPBadRequest(w, "jobId is required for retry", nil)
				return
			}
			requeued, err := d.Broker.Retry(req.Context(), action.JobID)
			if err != nil {
				errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
				return
			}
			if !requeued {
				if _, err := d.Broker.GetJob(req.Context(), action.JobID); err == queue.ErrNotFound {
					errors.WriteHTTPNotFound(w, "No such job", err)
					return
				}
				errors.WriteHTTPConflict(w, "Only failed jobs can be retried", nil)
				return
			}
			log.Log(action.JobID, "job requeued via webhook action")
			writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "jobId": action.JobID})

		case "cancel":
			if action.JobID == "" {
				errors.WriteHTTPBadRequest(w, "jobId is required for cancel", nil)
				return
			}
			removed, err := d.Broker.Remove(req.Context(), action.JobID)
			if err != nil {
				errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
				return
			}
			if !removed {
				if _, err := d.Broker.GetJob(req.Context(), action.JobID); err == queue.ErrNotFound {
					errors.WriteHTTPNotFound(w, "No such job", err)
					return
				}
				errors.WriteHTTPConflict(w, "Finished jobs cannot be cancelled", nil)
				return
			}
			log.Log(action.JobID, "job cancelled via webhook action")
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "jobId": action.JobID})
		}
	}
}

// AdminJobs lists the most recently submitted jobs, newest first.
func (d *CompressAPIHandlersCollection) AdminJobs() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		limit := int64(maxRecentJobs)
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 1 {
				errors.WriteHTTPBadRequest(w, "limit must be a positive integer", err)
				return
			}
			if parsed < limit {
				limit = parsed
			}
		}

		jobs, err := d.Broker.ListRecent(req.Context(), limit)
		if err != nil {
			errors.WriteHTTPServiceUnavailable(w, "Broker unavailable", err)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, job := range jobs {
			view, err := viewOf(job)
			if err != nil {
				errors.WriteHTTPInternalServerError(w, "Corrupt job result", err)
				return
			}
			views = append(views, view)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
	}
}
