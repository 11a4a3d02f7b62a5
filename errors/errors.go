package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/wpvideo/compress-api/log"
	"github.com/xeipuuv/gojsonschema"
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) apiError {
	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoJobID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}

	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPConflict(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusConflict, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPServiceUnavailable(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusServiceUnavailable, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPTooManyRequests(w http.ResponseWriter, retryAfterSec int, msg string) apiError {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	return writeHttpError(w, msg, http.StatusTooManyRequests, nil)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) apiError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// Unretriable wraps an error to mark it as deterministic: the retry layers
// built on backoff.Retry will not attempt it again, and the broker fails the
// job without burning the remaining attempts.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

// IsUnretriable reports whether err is wrapped with Unretriable.
func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	return errors.As(err, &permErr)
}

// Recoverable unwraps the backoff.PermanentError marker so the inner error
// (and its Kind) stays reachable via errors.As.
func unwrapPermanent(err error) error {
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	return err
}
