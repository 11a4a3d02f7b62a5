package log

import (
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

// Swappable in tests to capture output
var logDestination io.Writer = os.Stderr

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this Job ID will include this context
func AddContext(jobID string, keyvals ...interface{}) {
	_ = loggerCache.Add(jobID, kitlog.With(getLogger(jobID), redactKeyvals(keyvals...)...), defaultLoggerCacheExpiry)
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// Log in situations where we don't have access to the Job ID.
// Should be used sparingly and with as much context inserted into the message as possible
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "job_id", jobID)
	err := loggerCache.Add(jobID, newLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "job_id", jobID)
	}
	return newLogger
}

// SetDestination redirects all loggers to w. Must be called before logging
// starts; cached per-job loggers keep their old writer.
func SetDestination(w io.Writer) {
	logDestination = w
	loggerCache.Flush()
}

// NewLogger returns a plain logfmt logger for callers that attach their own
// context, like the HTTP request middleware.
func NewLogger() kitlog.Logger {
	return newLogger()
}

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals))
	for i, kv := range keyvals {
		if i%2 == 0 {
			out = append(out, kv)
			continue
		}
		if s, ok := kv.(string); ok {
			out = append(out, RedactURL(s))
		} else {
			out = append(out, kv)
		}
	}
	return out
}

// RedactURL hides any credentials embedded in a URL-shaped string. Values
// that don't look like URLs are returned unchanged.
func RedactURL(raw string) string {
	if !strings.Contains(raw, "@") || !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	if u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	out, err := url.PathUnescape(u.String())
	if err != nil {
		return "REDACTED"
	}
	return out
}
