package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/metrics"
)

const (
	webhookRequestTimeout = 30 * time.Second
	webhookMaxRetries     = 2 // retries after the first attempt, 3 attempts total
)

// CallbackClient delivers webhook events to the configured endpoint. With no
// endpoint configured every send is a successful no-op. Progress events pass
// through a per-job throttler; terminal events always go out.
type CallbackClient struct {
	url        string
	apiKey     string
	httpClient *retryablehttp.Client
	throttle   *Throttler
}

func NewCallbackClient(url, apiKey string) *CallbackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = webhookMaxRetries
	client.Backoff = linearBackoff
	// any non-2xx is an attempt failure, not just the retryable defaults
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return true, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return true, nil
		}
		return false, nil
	}
	client.Logger = log.NewRetryableHTTPLogger()
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.Metrics.WebhookClient.RetryCount.WithLabelValues(req.URL.Host).Inc()
		}
	}
	client.HTTPClient = &http.Client{
		Timeout: webhookRequestTimeout,
	}

	return &CallbackClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: client,
		throttle:   NewThrottler(nil),
	}
}

// linear backoff of attempt x 2s between webhook delivery attempts
func linearBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return time.Duration(attemptNum+1) * 2 * time.Second
}

// SendEvent delivers one event, applying the progress throttler. The call
// blocks for the duration of the HTTP exchange so events for a job are
// delivered in order.
func (c *CallbackClient) SendEvent(event WebhookEvent) error {
	if c.url == "" {
		return nil
	}
	if !c.throttle.ShouldSend(event) {
		return nil
	}
	return c.post(event)
}

func (c *CallbackClient) post(event WebhookEvent) error {
	j, err := json.Marshal(event)
	if err != nil {
		return err
	}

	r, err := retryablehttp.NewRequest(http.MethodPost, c.url, bytes.NewReader(j))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-API-Key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(r)
	if err != nil {
		metrics.Metrics.WebhookClient.FailureCount.WithLabelValues(r.URL.Host, "0").Inc()
		log.LogError(event.JobID, "failed to send webhook", err, "url", c.url)
		return fmt.Errorf("failed to send webhook to %q: %w", c.url, err)
	}
	defer resp.Body.Close()
	metrics.Metrics.WebhookClient.RequestDuration.WithLabelValues(r.URL.Host).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Metrics.WebhookClient.FailureCount.WithLabelValues(r.URL.Host, strconv.Itoa(resp.StatusCode)).Inc()
		log.Log(event.JobID, "webhook rejected", "url", c.url, "status_code", resp.StatusCode)
		return fmt.Errorf("failed to send webhook to %q: HTTP %d", c.url, resp.StatusCode)
	}

	return nil
}
