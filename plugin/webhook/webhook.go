// Package webhook posts moderation events to an operator-configured
// endpoint. Delivery is best-effort; federation flows never block on or
// fail from a webhook response.
package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	// timeout is the timeout for a webhook request. Default to 10 seconds.
	timeout = 10 * time.Second
)

// ReportPayload is the body posted when a report crosses the bridge.
type ReportPayload struct {
	Reporter   string `json:"reporter"`
	Target     string `json:"target"`
	Object     string `json:"object,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Direction  string `json:"direction"`
	ReceivedAt string `json:"receivedAt"`
}

// Post posts the report to the webhook endpoint.
func Post(url string, requestPayload *ReportPayload) error {
	body, err := json.Marshal(requestPayload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal webhook request to %s", url)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(body))
	if err != nil {
		return errors.Wrapf(err, "failed to construct webhook request to %s", url)
	}

	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{
		Timeout: timeout,
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to post webhook to %s", url)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Wrapf(err, "failed to read webhook response from %s", url)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("failed to post webhook %s, status code: %d, response body: %s", url, resp.StatusCode, b)
	}
	return nil
}

// PostAsync posts the report to the webhook endpoint asynchronously.
// It spawns a new goroutine to handle the request and does not wait for
// the response.
func PostAsync(url string, requestPayload *ReportPayload) {
	go func() {
		if err := Post(url, requestPayload); err != nil {
			// Since we're in a goroutine, we can only log the error
			slog.Warn("Failed to dispatch webhook asynchronously",
				slog.String("url", url),
				slog.String("direction", requestPayload.Direction),
				slog.Any("err", err))
		}
	}()
}
