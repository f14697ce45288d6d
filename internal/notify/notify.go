// Outbound batch notifications. Iris posts a plain-text summary of each
// completed batch to a configured webhook; delivery is best effort and
// never changes the outcome of the batch itself.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Notify")

type Config struct {
	// WebhookURL receives batch summaries as {"text": "..."} POSTs.
	// Leaving it empty disables notifications entirely.
	WebhookURL     string
	TimeoutSeconds int
}

func (config Config) timeout() time.Duration {
	if config.TimeoutSeconds <= 0 {
		return time.Second * 10
	}

	return time.Second * time.Duration(config.TimeoutSeconds)
}

// NotificationError indicates the webhook did not accept a batch
// summary. StatusCode is zero when the request never completed.
type NotificationError struct {
	StatusCode int
	cause      error
}

func (err *NotificationError) Error() string {
	if err.StatusCode != 0 {
		return fmt.Sprintf("webhook rejected notification with status %d: %v", err.StatusCode, err.cause)
	}

	return fmt.Sprintf("failed to deliver notification: %v", err.cause)
}

func (err *NotificationError) Unwrap() error { return err.cause }

type Notifier struct {
	config Config
	client *http.Client
}

func New(config Config) *Notifier {
	return &Notifier{
		config: config,
		client: &http.Client{Timeout: config.timeout()},
	}
}

// Enabled reports whether a webhook is configured at all.
func (notifier *Notifier) Enabled() bool { return notifier.config.WebhookURL != "" }

// Push delivers a text message to the webhook. A nil return with no
// webhook configured is deliberate so callers need not special-case a
// disabled notifier.
func (notifier *Notifier) Push(ctx context.Context, text string) error {
	if !notifier.Enabled() {
		log.Debugf("No webhook configured, discarding notification\n")
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to construct notification request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := notifier.client.Do(request)
	if err != nil {
		return &NotificationError{cause: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &NotificationError{StatusCode: response.StatusCode, cause: fmt.Errorf("%s", strings.TrimSpace(string(tail)))}
	}

	log.Debugf("Delivered notification (%d bytes) to webhook\n", len(body))
	return nil
}
