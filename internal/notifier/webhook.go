package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/merit-monitoring/chatpulse/internal/config"
	"github.com/merit-monitoring/chatpulse/internal/model"
	"github.com/merit-monitoring/chatpulse/internal/resilience"
)

// WebhookNotifier POSTs every snapshot as JSON to a URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  *resilience.Executor[struct{}]
}

// statusError is a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// retryable reports whether a failed delivery is worth repeating. Client
// errors other than 429 will fail the same way again.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg *config.NotifierConfig) (*WebhookNotifier, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook notifier requires webhook_url")
	}
	retryDelay, err := cfg.RetryDelayParsed()
	if err != nil {
		retryDelay = time.Second
	}
	retries := max(cfg.Retries, 0)

	return &WebhookNotifier{
		url: cfg.WebhookURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: resilience.NewExecutor[struct{}](resilience.RetryConfig{
			MaxRetries: retries,
			BaseDelay:  retryDelay,
			MaxDelay:   retryDelay << min(retries, 6),
			Retryable:  retryable,
		}, nil),
	}, nil
}

// Name returns the notifier name.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// Send posts the snapshot, retrying with exponential backoff.
func (w *WebhookNotifier) Send(ctx context.Context, snap *model.MetricsSnapshot) error {
	body, err := webhookBody(snap)
	if err != nil {
		return err
	}
	_, err = w.retry.Execute(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("webhook delivery of snapshot %d: %w", snap.SequenceNumber, err)
	}
	return nil
}

// webhookBody wraps the snapshot in an event envelope with a one-line
// summary for chat integrations.
func webhookBody(snap *model.MetricsSnapshot) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	body := []byte(`{"event":"metrics_update"}`)
	if body, err = sjson.SetBytes(body, "sequenceNumber", snap.SequenceNumber); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "summary", Summary(snap)); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, "snapshot", data)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}

	// Chat webhooks (WeCom, Feishu) answer 200 with an error code in the body.
	if code := gjson.GetBytes(respBody, "errcode"); code.Exists() && code.Int() != 0 {
		return fmt.Errorf("webhook error: %d - %s", code.Int(), gjson.GetBytes(respBody, "errmsg").String())
	}
	return nil
}

// Summary describes snap in one line.
func Summary(snap *model.MetricsSnapshot) string {
	u := snap.Usage
	s := fmt.Sprintf("#%d: %d sessions (%d active), %d messages, %d tokens, est. cost $%.4f",
		snap.SequenceNumber, u.TotalSessions, u.ActiveSessions,
		u.UserMessages+u.AssistantMessages, snap.Performance.Tokens.Total, snap.Model.TotalCost)
	if p := snap.Performance.ProcessingTime.Median; p != nil {
		s += fmt.Sprintf(", median latency %.0fms", *p)
	}
	return s
}
