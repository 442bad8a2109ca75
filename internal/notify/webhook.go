package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// WebhookNotifier POSTs each notification as JSON to a push gateway
type WebhookNotifier struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook sink. The client timeout is a backstop;
// the scheduler bounds every call with its own deadline.
func NewWebhookNotifier(url, token string) *WebhookNotifier {
	return &WebhookNotifier{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	body, err := json.Marshal(NewEvent(n))
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
