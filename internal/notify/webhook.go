package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// WebhookNotifier posts ride events as JSON to an HTTP endpoint such as a
// push notification gateway.
type WebhookNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint, key string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookBody struct {
	Event      string           `json:"event"`
	Recipients []string         `json:"recipients"`
	Data       models.RideEvent `json:"data"`
}

func (w *WebhookNotifier) Publish(ctx context.Context, ev models.RideEvent) error {
	body := webhookBody{Event: "ride." + string(ev.To), Data: ev}
	for _, id := range []string{ev.RiderID, ev.DriverID} {
		if id != "" && id != ev.ActorID {
			body.Recipients = append(body.Recipients, id)
		}
	}
	if len(body.Recipients) == 0 {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}
