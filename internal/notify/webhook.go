package notify

import (
	"bytes"
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
)

// Webhook posts events as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook sink. client may be nil.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = clients.NewHTTPClient(clients.DefaultHTTPConfig(), zap.NewNop())
	}
	return &Webhook{url: url, client: client}
}

// Notify implements Sink. Any non-2xx answer is an error.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)
	if err := json.MarshalToWriter(buf, ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid webhook URL")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", clients.UserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, clients.ClassifyTransportError(err), "webhook delivery failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return clients.StatusError(resp)
	}
	return nil
}
