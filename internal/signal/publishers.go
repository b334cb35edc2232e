package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itua234/gifty/internal/hmacauth"
)

// ErrPermanent marks delivery failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, evt Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"signal_id", evt.ID(), "record_id", evt.RecordID, "party", evt.Party.Hex(), "amount", evt.Amount.String()}
	if evt.Channel != "" {
		attrs = append(attrs, "channel", evt.Channel, "reference_amount", evt.ReferenceAmount.String())
	}
	logger.Info("signal "+string(evt.Kind), attrs...)
	return nil
}

// WebhookPublisher POSTs events as JSON to a settlement worker, signed with
// the shared secret.
type WebhookPublisher struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signal-Id", evt.ID())

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	if p.Secret != "" {
		hmacauth.SignRequest(req, p.Secret, body, now)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", evt.ID(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Consumer already processed this signal id.
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: deliver %s: status %d", ErrPermanent, evt.ID(), resp.StatusCode)
	default:
		return fmt.Errorf("deliver %s: status %d", evt.ID(), resp.StatusCode)
	}
}
