package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WebhookDisburser delivers payouts by POSTing to an external payment
// service. A 2xx response with a tx_reference acknowledges the transfer.
type WebhookDisburser struct {
	url    string
	client *http.Client
}

// NewWebhookDisburser creates a disburser against the given endpoint.
func NewWebhookDisburser(url string) *WebhookDisburser {
	return &WebhookDisburser{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

type webhookResponse struct {
	TxReference string `json:"tx_reference"`
}

func (d *WebhookDisburser) SendPayout(ctx context.Context, userID string, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(webhookRequest{UserID: userID, Amount: amount})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("disburse %s: status %d: %s", userID, resp.StatusCode, msg)
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("disburse %s: decode response: %w", userID, err)
	}
	if out.TxReference == "" {
		return "", fmt.Errorf("disburse %s: empty tx_reference", userID)
	}
	return out.TxReference, nil
}

// LogDisburser records payouts without moving money. Used in development
// when no payment rail is configured.
type LogDisburser struct{}

func (LogDisburser) SendPayout(_ context.Context, userID string, amount decimal.Decimal) (string, error) {
	ref := "dev-" + uuid.New().String()
	slog.Info("payout logged (no payment rail configured)",
		"user", userID,
		"amount", amount.String(),
		"tx_ref", ref,
	)
	return ref, nil
}
