package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"teketeke/internal/config"
)

// DispatchResult is what the provider acknowledged synchronously. The final
// outcome arrives later on the result callback.
type DispatchResult struct {
	ProviderRequestID string
	ConversationID    string
	Raw               json.RawMessage
}

// Dispatcher hands one payout item to the external disbursement provider.
type Dispatcher interface {
	Send(ctx context.Context, itemID int64, amount decimal.Decimal, phone, idempotencyKey string) (*DispatchResult, error)
}

type b2cDispatcher struct {
	cfg    *config.Config
	client *http.Client
}

func NewB2CDispatcher(cfg *config.Config) Dispatcher {
	return &b2cDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.B2CTimeout},
	}
}

type b2cRequest struct {
	Shortcode      string `json:"shortcode"`
	Initiator      string `json:"initiator"`
	Credential     string `json:"credential"`
	Amount         string `json:"amount"`
	PartyB         string `json:"party_b"`
	Remarks        string `json:"remarks"`
	OriginatorID   string `json:"originator_conversation_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type b2cResponse struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	ResponseCode   string `json:"response_code"`
	Description    string `json:"response_description"`
}

func (d *b2cDispatcher) Send(ctx context.Context, itemID int64, amount decimal.Decimal, phone, idempotencyKey string) (*DispatchResult, error) {
	if !d.cfg.B2CConfigured() {
		return nil, fmt.Errorf("b2c environment not configured")
	}

	body, err := json.Marshal(b2cRequest{
		Shortcode:      d.cfg.B2CShortcode,
		Initiator:      d.cfg.B2CInitiator,
		Credential:     d.cfg.B2CCredential,
		Amount:         amount.StringFixed(2),
		PartyB:         phone,
		Remarks:        fmt.Sprintf("payout item %d", itemID),
		OriginatorID:   idempotencyKey,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.B2CEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("b2c dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("b2c dispatch: provider returned %d: %s", resp.StatusCode, raw)
	}

	var parsed b2cResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("b2c dispatch: bad provider response: %w", err)
	}
	if parsed.RequestID == "" && parsed.ConversationID == "" {
		return nil, fmt.Errorf("b2c dispatch: provider accepted without identifiers: %s", parsed.Description)
	}

	return &DispatchResult{
		ProviderRequestID: parsed.RequestID,
		ConversationID:    parsed.ConversationID,
		Raw:               raw,
	}, nil
}
