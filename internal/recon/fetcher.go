package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ProviderFetcher pulls the provider-side statement for a window.
type ProviderFetcher interface {
	FetchInbound(ctx context.Context, windowStart, windowEnd time.Time) ([]ProviderTxn, error)
	FetchOutbound(ctx context.Context, windowStart, windowEnd time.Time) ([]ProviderTxn, error)
}

type httpFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPFetcher(baseURL, token string, timeout time.Duration) ProviderFetcher {
	return &httpFetcher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *httpFetcher) FetchInbound(ctx context.Context, windowStart, windowEnd time.Time) ([]ProviderTxn, error) {
	return f.fetch(ctx, "inbound", windowStart, windowEnd)
}

func (f *httpFetcher) FetchOutbound(ctx context.Context, windowStart, windowEnd time.Time) ([]ProviderTxn, error) {
	return f.fetch(ctx, "outbound", windowStart, windowEnd)
}

func (f *httpFetcher) fetch(ctx context.Context, direction string, windowStart, windowEnd time.Time) ([]ProviderTxn, error) {
	if f.baseURL == "" {
		return nil, fmt.Errorf("provider statement endpoint not configured")
	}

	q := url.Values{}
	q.Set("direction", direction)
	q.Set("from", windowStart.UTC().Format(time.RFC3339))
	q.Set("to", windowEnd.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s statement: %w", direction, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s statement: provider returned %d", direction, resp.StatusCode)
	}

	var payload struct {
		Transactions []ProviderTxn `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fetch %s statement: bad response: %w", direction, err)
	}
	return payload.Transactions, nil
}
