package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPriceURL is a CoinGecko-style simple price endpoint for SOL/USD.
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

// Source fetches the current SOL/USD price.
type Source interface {
	FetchSolUsd(ctx context.Context) (decimal.Decimal, error)
}

// HTTPSource reads {"solana":{"usd":<price>}} from a simple price endpoint.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates an HTTPSource. A nil client gets a 10s timeout.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if url == "" {
		url = DefaultPriceURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: url, client: client}
}

type simplePriceResponse struct {
	Solana struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"solana"`
}

// FetchSolUsd performs one request. Non-200 responses and non-positive prices are errors.
func (s *HTTPSource) FetchSolUsd(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read price response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var parsed simplePriceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("decode price response: %w", err)
	}
	if !parsed.Solana.USD.IsPositive() {
		return decimal.Zero, fmt.Errorf("price endpoint returned non-positive price %s", parsed.Solana.USD)
	}
	return parsed.Solana.USD, nil
}
