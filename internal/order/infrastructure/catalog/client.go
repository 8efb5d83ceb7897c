package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var ErrProductUnknown = errors.New("catalog: unknown product")

// Client looks prices up from the catalog service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) UnitPrice(ctx context.Context, productID string) (int64, error) {
	u := fmt.Sprintf("%s/products/%s/price", c.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrProductUnknown, productID)
	default:
		return 0, fmt.Errorf("catalog returned %d for %s", resp.StatusCode, productID)
	}

	var body struct {
		UnitPriceCents int64 `json:"unit_price_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode catalog response: %w", err)
	}
	return body.UnitPriceCents, nil
}

// Static serves prices from a fixed map. Used for local runs and tests.
type Static struct {
	Prices map[string]int64
}

func (s Static) UnitPrice(ctx context.Context, productID string) (int64, error) {
	price, ok := s.Prices[productID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProductUnknown, productID)
	}
	return price, nil
}
