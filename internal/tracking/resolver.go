package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPDestinationResolver asks the order service for a delivery's drop-off
// point.
type HTTPDestinationResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDestinationResolver(baseURL string) *HTTPDestinationResolver {
	return &HTTPDestinationResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *HTTPDestinationResolver) Destination(ctx context.Context, orderID string) (float64, float64, error) {
	url := fmt.Sprintf("%s/orders/%s/destination", r.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("order service returned %s", resp.Status)
	}

	var body struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, err
	}
	return body.Latitude, body.Longitude, nil
}
