package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// transfersPath is the gateway endpoint that anchors a transfer.
const transfersPath = "/v1/ownership-transfers"

// maxResponseBytes bounds how much of a gateway response is read.
const maxResponseBytes = 64 << 10

// HTTPClient anchors transfers through a ledger gateway over HTTP. The
// gateway deduplicates on the Idempotency-Key header.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the gateway at baseURL. A nil client
// selects http.DefaultClient; deadlines come from the call's context.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type transferRequest struct {
	VehicleID  string `json:"vehicle_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	FinalPrice string `json:"final_price"`
}

type transferResponse struct {
	TxReference string `json:"tx_reference"`
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger gateway returned %d: %s", e.StatusCode, e.Body)
}

func (c *HTTPClient) AnchorOwnershipTransfer(ctx context.Context, req domain.AnchorRequest) (string, error) {
	body, err := json.Marshal(transferRequest{
		VehicleID:  req.VehicleID.String(),
		BuyerID:    req.BuyerID.String(),
		SellerID:   req.SellerID.String(),
		FinalPrice: req.FinalPrice.String(),
	})
	if err != nil {
		return "", fmt.Errorf("anchor.HTTPClient: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transfersPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anchor.HTTPClient: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anchor.HTTPClient: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("anchor.HTTPClient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("anchor.HTTPClient: %w", &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		})
	}

	var out transferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("anchor.HTTPClient: decode response: %w", err)
	}
	if out.TxReference == "" {
		return "", errors.New("anchor.HTTPClient: response has no tx_reference")
	}
	return out.TxReference, nil
}
