package sonar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseSize bounds every response body read from Sonar.
const maxResponseSize = 1 << 20

// Remote operations.
const (
	OpReadEntity                 = "ReadEntity"
	OpListAvailableEntities      = "ListAvailableEntities"
	OpPrePurchaseCheck           = "PrePurchaseCheck"
	OpGenerateSalePurchasePermit = "GenerateSalePurchasePermit"
)

// APIError is a non-2xx response from the Sonar API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sonar api error (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// EntityRequest identifies a wallet's entity in a sale.
type EntityRequest struct {
	SaleUUID      string `json:"SaleUUID"`
	WalletAddress string `json:"WalletAddress"`
}

// EntitiesRequest lists the caller's entities available for a sale.
type EntitiesRequest struct {
	SaleUUID string `json:"SaleUUID"`
}

// PurchaseRequest identifies a purchase by an entity from a wallet.
type PurchaseRequest struct {
	SaleUUID      string `json:"SaleUUID"`
	EntityID      string `json:"EntityID"`
	WalletAddress string `json:"WalletAddress"`
}

// API is the unauthenticated half of the Sonar API client.
type API struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPI creates an API client for baseURL.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Client is an API client bound to one access token.
type Client struct {
	api            *API
	accessToken    string
	onUnauthorized func(ctx context.Context)
}

// Bind returns a client that authenticates with accessToken. onUnauthorized,
// if set, runs when Sonar rejects the token with 401.
func (a *API) Bind(accessToken string, onUnauthorized func(ctx context.Context)) *Client {
	return &Client{api: a, accessToken: accessToken, onUnauthorized: onUnauthorized}
}

// ReadEntity returns the entity linked to a wallet for a sale.
func (c *Client) ReadEntity(ctx context.Context, req EntityRequest) (json.RawMessage, error) {
	return c.call(ctx, OpReadEntity, req)
}

// ListAvailableEntities returns the caller's entities for a sale.
func (c *Client) ListAvailableEntities(ctx context.Context, req EntitiesRequest) (json.RawMessage, error) {
	return c.call(ctx, OpListAvailableEntities, req)
}

// PrePurchaseCheck reports whether the entity may purchase from the wallet.
func (c *Client) PrePurchaseCheck(ctx context.Context, req PurchaseRequest) (json.RawMessage, error) {
	return c.call(ctx, OpPrePurchaseCheck, req)
}

// GeneratePurchasePermit returns a signed permit for the on-chain purchase.
func (c *Client) GeneratePurchasePermit(ctx context.Context, req PurchaseRequest) (json.RawMessage, error) {
	return c.call(ctx, OpGenerateSalePurchasePermit, req)
}

func (c *Client) call(ctx context.Context, op string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api.baseURL+"/externalapi."+op, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.api.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized(ctx)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data, resp.StatusCode)}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s response is not valid JSON", op)
	}
	return json.RawMessage(data), nil
}

// errorMessage extracts the message field of an error body. Other body
// content is never passed on.
func errorMessage(data []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
