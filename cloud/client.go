// Package cloud is the bridge's client surface to the backend: the atomic
// print-job claim procedures, the ticket-rendering HTTP API, the heartbeat
// upsert, polling queries for degraded mode, and the realtime change-feed
// subscription.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"printbridge/logger"
)

// Client talks to the backend REST surface and the renderer HTTP API.
type Client struct {
	// BaseURL is the backend project URL (REST and realtime live under it).
	BaseURL string
	// APIKey authenticates REST and realtime requests.
	APIKey string
	// FrontendURL hosts the ticket-rendering endpoints.
	FrontendURL string
	// TenantID is the restaurant this bridge serves.
	TenantID string
	// DeviceID identifies this daemon in claims and heartbeats.
	DeviceID string
	// PaperWidth is forwarded to the renderer (mm). Defaults to 80.
	PaperWidth int

	HTTPClient *http.Client
	Log        *logger.Logger
}

// NewClient builds a Client with a 30-second HTTP timeout.
func NewClient(baseURL, apiKey, frontendURL, tenantID, deviceID string, log *logger.Logger) *Client {
	return &Client{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		FrontendURL: frontendURL,
		TenantID:    tenantID,
		DeviceID:    deviceID,
		PaperWidth:  80,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Log:         log,
	}
}

// doJSON performs a JSON request and decodes a JSON response. extraHeaders may
// be nil. Non-2xx responses are returned as errors carrying the body.
func (c *Client) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}, extraHeaders map[string]string) error {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "PrintBridge/1.0")
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, string(respData))
	}

	if respBody != nil && len(respData) > 0 {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// restHeaders returns the auth headers for the backend REST surface.
func (c *Client) restHeaders() map[string]string {
	return map[string]string{
		"apikey":        c.APIKey,
		"Authorization": "Bearer " + c.APIKey,
	}
}

func (c *Client) restURL(path string) string {
	return c.BaseURL + "/rest/v1" + path
}
