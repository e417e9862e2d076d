// Package push delivers carer alerts to a mobile app through the push
// gateway service.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// AlertRequest is the payload sent to the push gateway's POST /v1/push endpoint.
type AlertRequest struct {
	LicenseKey   string `json:"license_key"`
	PushToken    string `json:"push_token"`
	PushPlatform string `json:"push_platform"` // "fcm" or "apns"
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Body         string `json:"body"`
}

// AlertResponse is the response from POST /v1/push.
type AlertResponse struct {
	Delivered bool `json:"delivered"`
}

// envelope is the standard push gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Alert is one notification for the carer's phone.
type Alert struct {
	Kind  string
	Title string
	Body  string
}

// Client is an HTTP client for the push gateway service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	licenseKey string
	logger     *slog.Logger
}

// NewClient creates a push gateway client. baseURL is the gateway endpoint
// and licenseKey identifies this device to it.
func NewClient(baseURL, licenseKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		licenseKey: licenseKey,
		logger:     logger.With("component", "push"),
	}
}

// SendAlert asks the gateway to notify the carer device identified by
// pushToken. It returns whether the gateway delivered the notification.
func (c *Client) SendAlert(ctx context.Context, pushToken, pushPlatform string, alert Alert) (bool, error) {
	req := AlertRequest{
		LicenseKey:   c.licenseKey,
		PushToken:    pushToken,
		PushPlatform: pushPlatform,
		Kind:         alert.Kind,
		Title:        alert.Title,
		Body:         alert.Body,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("push: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("push: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-License-Key", c.licenseKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return false, fmt.Errorf("push: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return false, fmt.Errorf("push: gateway returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return false, fmt.Errorf("push: decoding response: %w", err)
	}

	var alertResp AlertResponse
	if err := json.Unmarshal(env.Data, &alertResp); err != nil {
		return false, fmt.Errorf("push: decoding alert response data: %w", err)
	}

	c.logger.Debug("carer alert pushed",
		"delivered", alertResp.Delivered,
		"kind", alert.Kind,
		"platform", pushPlatform,
	)

	return alertResp.Delivered, nil
}

// Configured returns true if the client has a base URL and license key.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.licenseKey != ""
}
