// Package relay implements an Upstream that posts send requests as JSON to
// an HTTP mail service.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

// APIKeyHeader carries the credential on every upstream call.
const APIKeyHeader = "x-api-key"

// Config holds the configuration for creating a Relay.
type Config struct {
	BaseURL string
	APIKey  string
}

// Relay forwards requests to <BaseURL>/send.
type Relay struct {
	sendURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Relay. The HTTP client has no timeout of its own; the
// caller's context bounds every call.
func New(cfg Config) *Relay {
	return NewWithClient(cfg, &http.Client{})
}

// NewWithClient creates a Relay with a custom HTTP client.
func NewWithClient(cfg Config, client *http.Client) *Relay {
	return &Relay{
		sendURL:    strings.TrimRight(cfg.BaseURL, "/") + "/send",
		apiKey:     cfg.APIKey,
		httpClient: client,
	}
}

// Forward posts req as JSON and returns the upstream status and body.
func (r *Relay) Forward(ctx context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	bodyJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(APIKeyHeader, r.apiKey)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &upstream.Reply{StatusCode: resp.StatusCode, Body: body}, nil
}

// Name returns the backend name.
func (r *Relay) Name() string {
	return "relay"
}
