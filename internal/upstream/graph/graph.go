// Package graph implements an Upstream that sends mail via the Microsoft Graph API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

const graphScope = "https://graph.microsoft.com/.default"

// Config holds the configuration for creating a Graph upstream.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Graph sends requests through the sendMail endpoint of the sender's
// mailbox, authenticating with OAuth2 client credentials.
type Graph struct {
	sender     string
	sendURL    string
	httpClient *http.Client
}

// New creates a Graph upstream with the given configuration.
func New(cfg Config) *Graph {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Graph upstream with custom URLs and base HTTP
// client, used for testing.
func newWithOverrides(cfg Config, sendURL, tokenURL string, base *http.Client) *Graph {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// Tokens are fetched with base and cached until shortly before expiry.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Graph{
		sender:     cfg.Sender,
		sendURL:    sendURL,
		httpClient: cc.Client(tokenCtx),
	}
}

// Forward posts req to sendMail once. A 202 becomes {"id": request-id};
// Graph error bodies are reduced to {"error": message}. Other bodies are
// passed through untouched.
func (g *Graph) Forward(ctx context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	bodyJSON, err := json.Marshal(buildSendMailRequest(g.sender, req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Graph API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Graph API response: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return upstream.Accepted(resp.Header.Get("request-id")), nil
	}

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return upstream.Rejected(resp.StatusCode, graphErrResp.Error.Message), nil
	}
	return &upstream.Reply{StatusCode: resp.StatusCode, Body: body}, nil
}

// Name returns the backend name.
func (g *Graph) Name() string {
	return "graph"
}
