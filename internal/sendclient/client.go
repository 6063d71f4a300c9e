// Package sendclient posts send requests to the local forwarding route and
// maps every HTTP outcome to a Result.
package sendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailcompose/internal/email"
)

// SendPath is the forwarding route path relative to the client base URL.
const SendPath = "/api/send"

// GenericFailure is the message used when no better one is available.
const GenericFailure = "Send failed"

// Kind classifies a failed send.
type Kind int

const (
	// KindUpstream means the route answered with a non-2xx status.
	KindUpstream Kind = iota + 1
	// KindTimeout means the route reported an upstream timeout (504).
	KindTimeout
	// KindTransport means no response was received at all.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Failure describes why a send did not succeed.
type Failure struct {
	Kind       Kind
	StatusCode int // zero for transport failures
	Message    string
}

// Result is the outcome of a send. Exactly one of Data and Failure is set.
type Result struct {
	Data    json.RawMessage
	Failure *Failure
}

// OK reports whether the send succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Failure == nil
}

// Client sends requests to the forwarding route. It never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: 60 * time.Second})
}

// NewWithHTTPClient creates a Client with a custom HTTP client.
func NewWithHTTPClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Send issues a single POST carrying req as JSON. HTTP and parse failures
// are reported through Result.Failure; the returned error is reserved for
// requests that could not be built at all.
func (c *Client) Send(ctx context.Context, req *email.SendRequest) (*Result, error) {
	bodyJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SendPath, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Debug("send request failed", "error", err)
		return &Result{Failure: &Failure{Kind: KindTransport, Message: GenericFailure}}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Failure: &Failure{
			Kind:       KindTransport,
			StatusCode: resp.StatusCode,
			Message:    GenericFailure,
		}}, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !json.Valid(body) {
			return &Result{Failure: &Failure{
				Kind:       KindUpstream,
				StatusCode: resp.StatusCode,
				Message:    GenericFailure,
			}}, nil
		}
		return &Result{Data: json.RawMessage(body)}, nil
	}

	kind := KindUpstream
	if resp.StatusCode == http.StatusGatewayTimeout {
		kind = KindTimeout
	}
	return &Result{Failure: &Failure{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}}, nil
}

// errorMessage extracts the "error" string of a failure body, falling back
// to GenericFailure.
func errorMessage(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return GenericFailure
	}
	return errResp.Error
}
