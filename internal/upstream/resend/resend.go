// Package resend implements an Upstream backed by the Resend email API.
package resend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

// errorPrefix is prepended by the SDK to API error messages.
const errorPrefix = "[ERROR]: "

// Config holds the configuration for creating a Resend upstream.
type Config struct {
	APIKey string
	// From is the verified sender address. The request's fromName becomes
	// its display name.
	From string
}

// Resend sends requests through the Resend API.
type Resend struct {
	from   string
	client *resend.Client
}

// New creates a Resend upstream with the given configuration.
func New(cfg Config) *Resend {
	return &Resend{
		from:   cfg.From,
		client: resend.NewCustomClient(&http.Client{}, cfg.APIKey),
	}
}

// newWithBaseURL points the SDK client at baseURL, used for testing.
func newWithBaseURL(cfg Config, baseURL string) (*Resend, error) {
	r := New(cfg)
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	r.client.BaseURL = u
	return r, nil
}

// Forward sends req once. API rejections become a Reply: 429 for rate
// limiting, 502 otherwise, since the SDK does not expose the status.
func (r *Resend) Forward(ctx context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	params, err := buildSendEmailRequest(r.from, req)
	if err != nil {
		return upstream.Rejected(http.StatusBadRequest, err.Error()), nil
	}

	sent, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("Resend API request failed: %w", err)
		}
		var rateErr *resend.RateLimitError
		if errors.As(err, &rateErr) {
			return upstream.Rejected(http.StatusTooManyRequests, rateErr.Message), nil
		}
		return upstream.Rejected(http.StatusBadGateway, strings.TrimPrefix(err.Error(), errorPrefix)), nil
	}

	return upstream.Accepted(sent.Id), nil
}

// Name returns the backend name.
func (r *Resend) Name() string {
	return "resend"
}

func buildSendEmailRequest(from string, req *email.SendRequest) (*resend.SendEmailRequest, error) {
	params := &resend.SendEmailRequest{
		From:    formatFrom(req.FromName, from),
		To:      req.Recipients(),
		Cc:      req.CcList(),
		Bcc:     req.BccList(),
		ReplyTo: req.ReplyTo,
		Subject: req.Subject,
		Html:    req.HTML,
		Text:    req.Text,
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("attachment %q is not valid base64: %w", att.Filename, err)
		}
		params.Attachments = append(params.Attachments, &resend.Attachment{
			Filename:    att.Filename,
			Content:     content,
			ContentType: att.ContentType,
		})
	}

	return params, nil
}

// formatFrom renders "Name <address>" as the Resend API expects.
func formatFrom(name, address string) string {
	name = strings.NewReplacer(`"`, "", "<", "", ">", "").Replace(strings.TrimSpace(name))
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
