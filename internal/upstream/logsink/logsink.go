// Package logsink implements an Upstream that prints send requests instead of
// delivering them. It is meant for local development.
package logsink

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

const separator = "========================================\n"

// Sink prints send requests in a human-readable format.
type Sink struct {
	writer io.Writer
}

// New creates a Sink that writes to os.Stdout.
func New() *Sink {
	return &Sink{writer: os.Stdout}
}

// NewWithWriter creates a Sink that writes to w.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{writer: w}
}

// Forward prints req and accepts it with a generated message ID.
func (s *Sink) Forward(ctx context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "Id: %s\n", id)
	fmt.Fprintf(&b, "From: %s\n", req.FromName)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(req.Recipients(), ", "))

	if cc := req.CcList(); len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(cc, ", "))
	}
	if bcc := req.BccList(); len(bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(bcc, ", "))
	}
	if req.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", req.ReplyTo)
	}

	fmt.Fprintf(&b, "Subject: %s\n", req.Subject)
	b.WriteString("Body:\n")

	body := req.Text
	if body == "" {
		body = req.HTML
	}
	b.WriteString(body + "\n")

	if len(req.Attachments) > 0 {
		attachments := make([]string, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s, %s)", att.Filename, att.ContentType, attachmentSize(att.Content)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	return upstream.Accepted(id), nil
}

// Name returns the backend name.
func (s *Sink) Name() string {
	return "log"
}

func attachmentSize(content string) string {
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "invalid base64"
	}
	return formatSize(len(decoded))
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
