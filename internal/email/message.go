// Package email defines the send request wire format shared by the composer,
// the send client, the forwarding route and the upstream backends.
package email

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// DefaultContentType is used for attachments whose type is unknown.
const DefaultContentType = "application/octet-stream"

// SendRequest is the JSON payload describing one outbound email attempt.
// Optional fields are omitted from the wire when empty.
type SendRequest struct {
	FromName    string       `json:"fromName"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Cc          string       `json:"cc,omitempty"`
	Bcc         string       `json:"bcc,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file carried as base64 text plus its metadata.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// Recipients returns the To list split into individual addresses.
func (r *SendRequest) Recipients() []string {
	return SplitAddresses(r.To)
}

// CcList returns the Cc list split into individual addresses.
func (r *SendRequest) CcList() []string {
	return SplitAddresses(r.Cc)
}

// BccList returns the Bcc list split into individual addresses.
func (r *SendRequest) BccList() []string {
	return SplitAddresses(r.Bcc)
}

// SplitAddresses splits a comma-separated address list into bare addresses.
// Lists that are not valid RFC 5322 fall back to a plain comma split, since
// the form does not validate recipient syntax.
func SplitAddresses(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
