// Package compose holds the composer's form model: field validation, request
// assembly and the send session state machine.
package compose

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailcompose/internal/email"
)

// Field names used as keys in ValidationErrors.
const (
	FieldFromName = "fromName"
	FieldTo       = "to"
	FieldReplyTo  = "replyTo"
	FieldSubject  = "subject"
)

// SubjectLimit is the soft subject length shown by the counter. It is not
// enforced.
const SubjectLimit = 150

// MinBodyLength is the minimum trimmed length of the HTML body.
const MinBodyLength = 5

// Fields are the structured inputs of the compose form.
type Fields struct {
	FromName string
	To       string
	ReplyTo  string
	Cc       string
	Bcc      string
	Subject  string
}

// ValidationErrors maps a field name to its message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v[k]))
	}
	return "invalid fields: " + strings.Join(parts, "; ")
}

// Validate checks the field rules and returns nil when all pass. To, Cc and
// Bcc are only checked for presence; ReplyTo must be a single bare address
// when set.
func (f Fields) Validate() ValidationErrors {
	errs := ValidationErrors{}

	if strings.TrimSpace(f.FromName) == "" {
		errs[FieldFromName] = "From Name is required"
	}
	if strings.TrimSpace(f.To) == "" {
		errs[FieldTo] = "To is required"
	}
	if replyTo := strings.TrimSpace(f.ReplyTo); replyTo != "" && !isBareAddress(replyTo) {
		errs[FieldReplyTo] = "Invalid email"
	}
	if strings.TrimSpace(f.Subject) == "" {
		errs[FieldSubject] = "Subject is required"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// isBareAddress accepts "user@host" and rejects display-name forms.
func isBareAddress(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == s
}

// BodyLongEnough reports whether the HTML body meets MinBodyLength.
func BodyLongEnough(body string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(body)) >= MinBodyLength
}

// BuildRequest assembles the send request. FromName, To and Subject are
// trimmed; blank optional fields and an empty attachment list are omitted.
// The HTML body is sent as written.
func BuildRequest(f Fields, body string, attachments []email.Attachment) *email.SendRequest {
	req := &email.SendRequest{
		FromName: strings.TrimSpace(f.FromName),
		To:       strings.TrimSpace(f.To),
		Subject:  strings.TrimSpace(f.Subject),
		HTML:     body,
		ReplyTo:  strings.TrimSpace(f.ReplyTo),
		Cc:       strings.TrimSpace(f.Cc),
		Bcc:      strings.TrimSpace(f.Bcc),
	}
	if len(attachments) > 0 {
		req.Attachments = attachments
	}
	return req
}

// Counter is a character count against a soft limit.
type Counter struct {
	Count int
	Limit int
}

// SubjectCounter counts the runes of subject against SubjectLimit.
func SubjectCounter(subject string) Counter {
	return Counter{Count: utf8.RuneCountInString(subject), Limit: SubjectLimit}
}

// Over reports whether the count exceeds the limit.
func (c Counter) Over() bool {
	return c.Count > c.Limit
}

func (c Counter) String() string {
	return fmt.Sprintf("%d/%d", c.Count, c.Limit)
}

// PlainToHTML turns plain text into the HTML the editor surface would
// produce: blank lines separate paragraphs, single newlines become <br>.
func PlainToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(strings.TrimSpace(line))
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
