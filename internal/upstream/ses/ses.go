// Package ses implements an Upstream that sends mail via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

// Config holds the configuration for creating an SES upstream.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends requests through the SES v2 API. The configured sender is the
// envelope address; the request's fromName becomes its display name.
type SES struct {
	sender string
	client SendEmailAPI
}

// New creates an SES upstream with the given configuration.
func New(ctx context.Context, cfg Config) (*SES, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SES{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates an SES upstream with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SES {
	return &SES{
		sender: sender,
		client: client,
	}
}

// httpStatusError is satisfied by SDK response errors that carry the HTTP
// status returned by the service.
type httpStatusError interface {
	HTTPStatusCode() int
}

// Forward sends req once. Requests with attachments go out as a raw MIME
// message; others use the simple content format. Service rejections are
// mapped to a Reply with the service's HTTP status.
func (s *SES) Forward(ctx context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	var input *sesv2.SendEmailInput

	if len(req.Attachments) > 0 {
		raw, err := buildRawMessage(s.sender, req, time.Now())
		if err != nil {
			return upstream.Rejected(http.StatusBadRequest, err.Error()), nil
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(req),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(s.sender, req)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var statusErr httpStatusError
		if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() > 0 {
			return upstream.Rejected(statusErr.HTTPStatusCode(), apiMessage(err)), nil
		}
		return nil, fmt.Errorf("SES API request failed: %w", err)
	}

	return upstream.Accepted(aws.ToString(out.MessageId)), nil
}

// Name returns the backend name.
func (s *SES) Name() string {
	return "ses"
}

// apiMessage prefers the service's own error message over the wrapped SDK text.
func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}

func destination(req *email.SendRequest) *types.Destination {
	return &types.Destination{
		ToAddresses:  req.Recipients(),
		CcAddresses:  req.CcList(),
		BccAddresses: req.BccList(),
	}
}

// fromAddress formats the sender with the request's display name.
func fromAddress(sender, fromName string) string {
	addr := mail.Address{Name: fromName, Address: sender}
	return addr.String()
}

// buildSimpleInput creates a SendEmailInput for requests without attachments.
func buildSimpleInput(sender string, req *email.SendRequest) *sesv2.SendEmailInput {
	body := &types.Body{}

	if req.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(req.HTML),
			Charset: aws.String("UTF-8"),
		}
	}
	if req.Text != "" {
		body.Text = &types.Content{
			Data:    aws.String(req.Text),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress(sender, req.FromName)),
		Destination:      destination(req),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(req.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if req.ReplyTo != "" {
		input.ReplyToAddresses = []string{req.ReplyTo}
	}
	return input
}

func addressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: a})
	}
	return list
}

// buildRawMessage writes a multipart/mixed MIME message for requests with
// attachments. Bcc recipients are carried only by the destination.
func buildRawMessage(sender string, req *email.SendRequest, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: req.FromName, Address: sender}})
	h.SetAddressList("To", addressList(req.Recipients()))
	if cc := req.CcList(); len(cc) > 0 {
		h.SetAddressList("Cc", addressList(cc))
	}
	if req.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: req.ReplyTo}})
	}
	h.SetSubject(req.Subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if req.Text != "" {
		if err := writeInline(tw, "text/plain", req.Text); err != nil {
			return nil, err
		}
	}
	if req.HTML != "" {
		if err := writeInline(tw, "text/html", req.HTML); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body part: %w", err)
	}

	for _, att := range req.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("attachment %q is not valid base64: %w", att.Filename, err)
		}

		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(tw *mail.InlineWriter, mediaType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(mediaType, map[string]string{"charset": "utf-8"})

	w, err := tw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", mediaType, err)
	}
	return w.Close()
}
