package graph

import (
	"github.com/shineum/mailcompose/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	From          *recipient        `json:"from,omitempty"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient       `json:"replyTo,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// graphAttachment represents a file attachment in a Graph API request.
// ContentBytes is base64, the same encoding the send request carries.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	list := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		list = append(list, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return list
}

// buildSendMailRequest converts a send request into a Graph API sendMail body.
// The HTML body wins when both are present.
func buildSendMailRequest(sender string, req *email.SendRequest) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     req.Text,
	}
	if req.HTML != "" {
		body.ContentType = "html"
		body.Content = req.HTML
	}

	msg := sendMailMessage{
		Subject:       req.Subject,
		Body:          body,
		From:          &recipient{EmailAddress: emailAddress{Name: req.FromName, Address: sender}},
		ToRecipients:  recipients(req.Recipients()),
		CcRecipients:  recipients(req.CcList()),
		BccRecipients: recipients(req.BccList()),
	}
	if msg.ToRecipients == nil {
		msg.ToRecipients = []recipient{}
	}
	if req.ReplyTo != "" {
		msg.ReplyTo = recipients([]string{req.ReplyTo})
	}

	for _, att := range req.Attachments {
		msg.Attachments = append(msg.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: att.Content,
		})
	}

	return &sendMailRequest{Message: msg, SaveToSentItems: true}
}
