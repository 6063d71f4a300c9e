package email

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	errNullBody     = errors.New("request body is null")
	errTrailingData = errors.New("unexpected data after JSON body")
)

// ValidationError reports a request that is well-formed JSON but lacks a
// required field.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %v", e.Missing)
}

// DecodeSendRequest reads a JSON send request and validates it in one step.
// It returns a *ValidationError when to, subject or fromName is empty, or
// when neither text nor html is present. Any other error means the body
// could not be decoded at all, including a null body or data after the
// JSON value.
func DecodeSendRequest(r io.Reader) (*SendRequest, error) {
	dec := json.NewDecoder(r)

	var req *SendRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode send request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("failed to decode send request: %w", errNullBody)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to decode send request: %w", errTrailingData)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the required fields of a request.
func (r *SendRequest) Validate() error {
	var missing []string
	if r.To == "" {
		missing = append(missing, "to")
	}
	if r.Subject == "" {
		missing = append(missing, "subject")
	}
	if r.Text == "" && r.HTML == "" {
		missing = append(missing, "text|html")
	}
	if r.FromName == "" {
		missing = append(missing, "fromName")
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}
