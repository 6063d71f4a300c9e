// Package upstream defines the interface for mail services the forwarding
// route relays send requests to.
package upstream

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shineum/mailcompose/internal/email"
)

// Upstream is the interface that mail-sending backends must implement.
// Each backend makes exactly one attempt per Forward call.
type Upstream interface {
	// Forward delivers req to the mail service. A non-nil error means no
	// response was obtained (transport failure or cancelled context). A
	// service-level rejection is reported through Reply.StatusCode.
	Forward(ctx context.Context, req *email.SendRequest) (*Reply, error)

	// Name returns the human-readable name of this backend.
	Name() string
}

// Reply is the upstream response: a status code and a raw body that may or
// may not be valid JSON.
type Reply struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Accepted builds a 200 reply carrying {"id": id}, used by SDK backends
// that return a message ID instead of a raw HTTP body.
func Accepted(id string) *Reply {
	body, _ := json.Marshal(map[string]string{"id": id})
	return &Reply{StatusCode: http.StatusOK, Body: body}
}

// Rejected builds a reply carrying {"error": message} with the given status.
func Rejected(status int, message string) *Reply {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &Reply{StatusCode: status, Body: body}
}
