// Package route implements the HTTP forwarding boundary between the composer
// and the upstream mail service.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/upstream"
)

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 15 * time.Second

// Response messages.
const (
	MsgMissingFields = "Missing required fields"
	MsgTimeout       = "Mail server timeout"
	MsgSendFailed    = "Send failed"
	MsgInternal      = "Internal API error"
)

// maxBodyBytes caps the inbound request body. Attachments travel inline as
// base64, so the cap is generous.
const maxBodyBytes = 32 << 20

var errUpstreamTimeout = errors.New("upstream did not respond before the deadline")

// SendHandler validates a send request, forwards it to the upstream exactly
// once and maps the outcome to a response.
type SendHandler struct {
	upstream upstream.Upstream
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSendHandler creates a SendHandler. A zero timeout means DefaultTimeout;
// a nil logger means slog.Default().
func NewSendHandler(up upstream.Upstream, timeout time.Duration, logger *slog.Logger) *SendHandler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendHandler{
		upstream: up,
		timeout:  timeout,
		logger:   logger,
	}
}

// response is a fully decided reply: either a JSON value or a raw body.
type response struct {
	status int
	value  any
	raw    []byte
}

// ServeHTTP handles one send request. Every failure that is not a
// validation error, a timeout or an upstream status becomes a 500 with a
// fixed message; the cause is only logged.
func (h *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	resp, err := h.handle(w, r)
	if err != nil {
		h.logger.Error("frontend send error",
			"error", err,
			"upstream", h.upstream.Name(),
			"request_id", chimw.GetReqID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	if resp.raw != nil {
		writeRaw(w, resp.status, resp.raw)
		return
	}
	writeJSON(w, resp.status, resp.value)
}

func (h *SendHandler) handle(w http.ResponseWriter, r *http.Request) (resp *response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	req, err := email.DecodeSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var vErr *email.ValidationError
		if errors.As(err, &vErr) {
			return &response{status: http.StatusBadRequest, value: errorBody{Error: MsgMissingFields}}, nil
		}
		return nil, err
	}

	reply, err := h.forward(r.Context(), req)
	if errors.Is(err, errUpstreamTimeout) {
		h.logger.Warn("upstream timeout",
			"upstream", h.upstream.Name(),
			"timeout", h.timeout,
		)
		return &response{status: http.StatusGatewayTimeout, value: errorBody{Error: MsgTimeout}}, nil
	}
	if err != nil {
		return nil, err
	}

	return mapReply(reply), nil
}

// forward makes exactly one upstream call bounded by the handler timeout.
// When the deadline fires first the call is abandoned and its result
// discarded.
func (h *SendHandler) forward(parent context.Context, req *email.SendRequest) (*upstream.Reply, error) {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	type result struct {
		reply *upstream.Reply
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("upstream panic: %v", p)}
			}
		}()
		reply, err := h.upstream.Forward(ctx, req)
		done <- result{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errUpstreamTimeout
			}
			return nil, fmt.Errorf("failed to forward to %s: %w", h.upstream.Name(), res.err)
		}
		if res.reply == nil {
			return nil, fmt.Errorf("upstream %s returned no reply", h.upstream.Name())
		}
		return res.reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errUpstreamTimeout
		}
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	}
}

// mapReply turns an upstream reply into the route's response. An
// unparsable body is treated as absent.
func mapReply(reply *upstream.Reply) *response {
	var body []byte
	if json.Valid(reply.Body) {
		body = reply.Body
	}

	if !reply.OK() {
		return &response{status: reply.StatusCode, value: errorBody{Error: upstreamMessage(body)}}
	}
	if body == nil {
		body = []byte("null")
	}
	return &response{status: http.StatusOK, raw: body}
}

// upstreamMessage extracts a non-empty string "error" field, falling back to
// MsgSendFailed.
func upstreamMessage(body []byte) string {
	if body == nil {
		return MsgSendFailed
	}
	var parsed struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return MsgSendFailed
	}
	if msg, ok := parsed.Error.(string); ok && msg != "" {
		return msg
	}
	return MsgSendFailed
}
