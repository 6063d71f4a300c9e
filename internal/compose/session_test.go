package compose

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mailcompose/internal/attachment"
	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/sendclient"
)

type memFile struct {
	name string
	data []byte
	err  error
}

func (m memFile) Name() string { return m.name }
func (m memFile) Type() string { return "text/plain" }
func (m memFile) Open() (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

// fakeSender returns results from sendFn and records every request.
type fakeSender struct {
	mu       sync.Mutex
	requests []*email.SendRequest
	sendFn   func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error)
}

func (f *fakeSender) Send(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &sendclient.Result{Data: []byte(`{"id":"m1"}`)}, nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func failing(kind sendclient.Kind, status int, msg string) *fakeSender {
	return &fakeSender{
		sendFn: func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
			return &sendclient.Result{Failure: &sendclient.Failure{Kind: kind, StatusCode: status, Message: msg}}, nil
		},
	}
}

// transitions records onChange calls.
type transitions struct {
	mu     sync.Mutex
	states []State
}

func (tr *transitions) record(s State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, s)
}

func (tr *transitions) snapshot() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]State, len(tr.states))
	copy(out, tr.states)
	return out
}

func newTestSession(sender Sender, delay time.Duration) (*Session, *transitions) {
	tr := &transitions{}
	s := NewSession(sender, tr.record)
	s.resetDelay = delay
	return s, tr
}

func fill(s *Session) {
	s.SetFields(Fields{
		FromName: " Ann ",
		To:       "bob@example.com",
		ReplyTo:  "reply@example.com",
		Cc:       "cc@example.com",
		Bcc:      "bcc@example.com",
		Subject:  "Quarterly numbers",
	})
	s.SetBody("<p>Please see attached.</p>")
	s.AddAttachments(memFile{name: "a.txt", data: []byte("alpha")}, memFile{name: "b.txt", data: []byte("beta")})
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %v, want %v", s.State(), want)
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("transitions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions: got %v, want %v", got, want)
		}
	}
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, tr := newTestSession(sender, 20*time.Millisecond)
	defer s.Close()
	fill(s)

	if err := s.Submit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if NoticeFor(nil) != NoticeSent {
		t.Errorf("notice: got %q, want %q", NoticeFor(nil), NoticeSent)
	}
	if s.State() != StateSuccess {
		t.Errorf("state: got %v, want success", s.State())
	}
	if sender.calls() != 1 {
		t.Fatalf("sender calls: got %d, want 1", sender.calls())
	}

	req := sender.requests[0]
	if req.FromName != "Ann" || req.Subject != "Quarterly numbers" || req.HTML != "<p>Please see attached.</p>" {
		t.Errorf("request: got %+v", req)
	}
	if len(req.Attachments) != 2 || req.Attachments[0].Filename != "a.txt" || req.Attachments[1].Filename != "b.txt" {
		t.Fatalf("attachments: got %+v", req.Attachments)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(req.Attachments[1].Content); string(decoded) != "beta" {
		t.Errorf("attachment content: got %q, want %q", decoded, "beta")
	}

	waitForState(t, s, StateIdle)
	assertStates(t, tr.snapshot(), StateSending, StateSuccess, StateIdle)
}

func TestSubmit_SuccessResetsToInitialState(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(&fakeSender{}, time.Hour)
	defer s.Close()

	initialFields, initialBody, initialFiles := s.Fields(), s.Body(), s.Attachments()

	for i := 0; i < 2; i++ {
		fill(s)
		if i == 1 {
			s.AddAttachments(memFile{name: "c.txt", data: []byte("gamma")})
		}
		if err := s.Submit(context.Background()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}

		if s.Fields() != initialFields {
			t.Errorf("submit %d: fields got %+v, want %+v", i, s.Fields(), initialFields)
		}
		if s.Body() != initialBody {
			t.Errorf("submit %d: body got %q, want empty", i, s.Body())
		}
		if len(s.Attachments()) != len(initialFiles) {
			t.Errorf("submit %d: attachments got %d, want 0", i, len(s.Attachments()))
		}
		if s.ResetToken() != i+1 {
			t.Errorf("submit %d: reset token got %d, want %d", i, s.ResetToken(), i+1)
		}
	}
}

func TestSubmit_ValidationErrorsKeepState(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, tr := newTestSession(sender, time.Hour)
	defer s.Close()
	s.SetFields(Fields{To: "bob@example.com", ReplyTo: "nope"})
	s.SetBody("<p>long enough</p>")

	err := s.Submit(context.Background())

	var fieldErrs ValidationErrors
	if !errors.As(err, &fieldErrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if fieldErrs[FieldFromName] == "" || fieldErrs[FieldSubject] == "" || fieldErrs[FieldReplyTo] == "" {
		t.Errorf("field errors: got %v", fieldErrs)
	}
	if NoticeFor(err) != "" {
		t.Errorf("field errors have no global notice, got %q", NoticeFor(err))
	}
	if s.State() != StateIdle || len(tr.snapshot()) != 0 {
		t.Errorf("state should not change: state %v, transitions %v", s.State(), tr.snapshot())
	}
	if sender.calls() != 0 {
		t.Errorf("sender calls: got %d, want 0", sender.calls())
	}
}

func TestSubmit_BodyTooShort(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, tr := newTestSession(sender, time.Hour)
	defer s.Close()
	s.SetFields(validFields())
	s.SetBody("  hi  ")

	err := s.Submit(context.Background())
	if !errors.Is(err, ErrBodyTooShort) {
		t.Fatalf("expected ErrBodyTooShort, got %v", err)
	}
	if NoticeFor(err) != NoticeBodyTooShort {
		t.Errorf("notice: got %q, want %q", NoticeFor(err), NoticeBodyTooShort)
	}
	if s.State() != StateIdle || len(tr.snapshot()) != 0 {
		t.Errorf("state should not move to sending: state %v, transitions %v", s.State(), tr.snapshot())
	}
	if sender.calls() != 0 {
		t.Errorf("sender calls: got %d, want 0", sender.calls())
	}
}

func TestSubmit_FailureKeepsValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sender *fakeSender
	}{
		{name: "upstream failure", sender: failing(sendclient.KindUpstream, 422, "bad address")},
		{name: "timeout", sender: failing(sendclient.KindTimeout, 504, "Mail server timeout")},
		{name: "transport failure", sender: failing(sendclient.KindTransport, 0, sendclient.GenericFailure)},
		{
			name: "unexpected error",
			sender: &fakeSender{sendFn: func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
				return nil, errors.New("failed to marshal request")
			}},
		},
		{
			name: "nil result",
			sender: &fakeSender{sendFn: func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
				return nil, nil
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, tr := newTestSession(tt.sender, 20*time.Millisecond)
			defer s.Close()
			fill(s)
			before, body, files := s.Fields(), s.Body(), s.Attachments()

			err := s.Submit(context.Background())
			if !errors.Is(err, ErrSendFailed) {
				t.Fatalf("expected ErrSendFailed, got %v", err)
			}
			if NoticeFor(err) != NoticeFailed {
				t.Errorf("notice: got %q, want %q", NoticeFor(err), NoticeFailed)
			}
			if s.State() != StateError {
				t.Errorf("state: got %v, want error", s.State())
			}
			if s.Fields() != before || s.Body() != body || len(s.Attachments()) != len(files) {
				t.Error("values must be kept after a failed send")
			}
			if s.ResetToken() != 0 {
				t.Errorf("reset token: got %d, want 0", s.ResetToken())
			}
			if tt.sender.calls() != 1 {
				t.Errorf("sender calls: got %d, want 1", tt.sender.calls())
			}

			waitForState(t, s, StateIdle)
			assertStates(t, tr.snapshot(), StateSending, StateError, StateIdle)
		})
	}
}

func TestSubmit_AttachmentReadFailureSendsNothing(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, _ := newTestSession(sender, time.Hour)
	defer s.Close()
	fill(s)
	s.AddAttachments(memFile{name: "broken.bin", err: errors.New("permission denied")})

	err := s.Submit(context.Background())
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, attachment.ErrRead) {
		t.Fatalf("expected ErrSendFailed wrapping ErrRead, got %v", err)
	}
	if sender.calls() != 0 {
		t.Errorf("sender calls: got %d, want 0", sender.calls())
	}
	if s.State() != StateError {
		t.Errorf("state: got %v, want error", s.State())
	}
	if len(s.Attachments()) != 3 {
		t.Errorf("attachments should be kept, got %d", len(s.Attachments()))
	}
}

func TestSubmit_BusyWhileSending(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
			close(entered)
			<-release
			return &sendclient.Result{Data: []byte(`{}`)}, nil
		},
	}
	s, _ := newTestSession(sender, time.Hour)
	defer s.Close()
	fill(s)

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background()) }()
	<-entered

	if s.State() != StateSending {
		t.Errorf("state: got %v, want sending", s.State())
	}
	if err := s.Submit(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second submit: got %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if sender.calls() != 1 {
		t.Errorf("sender calls: got %d, want 1", sender.calls())
	}
}

func TestSubmit_NewSubmissionCancelsPendingReset(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	entered := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{
		sendFn: func(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				return &sendclient.Result{Failure: &sendclient.Failure{Kind: sendclient.KindUpstream, StatusCode: 500, Message: "x"}}, nil
			}
			close(entered)
			<-release
			return &sendclient.Result{Data: []byte(`{}`)}, nil
		},
	}
	s, _ := newTestSession(sender, 30*time.Millisecond)
	defer s.Close()
	fill(s)

	if err := s.Submit(context.Background()); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("first submit: got %v, want ErrSendFailed", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background()) }()
	<-entered

	// Well past the first reset delay.
	time.Sleep(90 * time.Millisecond)
	if s.State() != StateSending {
		t.Errorf("state: got %v, want sending; the earlier reset must not fire", s.State())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("second submit: %v", err)
	}
	waitForState(t, s, StateIdle)
}

func TestClose_CancelsPendingReset(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(&fakeSender{}, 20*time.Millisecond)
	fill(s)

	if err := s.Submit(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Close()

	time.Sleep(60 * time.Millisecond)
	if s.State() != StateSuccess {
		t.Errorf("state: got %v, want success after Close", s.State())
	}
}

func TestAttachmentList(t *testing.T) {
	t.Parallel()

	s := NewSession(&fakeSender{}, nil)
	a := memFile{name: "a"}
	b := memFile{name: "b"}
	c := memFile{name: "c"}

	s.AddAttachments(a, b)
	s.AddAttachments(c, a)

	names := func() []string {
		var out []string
		for _, f := range s.Attachments() {
			out = append(out, f.Name())
		}
		return out
	}
	assertNames := func(want ...string) {
		t.Helper()
		got := names()
		if len(got) != len(want) {
			t.Fatalf("attachments: got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("attachments: got %v, want %v", got, want)
			}
		}
	}

	assertNames("a", "b", "c", "a")

	if err := s.RemoveAttachment(1); err != nil {
		t.Fatalf("RemoveAttachment(1): %v", err)
	}
	assertNames("a", "c", "a")

	if err := s.RemoveAttachment(3); err == nil {
		t.Error("expected error for out-of-range index")
	}
	if err := s.RemoveAttachment(-1); err == nil {
		t.Error("expected error for negative index")
	}

	snapshot := s.Attachments()
	snapshot[0] = memFile{name: "mutated"}
	assertNames("a", "c", "a")
}

func TestClearAttachments(t *testing.T) {
	t.Parallel()

	s := NewSession(&fakeSender{}, nil)
	s.ClearAttachments()
	if got := len(s.Attachments()); got != 0 {
		t.Fatalf("attachments after clearing empty list: got %d, want 0", got)
	}

	s.AddAttachments(memFile{name: "a"}, memFile{name: "b"})
	s.ClearAttachments()
	if got := len(s.Attachments()); got != 0 {
		t.Fatalf("attachments after clear: got %d, want 0", got)
	}

	s.AddAttachments(memFile{name: "c"})
	got := s.Attachments()
	if len(got) != 1 || got[0].Name() != "c" {
		t.Errorf("attachments after re-add: got %v, want [c]", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateSending, "sending"},
		{StateSuccess, "success"},
		{StateError, "error"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(): got %q, want %q", got, tt.want)
		}
	}
}
