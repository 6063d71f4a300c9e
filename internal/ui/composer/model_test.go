package composer

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/shineum/mailcompose/internal/compose"
	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/sendclient"
)

// fakeSender records requests and replies with result.
type fakeSender struct {
	mu     sync.Mutex
	reqs   []*email.SendRequest
	result *sendclient.Result
}

func (f *fakeSender) Send(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.result != nil {
		return f.result, nil
	}
	return &sendclient.Result{Data: []byte(`{"id":"m1"}`)}, nil
}

func (f *fakeSender) requests() []*email.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*email.SendRequest(nil), f.reqs...)
}

func newTestModel(t *testing.T, sender compose.Sender) Model {
	t.Helper()
	m := New(sender)
	t.Cleanup(m.Close)
	return m
}

func fillValid(m Model) {
	*m.fv = formValues{
		fromName: "Ann",
		to:       "bob@example.com",
		subject:  "Hello",
		body:     "Hi Bob,\nsee you soon.",
	}
}

// runSubmit submits the form and feeds the result back into the model.
func runSubmit(t *testing.T, m Model) Model {
	t.Helper()
	cmd := m.submit()
	if !m.submitting {
		t.Error("model should be submitting after submit()")
	}
	msg := cmd()
	if _, ok := msg.(submittedMsg); !ok {
		t.Fatalf("submit command returned %T, want submittedMsg", msg)
	}
	mdl, _ := m.Update(msg)
	return mdl.(Model)
}

func nextState(t *testing.T, m Model) compose.State {
	t.Helper()
	select {
	case s := <-m.states:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state transition")
		return 0
	}
}

func TestSubmit_Success(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newTestModel(t, sender)
	fillValid(m)

	m = runSubmit(t, m)

	reqs := sender.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests: got %d, want 1", len(reqs))
	}
	if got, want := reqs[0].HTML, "<p>Hi Bob,<br>see you soon.</p>"; got != want {
		t.Errorf("HTML: got %q, want %q", got, want)
	}
	if reqs[0].Attachments != nil {
		t.Errorf("Attachments: got %v, want nil", reqs[0].Attachments)
	}

	if m.notice != compose.NoticeSent || !m.noticeOK {
		t.Errorf("notice: got %q (ok=%v), want %q", m.notice, m.noticeOK, compose.NoticeSent)
	}
	if m.submitting {
		t.Error("submitting should be false after the result arrives")
	}
	if *m.fv != (formValues{}) {
		t.Errorf("form values should be cleared after success, got %+v", *m.fv)
	}
	if m.resetToken != 1 {
		t.Errorf("resetToken: got %d, want 1", m.resetToken)
	}

	if s := nextState(t, m); s != compose.StateSending {
		t.Errorf("first state: got %v, want sending", s)
	}
	if s := nextState(t, m); s != compose.StateSuccess {
		t.Errorf("second state: got %v, want success", s)
	}
}

func TestSubmit_ValidationErrorsKeepValues(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newTestModel(t, sender)
	m.fv.replyTo = "not an address"
	m.fv.body = "long enough body"

	m = runSubmit(t, m)

	if len(sender.requests()) != 0 {
		t.Error("nothing should be sent when fields are invalid")
	}
	if m.notice != "" {
		t.Errorf("notice: got %q, want none", m.notice)
	}
	for _, k := range []string{compose.FieldFromName, compose.FieldTo, compose.FieldReplyTo, compose.FieldSubject} {
		if _, ok := m.fieldErrs[k]; !ok {
			t.Errorf("fieldErrs: missing %q in %v", k, m.fieldErrs)
		}
	}
	if m.fv.replyTo != "not an address" {
		t.Errorf("replyTo: got %q, want the value kept", m.fv.replyTo)
	}

	view := m.View()
	for _, want := range []string{"From Name is required", "Reply-To: Invalid email"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestSubmit_BodyTooShort(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newTestModel(t, sender)
	fillValid(m)
	m.fv.body = "hi"

	m = runSubmit(t, m)

	if len(sender.requests()) != 0 {
		t.Error("nothing should be sent when the body is too short")
	}
	if m.notice != compose.NoticeBodyTooShort || m.noticeOK {
		t.Errorf("notice: got %q (ok=%v), want %q", m.notice, m.noticeOK, compose.NoticeBodyTooShort)
	}
}

func TestSubmit_FailureKeepsValues(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{result: &sendclient.Result{Failure: &sendclient.Failure{
		Kind:       sendclient.KindTimeout,
		StatusCode: 504,
		Message:    "Mail server timeout",
	}}}
	m := newTestModel(t, sender)
	fillValid(m)

	m = runSubmit(t, m)

	if m.notice != compose.NoticeFailed || m.noticeOK {
		t.Errorf("notice: got %q (ok=%v), want %q", m.notice, m.noticeOK, compose.NoticeFailed)
	}
	if m.fv.subject != "Hello" || m.fv.to != "bob@example.com" {
		t.Errorf("form values should be kept after failure, got %+v", *m.fv)
	}
	if m.resetToken != 0 {
		t.Errorf("resetToken: got %d, want 0", m.resetToken)
	}
}

func TestSubmit_Attachments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte{0, 1, 2}, 0644); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{result: &sendclient.Result{Failure: &sendclient.Failure{Kind: sendclient.KindUpstream, StatusCode: 502, Message: "Send failed"}}}
	m := newTestModel(t, sender)
	fillValid(m)
	m.fv.attachments = a + ", " + b

	// Submitting twice must not duplicate the session's attachment list.
	m = runSubmit(t, m)
	m = runSubmit(t, m)

	reqs := sender.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests: got %d, want 2", len(reqs))
	}
	atts := reqs[1].Attachments
	if len(atts) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(atts))
	}
	if atts[0].Filename != "a.txt" || atts[0].Content != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Errorf("first attachment: got %+v", atts[0])
	}
	if atts[1].Filename != "b.bin" {
		t.Errorf("second attachment: got %+v", atts[1])
	}
}

func TestUpdate_StateMessages(t *testing.T) {
	t.Parallel()

	m := newTestModel(t, &fakeSender{})
	m.notice = compose.NoticeSent

	mdl, cmd := m.Update(stateMsg{state: compose.StateSending})
	m = mdl.(Model)
	if cmd == nil {
		t.Error("sending should return a command")
	}
	if !strings.Contains(m.View(), "Sending...") {
		t.Error("View() should show the sending indicator")
	}

	mdl, _ = m.Update(stateMsg{state: compose.StateIdle})
	m = mdl.(Model)
	if m.notice != "" {
		t.Errorf("notice: got %q, want it cleared on idle", m.notice)
	}
	if strings.Contains(m.View(), "Sending...") {
		t.Error("View() should not show the sending indicator when idle")
	}
}

func TestUpdate_SpinnerOnlyTicksWhileSending(t *testing.T) {
	t.Parallel()

	m := newTestModel(t, &fakeSender{})

	if _, cmd := m.Update(spinner.TickMsg{}); cmd != nil {
		t.Error("idle model should drop spinner ticks")
	}
}

func TestUpdate_CtrlCQuits(t *testing.T) {
	t.Parallel()

	m := newTestModel(t, &fakeSender{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c should quit")
	}

	select {
	case <-m.done:
	default:
		t.Error("quitting should close the state listener")
	}
	if msg := m.waitForState()(); msg != nil {
		t.Errorf("waitForState after close: got %v, want nil", msg)
	}
}

func TestUpdate_IgnoresInputWhileSubmitting(t *testing.T) {
	t.Parallel()

	m := newTestModel(t, &fakeSender{})
	m.submitting = true

	mdl, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("no command expected while submitting")
	}
	if !mdl.(Model).submitting {
		t.Error("submitting flag should be kept")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	m := New(&fakeSender{})
	m.Close()
	m.Close()
}

func TestSubjectHint(t *testing.T) {
	t.Parallel()

	if got := subjectHint("Hello"); got != "5/150" {
		t.Errorf("subjectHint: got %q, want %q", got, "5/150")
	}
	if got := subjectHint(strings.Repeat("x", 151)); !strings.HasPrefix(got, "151/150 (over") {
		t.Errorf("subjectHint over limit: got %q", got)
	}
}

func TestSplitPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: " , ", want: nil},
		{in: "a.txt", want: []string{"a.txt"}},
		{in: " a.txt , /tmp/b.pdf,", want: []string{"a.txt", "/tmp/b.pdf"}},
	}

	for _, tt := range tests {
		got := splitPaths(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("splitPaths(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidatePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "ok.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := validatePaths(""); err != nil {
		t.Errorf("empty: unexpected error %v", err)
	}
	if err := validatePaths(file); err != nil {
		t.Errorf("existing file: unexpected error %v", err)
	}
	if err := validatePaths(file + "," + filepath.Join(dir, "missing.txt")); err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("missing file: got %v", err)
	}
	if err := validatePaths(dir); err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Errorf("directory: got %v", err)
	}
}

func TestHandleSubmitted_BusyHasNoNotice(t *testing.T) {
	t.Parallel()

	m := newTestModel(t, &fakeSender{})
	mdl, _ := m.handleSubmitted(compose.ErrBusy)
	got := mdl.(Model)
	if got.notice != "" {
		t.Errorf("notice: got %q, want none", got.notice)
	}
	if got.fieldErrs != nil {
		t.Errorf("fieldErrs: got %v, want nil", got.fieldErrs)
	}
	if errors.Is(compose.ErrBusy, compose.ErrSendFailed) {
		t.Error("ErrBusy must not be reported as a send failure")
	}
}
