package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shineum/mailcompose/internal/attachment"
	"github.com/shineum/mailcompose/internal/email"
	"github.com/shineum/mailcompose/internal/sendclient"
)

// ResetDelay is how long the session stays in Success or Error before
// returning to Idle.
const ResetDelay = 1500 * time.Millisecond

// Notices shown to the user.
const (
	NoticeSent         = "Email sent"
	NoticeFailed       = "Send failed"
	NoticeBodyTooShort = "Email body is too short"
)

var (
	// ErrBodyTooShort is returned by Submit when the body is shorter than
	// MinBodyLength after trimming. The state is left unchanged.
	ErrBodyTooShort = errors.New("email body is too short")
	// ErrBusy is returned by Submit while a send is in flight.
	ErrBusy = errors.New("a send is already in progress")
	// ErrSendFailed wraps every failure after the session entered Sending.
	ErrSendFailed = errors.New("send failed")
)

// State is the send status of a session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender delivers an assembled request. *sendclient.Client implements it.
type Sender interface {
	Send(ctx context.Context, req *email.SendRequest) (*sendclient.Result, error)
}

type encodeFunc func(ctx context.Context, files []attachment.File) ([]email.Attachment, error)

// Session owns the form values, the pending attachments and the send state
// of one composer. It is safe for concurrent use.
type Session struct {
	sender     Sender
	encode     encodeFunc
	resetDelay time.Duration
	onChange   func(State)

	mu         sync.Mutex
	fields     Fields
	body       string
	files      []attachment.File
	state      State
	resetToken int
	timer      *time.Timer
	timerGen   uint64
}

// NewSession creates an idle session. onChange, when non-nil, is called
// after every state transition, including the delayed return to Idle. It
// runs outside the session lock.
func NewSession(sender Sender, onChange func(State)) *Session {
	return &Session{
		sender:     sender,
		encode:     attachment.EncodeAll,
		resetDelay: ResetDelay,
		onChange:   onChange,
	}
}

// State returns the current send state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fields returns the current form values.
func (s *Session) Fields() Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields
}

// SetFields replaces the form values.
func (s *Session) SetFields(f Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = f
}

// Body returns the HTML body.
func (s *Session) Body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body
}

// SetBody replaces the HTML body.
func (s *Session) SetBody(html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = html
}

// ResetToken increases by one after every successful send. Editors compare
// it with the last value they saw to know when to clear themselves.
func (s *Session) ResetToken() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetToken
}

// Attachments returns a copy of the pending attachment list.
func (s *Session) Attachments() []attachment.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]attachment.File, len(s.files))
	copy(out, s.files)
	return out
}

// AddAttachments appends files in order. The same file may be added twice.
func (s *Session) AddAttachments(files ...attachment.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, files...)
}

// RemoveAttachment removes the file at index i, keeping the order of the rest.
func (s *Session) RemoveAttachment(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.files) {
		return fmt.Errorf("attachment index %d out of range [0,%d)", i, len(s.files))
	}
	s.files = append(s.files[:i:i], s.files[i+1:]...)
	return nil
}

// ClearAttachments removes every file.
func (s *Session) ClearAttachments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = nil
}

// Submit validates the form and, when valid, sends it. Field problems are
// returned as ValidationErrors and a short body as ErrBodyTooShort; neither
// changes the state. Otherwise the session moves to Sending, encodes the
// attachments, sends the request and settles in Success or Error. Both
// settle states return to Idle after the reset delay.
//
// On success all values are cleared. On failure they are kept and the
// returned error wraps ErrSendFailed.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateSending {
		s.mu.Unlock()
		return ErrBusy
	}
	if errs := s.fields.Validate(); errs != nil {
		s.mu.Unlock()
		return errs
	}
	if !BodyLongEnough(s.body) {
		s.mu.Unlock()
		return ErrBodyTooShort
	}

	s.cancelResetLocked()
	s.state = StateSending
	fields, body := s.fields, s.body
	files := make([]attachment.File, len(s.files))
	copy(files, s.files)
	s.mu.Unlock()
	s.notify(StateSending)

	if err := s.send(ctx, fields, body, files); err != nil {
		s.settle(StateError, false)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	s.settle(StateSuccess, true)
	return nil
}

func (s *Session) send(ctx context.Context, fields Fields, body string, files []attachment.File) error {
	attachments, err := s.encode(ctx, files)
	if err != nil {
		return err
	}

	res, err := s.sender.Send(ctx, BuildRequest(fields, body, attachments))
	if err != nil {
		return err
	}
	if res == nil {
		return errors.New("sender returned no result")
	}
	if f := res.Failure; f != nil {
		return fmt.Errorf("%s failure (status %d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return nil
}

// settle moves to a terminal state and arms the return to Idle.
func (s *Session) settle(state State, clear bool) {
	s.mu.Lock()
	if clear {
		s.fields = Fields{}
		s.body = ""
		s.files = nil
		s.resetToken++
	}
	s.state = state
	s.scheduleResetLocked()
	s.mu.Unlock()
	s.notify(state)
}

func (s *Session) scheduleResetLocked() {
	s.cancelResetLocked()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.resetDelay, func() {
		s.mu.Lock()
		if s.timerGen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.state = StateIdle
		s.mu.Unlock()
		s.notify(StateIdle)
	})
}

// cancelResetLocked disarms a pending return to Idle. Bumping the
// generation also neutralizes a timer that already fired but has not yet
// taken the lock.
func (s *Session) cancelResetLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// Close cancels a pending return to Idle.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelResetLocked()
}

func (s *Session) notify(state State) {
	if s.onChange != nil {
		s.onChange(state)
	}
}

// NoticeFor maps a Submit result to the message shown to the user. Field
// validation errors have no global notice and map to "".
func NoticeFor(err error) string {
	var fieldErrs ValidationErrors
	switch {
	case err == nil:
		return NoticeSent
	case errors.As(err, &fieldErrs):
		return ""
	case errors.Is(err, ErrBodyTooShort):
		return NoticeBodyTooShort
	case errors.Is(err, ErrBusy):
		return ""
	default:
		return NoticeFailed
	}
}
