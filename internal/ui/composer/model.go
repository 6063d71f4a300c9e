// Package composer is the terminal compose form. It collects the message in a
// huh form, hands it to a compose.Session and shows the send state.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/shineum/mailcompose/internal/attachment"
	"github.com/shineum/mailcompose/internal/compose"
)

// stateMsg carries a session state transition into the update loop.
type stateMsg struct {
	state compose.State
}

// submittedMsg carries the result of Session.Submit.
type submittedMsg struct {
	err error
}

var fieldLabels = map[string]string{
	compose.FieldFromName: "From Name",
	compose.FieldTo:       "To",
	compose.FieldReplyTo:  "Reply-To",
	compose.FieldSubject:  "Subject",
}

// formValues holds form field values on the heap so that huh's Value()
// pointers remain valid across Bubble Tea model copies.
type formValues struct {
	fromName    string
	to          string
	replyTo     string
	cc          string
	bcc         string
	subject     string
	body        string
	attachments string
}

// Model is the Bubble Tea model for the compose screen.
type Model struct {
	session   *compose.Session
	states    chan compose.State
	done      chan struct{}
	closeOnce *sync.Once

	fv         *formValues
	form       *huh.Form
	spinner    spinner.Model
	state      compose.State
	submitting bool
	resetToken int

	notice    string
	noticeOK  bool
	fieldErrs compose.ValidationErrors

	width, height int
}

// New creates a compose screen that sends through sender.
func New(sender compose.Sender) Model {
	states := make(chan compose.State, 4)
	done := make(chan struct{})

	session := compose.NewSession(sender, func(s compose.State) {
		select {
		case states <- s:
		case <-done:
		}
	})

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		session:   session,
		states:    states,
		done:      done,
		closeOnce: &sync.Once{},
		fv:        &formValues{},
		spinner:   sp,
	}
	m.form = m.buildForm()
	return m
}

// Init starts the form and the session state listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.form.Init(), m.waitForState())
}

// Close stops the session and the state listener. It is safe to call more
// than once.
func (m Model) Close() {
	m.session.Close()
	m.closeOnce.Do(func() { close(m.done) })
}

// Update handles messages for the compose screen.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.form = m.form.WithWidth(m.formWidth())

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.Close()
			return m, tea.Quit
		}

	case stateMsg:
		m.state = msg.state
		cmds := []tea.Cmd{m.waitForState()}
		switch msg.state {
		case compose.StateSending:
			cmds = append(cmds, m.spinner.Tick)
		case compose.StateIdle:
			m.notice = ""
		}
		return m, tea.Batch(cmds...)

	case submittedMsg:
		return m.handleSubmitted(msg.err)

	case spinner.TickMsg:
		if m.state == compose.StateSending {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	if m.submitting {
		return m, nil
	}

	mdl, cmd := m.form.Update(msg)
	if f, ok := mdl.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		return m, m.submit()
	case huh.StateAborted:
		m.Close()
		return m, tea.Quit
	}

	return m, cmd
}

// View renders the compose screen.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("New Email"))
	b.WriteString("\n")

	if m.state == compose.StateSending {
		b.WriteString(m.spinner.View() + " Sending...")
	} else {
		b.WriteString(m.form.View())
	}

	if len(m.fieldErrs) > 0 {
		keys := make([]string, 0, len(m.fieldErrs))
		for k := range m.fieldErrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(fieldErrStyle.Render(fmt.Sprintf("%s: %s", fieldLabels[k], m.fieldErrs[k])))
		}
	}

	if m.notice != "" {
		style := errorStyle
		if m.noticeOK {
			style = successStyle
		}
		b.WriteString("\n\n")
		b.WriteString(style.Render(m.notice))
	}

	b.WriteString("\n\n")
	b.WriteString(hintStyle.Render("enter: next field / send  shift+tab: back  ctrl+c: quit"))

	return panelStyle.Render(b.String())
}

func (m Model) waitForState() tea.Cmd {
	states, done := m.states, m.done
	return func() tea.Msg {
		select {
		case s := <-states:
			return stateMsg{state: s}
		case <-done:
			return nil
		}
	}
}

// submit copies the form into the session and returns the command that
// sends it.
func (m *Model) submit() tea.Cmd {
	m.submitting = true
	m.notice = ""
	m.fieldErrs = nil

	fv := *m.fv
	m.session.SetFields(compose.Fields{
		FromName: fv.fromName,
		To:       fv.to,
		ReplyTo:  fv.replyTo,
		Cc:       fv.cc,
		Bcc:      fv.bcc,
		Subject:  fv.subject,
	})
	m.session.SetBody(compose.PlainToHTML(fv.body))

	m.session.ClearAttachments()
	for _, p := range splitPaths(fv.attachments) {
		m.session.AddAttachments(attachment.NewLocalFile(p))
	}

	session := m.session
	return func() tea.Msg {
		return submittedMsg{err: session.Submit(context.Background())}
	}
}

func (m Model) handleSubmitted(err error) (tea.Model, tea.Cmd) {
	m.submitting = false
	m.notice = compose.NoticeFor(err)
	m.noticeOK = err == nil

	var fieldErrs compose.ValidationErrors
	if errors.As(err, &fieldErrs) {
		m.fieldErrs = fieldErrs
	}

	switch {
	case err == nil:
		slog.Info("email sent")
	case errors.Is(err, compose.ErrSendFailed):
		slog.Warn("send failed", "error", err)
	default:
		slog.Debug("submit rejected", "error", err)
	}

	// A new reset token means the session cleared its values.
	if tok := m.session.ResetToken(); tok != m.resetToken {
		m.resetToken = tok
		*m.fv = formValues{}
	}

	m.form = m.buildForm()
	return m, m.form.Init()
}

func (m Model) buildForm() *huh.Form {
	fv := m.fv
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("From Name").
				Value(&fv.fromName),
			huh.NewInput().
				Title("To").
				Placeholder("a@example.com, b@example.com").
				Value(&fv.to),
			huh.NewInput().
				Title("Reply-To").
				Placeholder("optional").
				Value(&fv.replyTo),
			huh.NewInput().
				Title("Cc").
				Placeholder("optional").
				Value(&fv.cc),
			huh.NewInput().
				Title("Bcc").
				Placeholder("optional").
				Value(&fv.bcc),
			huh.NewInput().
				Title("Subject").
				DescriptionFunc(func() string { return subjectHint(fv.subject) }, &fv.subject).
				Value(&fv.subject),
			huh.NewText().
				Title("Body").
				Lines(8).
				Value(&fv.body),
			huh.NewInput().
				Title("Attachments").
				Placeholder("comma-separated file paths (optional)").
				Value(&fv.attachments).
				Validate(validatePaths),
		),
	).WithWidth(m.formWidth())
}

func (m Model) formWidth() int {
	w := m.width - 8
	if w < 40 {
		w = 40
	}
	if w > 100 {
		w = 100
	}
	return w
}

func subjectHint(subject string) string {
	c := compose.SubjectCounter(subject)
	if c.Over() {
		return c.String() + " (over the recommended length)"
	}
	return c.String()
}

// splitPaths splits a comma-separated path list, dropping blanks.
func splitPaths(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func validatePaths(s string) error {
	for _, p := range splitPaths(s) {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("file not found: %s", p)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
	}
	return nil
}
