package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/governor"
	"github.com/MrWong99/parley/internal/negotiate"
)

var _ app.Display = (*terminalDisplay)(nil)

// terminalDisplay renders the conversation on a line-oriented terminal. The
// live line is redrawn in place with a carriage return and starts with the
// usage clock; finalized turns and notices are printed on their own lines
// above it.
type terminalDisplay struct {
	mu      sync.Mutex
	w       io.Writer
	liveLen int

	clock     string // usage prefix, empty until the first tick
	live      string
	liveStyle lipgloss.Style

	styled bool
	you    lipgloss.Style
	tutor  lipgloss.Style
	muted  lipgloss.Style
	alert  lipgloss.Style
}

// newTerminalDisplay writes to w. Colours are only used when styled is set,
// which main does for an interactive terminal.
func newTerminalDisplay(w io.Writer, styled bool) *terminalDisplay {
	return &terminalDisplay{
		w:      w,
		styled: styled,
		you:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		tutor:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		muted:  lipgloss.NewStyle().Faint(true),
		alert:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

func (d *terminalDisplay) paint(st lipgloss.Style, s string) string {
	if !d.styled {
		return s
	}
	return st.Render(s)
}

// Banner prints the session header.
func (d *terminalDisplay) Banner(topic *negotiate.Topic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.w, d.paint(d.muted, "parley: speak when ready, Ctrl+C to end the conversation"))
	if topic != nil {
		fmt.Fprintf(d.w, "topic: %s\n", d.paint(d.tutor, topic.Title))
		if topic.Description != "" {
			fmt.Fprintf(d.w, "       %s\n", topic.Description)
		}
	}
	fmt.Fprintln(d.w)
}

// ShowLive implements [conversation.Display].
func (d *terminalDisplay) ShowLive(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.redraw(text, lipgloss.NewStyle())
}

// ShowStatus implements [conversation.Display].
func (d *terminalDisplay) ShowStatus(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.muted
	if text == conversation.StatusError {
		st = d.alert
	}
	d.redraw(text, st)
}

// AppendTurn implements [conversation.Display].
func (d *terminalDisplay) AppendTurn(t conversation.Turn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLive()
	label := d.paint(d.you, "You")
	if t.Role == conversation.RoleAssistant {
		label = d.paint(d.tutor, "Tutor")
	}
	fmt.Fprintf(d.w, "%s %s: %s\n", d.paint(d.muted, "["+t.Timestamp.Format("15:04:05")+"]"), label, t.Text)
}

// ShowUsage implements [app.Display].
func (d *terminalDisplay) ShowUsage(s governor.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = usageClock(s)
	d.redraw(d.live, d.liveStyle)
}

// Notify implements [app.Display].
func (d *terminalDisplay) Notify(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLive()
	fmt.Fprintln(d.w, d.paint(d.alert, text))
}

// Failure prints a user-facing reason for a session that could not start or
// ended abnormally.
func (d *terminalDisplay) Failure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLive()
	fmt.Fprintln(d.w, d.paint(d.alert, failureMessage(err)))
}

// redraw replaces the live line. Padding is computed on the unstyled text.
func (d *terminalDisplay) redraw(text string, st lipgloss.Style) {
	// Only the last line of a multi-line response fits the live slot.
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	d.live, d.liveStyle = text, st

	line, width := d.paint(st, text), len(text)
	if d.clock != "" {
		line = d.paint(d.muted, d.clock) + " " + line
		width += len(d.clock) + 1
	}
	pad := ""
	if n := d.liveLen - width; n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(d.w, "\r%s%s", line, pad)
	d.liveLen = width
}

func (d *terminalDisplay) clearLive() {
	d.live = ""
	if d.liveLen == 0 {
		return
	}
	fmt.Fprintf(d.w, "\r%s\r", strings.Repeat(" ", d.liveLen))
	d.liveLen = 0
}

// usageClock renders elapsed time and, for metered accounts, what is left.
func usageClock(s governor.State) string {
	clock := fmt.Sprintf("[%02d:%02d", s.ElapsedSeconds/60, s.ElapsedSeconds%60)
	if s.IsAdmin || s.QuotaRemainingMinutes == governor.Unlimited {
		return clock + "]"
	}
	return fmt.Sprintf("%s, %d min left]", clock, s.QuotaRemainingMinutes)
}

// failureMessage maps start and session errors onto the wording shown to the
// learner.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, app.ErrConnectionLost):
		return app.NoticeConnectionLost
	case errors.Is(err, governor.ErrLimitReached):
		return "You have used all of your practice minutes. Upgrade your plan to keep talking."
	case errors.Is(err, capture.ErrAcquire):
		return "Microphone access was denied. Check your input device and try again."
	case errors.Is(err, negotiate.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "The session could not be set up in time. Please try again."
	case errors.Is(err, app.ErrAlreadyActive):
		return "A conversation is already running."
	default:
		return "Could not start the conversation: " + err.Error()
	}
}
