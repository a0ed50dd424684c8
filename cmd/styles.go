package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	keyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#54A0FF"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF8787"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#696969"))
)

// printer serializes styled lines written from subscriber callbacks.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, now: time.Now}
}

func (p *printer) value(key, value string) {
	p.line(keyStyle.Render(key) + " " + valueStyle.Render(value))
}

func (p *printer) err(key string, err error) {
	p.line(keyStyle.Render(key) + " " + errorStyle.Render("error: "+err.Error()))
}

func (p *printer) done(key string) {
	p.line(keyStyle.Render(key) + " " + mutedStyle.Render("completed"))
}

func (p *printer) muted(msg string) {
	p.line(mutedStyle.Render(msg))
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s %s\n", mutedStyle.Render(p.now().Format("15:04:05")), s)
}
