package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"

	"github.com/ashureev/difyrelay/internal/chat"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// markdownRenderer renders finished answers. A nil renderer prints raw text.
type markdownRenderer struct {
	r *glamour.TermRenderer
}

func newMarkdownRenderer(width int) (*markdownRenderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return &markdownRenderer{r: r}, nil
}

// Render returns text as styled terminal output, or text unchanged if
// rendering fails.
func (m *markdownRenderer) Render(text string) string {
	if m == nil {
		return text
	}
	out, err := m.r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// syncWriter serializes writes from the prompt loop and session callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// deltaPrinter writes the growth of the newest assistant message as the
// session reports changes.
type deltaPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	msgID   string
	printed int
}

func (p *deltaPrinter) Update(s chat.Snapshot) {
	last := s.Last()
	if last == nil || last.Role != chat.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last.ID != p.msgID {
		p.msgID = last.ID
		p.printed = 0
	}
	if len(last.Content) > p.printed {
		fmt.Fprint(p.w, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}
