package cmd

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/overstory-ai/overstory/internal/style"
)

// renderMarkdown pretty-prints markdown for terminal reading. Raw
// markdown comes back on any failure or when colors are off, so piped
// output stays parseable.
func renderMarkdown(md string) string {
	if !style.ShouldUseColor() {
		return md
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(terminalWidth()),
	)
	if err != nil {
		return md
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

func terminalWidth() int {
	const (
		defaultWidth = 80
		maxWidth     = 100
	)
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return defaultWidth
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		return defaultWidth
	}
	if width > maxWidth {
		return maxWidth
	}
	return width
}
