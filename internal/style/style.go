// Package style provides consistent terminal styling for overstory CLI
// output using Lipgloss. Colors are adaptive to light and dark
// backgrounds and are disabled entirely when stdout is not a terminal
// or the NO_COLOR convention asks for plain text.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.TrueColor)
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Semantic color palette, adaptive to terminal background.
var (
	colorPass = lipgloss.AdaptiveColor{Light: "#2da44e", Dark: "#57d9a3"}
	colorWarn = lipgloss.AdaptiveColor{Light: "#bf8700", Dark: "#f2cc60"}
	colorFail = lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#ff7b72"}
	colorInfo = lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#79c0ff"}
	colorMute = lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#768390"}
)

var (
	// Success style for positive outcomes.
	Success = lipgloss.NewStyle().Foreground(colorPass).Bold(true)

	// Warning style for cautionary messages.
	Warning = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)

	// Error style for failures.
	Error = lipgloss.NewStyle().Foreground(colorFail).Bold(true)

	// Info style for informational messages.
	Info = lipgloss.NewStyle().Foreground(colorInfo)

	// Dim style for secondary information.
	Dim = lipgloss.NewStyle().Foreground(colorMute)

	// Bold style for emphasis.
	Bold = lipgloss.NewStyle().Bold(true)

	// Green, Yellow, Red and Cyan are unbolded accents for inline values.
	Green  = lipgloss.NewStyle().Foreground(colorPass)
	Yellow = lipgloss.NewStyle().Foreground(colorWarn)
	Red    = lipgloss.NewStyle().Foreground(colorFail)
	Cyan   = lipgloss.NewStyle().Foreground(colorInfo)

	// SuccessPrefix is the checkmark prefix for success messages.
	SuccessPrefix = Success.Render("✓")

	// WarningPrefix is the warning prefix.
	WarningPrefix = Warning.Render("⚠")

	// ErrorPrefix is the error prefix.
	ErrorPrefix = Error.Render("✗")

	// ArrowPrefix for action indicators.
	ArrowPrefix = Info.Render("→")
)

// stateStyles maps session lifecycle states to their display style.
// Unknown states render dimmed.
var stateStyles = map[string]lipgloss.Style{
	"booting":   Cyan,
	"working":   Green,
	"stalled":   Yellow,
	"completed": Dim,
	"zombie":    Red,
}

// StateStyle returns the display style for a session state.
func StateStyle(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return Dim
}

// PrintWarning prints a warning message with consistent formatting.
// The format and args work like fmt.Printf.
func PrintWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("%s %s\n", Warning.Render("⚠ Warning:"), msg)
}

// IsTerminal reports whether stdout is connected to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor determines whether ANSI color codes should be emitted.
// Respects NO_COLOR (https://no-color.org/), CLICOLOR, and
// CLICOLOR_FORCE conventions.
func ShouldUseColor() bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, exists := os.LookupEnv("CLICOLOR_FORCE"); exists {
		return true
	}
	return IsTerminal()
}
