// Package ui renders CLI output with lipgloss.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	headerStyle = lipgloss.NewStyle().Bold(true)
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
)

// DisableColor switches all rendering to plain text. It is also applied
// when NO_COLOR is set.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func init() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		DisableColor()
	}
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Header renders a section title.
func Header(s string) string {
	return headerStyle.Render(s)
}

// Field is one row of a key/value block.
type Field struct {
	Key   string
	Value any
}

// Fields renders rows as aligned "key: value" lines, indented by three spaces.
func Fields(rows ...Field) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}
	var b strings.Builder
	for _, r := range rows {
		pad := strings.Repeat(" ", width-len(r.Key))
		fmt.Fprintf(&b, "   %s%s %v\n", keyStyle.Render(r.Key+":"), pad, r.Value)
	}
	return b.String()
}

// Status renders a check mark or cross in front of msg.
func Status(ok bool, msg string) string {
	if ok {
		return RenderPass("✓") + " " + msg
	}
	return RenderFail("✗") + " " + msg
}
