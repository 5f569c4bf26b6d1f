package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// flowdriver palette
var (
	skyBlue      = lipgloss.Color("#87CEEB")
	deepSkyBlue  = lipgloss.Color("#00BFFF")
	lightSkyBlue = lipgloss.Color("#B0E0E6")
	darkSkyBlue  = lipgloss.Color("#4A90D9")

	white     = lipgloss.Color("#FFFFFF")
	lightGray = lipgloss.Color("#B0B0B0")

	green  = lipgloss.Color("#00FF88")
	yellow = lipgloss.Color("#FFD700")
	red    = lipgloss.Color("#FF6B6B")
)

// styled reports whether stdout is a terminal. Piped output stays plain.
var styled = term.IsTerminal(int(os.Stdout.Fd()))

func style(s lipgloss.Style) lipgloss.Style {
	if !styled {
		return lipgloss.NewStyle()
	}
	return s
}

func titleStyle() lipgloss.Style {
	return style(lipgloss.NewStyle().
		Foreground(white).
		Background(darkSkyBlue).
		Bold(true).
		Padding(0, 1))
}

func labelStyle() lipgloss.Style   { return style(lipgloss.NewStyle().Foreground(lightSkyBlue)) }
func valueStyle() lipgloss.Style   { return style(lipgloss.NewStyle().Foreground(white).Bold(true)) }
func dimStyle() lipgloss.Style     { return style(lipgloss.NewStyle().Foreground(lightGray)) }
func accentStyle() lipgloss.Style  { return style(lipgloss.NewStyle().Foreground(deepSkyBlue)) }
func successStyle() lipgloss.Style { return style(lipgloss.NewStyle().Foreground(green).Bold(true)) }
func warningStyle() lipgloss.Style { return style(lipgloss.NewStyle().Foreground(yellow)) }

func errorStyle() lipgloss.Style {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(red).Bold(true)
}

func boxStyle() lipgloss.Style {
	return style(lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(skyBlue).
		Padding(0, 1))
}

// statusStyle colours a status code by class.
func statusStyle(code int) lipgloss.Style {
	switch {
	case code >= 200 && code < 300:
		return successStyle()
	case code >= 400:
		return style(lipgloss.NewStyle().Foreground(red).Bold(true))
	}
	return warningStyle()
}
