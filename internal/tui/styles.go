// Package tui provides a terminal status dashboard for the tunnel server.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorPrimary = lipgloss.Color("#7C3AED") // violet
	colorSuccess = lipgloss.Color("#22C55E") // green
	colorMuted   = lipgloss.Color("#6B7280") // gray
	colorText    = lipgloss.Color("#CDD6F4") // light text
	colorBorder  = lipgloss.Color("#45475A") // border
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorPrimary).
			Padding(0, 2)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)

	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorBorder)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText)
)
